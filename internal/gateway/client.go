package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"publication-pipeline/internal/config"
)

// Client talks to the messaging gateway that owns the outbound channel
// connection. The gateway handles session state and reconnection; this client
// only submits albums and retries transient failures.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	maxElapsed time.Duration
	log        *logrus.Entry
}

// New constructs a gateway client from config.
func New(cfg config.Config) *Client {
	timeout := cfg.GatewayTimeout
	if timeout == 0 {
		timeout = 2 * time.Minute
	}
	maxElapsed := cfg.GatewayMaxElapsed
	if maxElapsed == 0 {
		maxElapsed = 5 * time.Minute
	}
	return &Client{
		baseURL:    cfg.GatewayURL,
		apiKey:     cfg.GatewayAPIKey,
		httpClient: &http.Client{Timeout: timeout},
		maxElapsed: maxElapsed,
		log:        logrus.WithField("component", "gateway"),
	}
}

type albumRequest struct {
	Target    string   `json:"target"`
	Caption   string   `json:"caption"`
	MediaURLs []string `json:"mediaUrls"`
}

// SendAlbum submits a captioned media album for delivery to the target
// channel. Network errors and 5xx responses are retried with exponential
// backoff up to the configured elapsed budget; 4xx responses are permanent.
func (c *Client) SendAlbum(ctx context.Context, target, caption string, mediaURLs []string) error {
	body, err := json.Marshal(albumRequest{Target: target, Caption: caption, MediaURLs: mediaURLs})
	if err != nil {
		return fmt.Errorf("marshal album request: %w", err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = c.maxElapsed

	attempt := 0
	operation := func() error {
		attempt++
		err := c.postAlbum(ctx, body)
		if err != nil {
			c.log.WithError(err).WithField("attempt", attempt).Warn("album send attempt failed")
		}
		return err
	}
	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return fmt.Errorf("send album to %s: %w", target, err)
	}
	return nil
}

func (c *Client) postAlbum(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/send-album", bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-KEY", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post album: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusMultipleChoices {
		return nil
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	err = fmt.Errorf("gateway returned status %d: %s", resp.StatusCode, bytes.TrimSpace(detail))
	if resp.StatusCode >= http.StatusInternalServerError {
		return err
	}
	return backoff.Permanent(err)
}
