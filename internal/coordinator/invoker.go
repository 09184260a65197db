package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"publication-pipeline/internal/config"
	"publication-pipeline/internal/models"
)

// StageInvoker dispatches work to the stage worker responsible for a state.
// Invocations are fire-and-forget from the coordinator's point of view: the
// worker acknowledges receipt and reports its result later through the
// advance/fail endpoints.
type StageInvoker interface {
	Invoke(ctx context.Context, state models.JobState, jobID string, payload map[string]any) error
}

// HTTPInvoker posts stage requests to configured worker base URLs.
type HTTPInvoker struct {
	client    *http.Client
	endpoints map[models.JobState]string
}

// NewHTTPInvoker maps pipeline states to the stage worker endpoints from config.
func NewHTTPInvoker(cfg config.Config) *HTTPInvoker {
	return &HTTPInvoker{
		client: &http.Client{Timeout: 30 * time.Second},
		endpoints: map[models.JobState]string{
			models.StateSearching:         cfg.SearchWorkerURL,
			models.StateCurating:          cfg.CuratorWorkerURL,
			models.StateContentGeneration: cfg.ContentWorkerURL,
		},
	}
}

type stageRequest struct {
	JobID          string         `json:"job_id"`
	CurrentPayload map[string]any `json:"current_payload"`
}

// Invoke sends {job_id, current_payload} to the worker for the given state.
// Only dispatch is awaited, never the stage's completion.
func (i *HTTPInvoker) Invoke(ctx context.Context, state models.JobState, jobID string, payload map[string]any) error {
	url, ok := i.endpoints[state]
	if !ok || url == "" {
		return fmt.Errorf("no stage worker configured for state %s", state)
	}

	body, err := json.Marshal(stageRequest{JobID: jobID, CurrentPayload: payload})
	if err != nil {
		return fmt.Errorf("marshal stage request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build stage request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := i.client.Do(req)
	if err != nil {
		return fmt.Errorf("invoke %s worker: %w", state, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("invoke %s worker: status %d", state, resp.StatusCode)
	}
	return nil
}
