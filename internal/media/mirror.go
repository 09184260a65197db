package media

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"

	"publication-pipeline/internal/config"
)

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Mirror copies gallery images out of their scrape origin into storage this
// pipeline controls, writing a resized thumbnail alongside each original.
// Delivery then references the mirrored URLs instead of hot-linking the
// source site.
type Mirror struct {
	cfg        config.Config
	httpClient *http.Client
	uploader   uploader
}

// NewMirror constructs the mirror, choosing S3 when a bucket is configured
// and the local filesystem otherwise.
func NewMirror(ctx context.Context, cfg config.Config) (*Mirror, error) {
	timeout := cfg.MediaDownloadTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	var up uploader
	if cfg.MediaS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		up = &s3Uploader{client: client, bucket: cfg.MediaS3Bucket, region: cfg.MediaS3Region, publicBase: cfg.MediaPublicBaseURL}
	} else {
		baseDir := cfg.MediaOutputDir
		if baseDir == "" {
			baseDir = "./media"
		}
		up = &localUploader{baseDir: baseDir}
	}

	return &Mirror{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		uploader:   up,
	}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.MediaS3Region),
	}
	if cfg.MediaS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.MediaS3Endpoint,
					HostnameImmutable: cfg.MediaS3PathStyle,
					SigningRegion:     cfg.MediaS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.MediaS3PathStyle
	}), nil
}

// MirrorAll downloads every gallery image, stores the original plus a
// thumbnail, and returns the mirrored URLs in source order.
func (m *Mirror) MirrorAll(ctx context.Context, galleryID string, urls []string) ([]string, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("no media urls for gallery %s", galleryID)
	}

	mirrored := make([]string, 0, len(urls))
	for i, src := range urls {
		url, err := m.mirrorOne(ctx, galleryID, i, src)
		if err != nil {
			return nil, fmt.Errorf("mirror image %d of gallery %s: %w", i, galleryID, err)
		}
		mirrored = append(mirrored, url)
	}
	return mirrored, nil
}

func (m *Mirror) mirrorOne(ctx context.Context, galleryID string, index int, src string) (string, error) {
	data, contentType, err := m.download(ctx, src)
	if err != nil {
		return "", err
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}

	width := m.cfg.MediaThumbWidth
	if width == 0 {
		width = 320
	}
	thumb := imaging.Resize(img, width, 0, imaging.Lanczos)
	thumbBuf := &bytes.Buffer{}
	if err := imaging.Encode(thumbBuf, thumb, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return "", fmt.Errorf("encode thumbnail: %w", err)
	}

	ext := extensionFor(format, src)
	key := fmt.Sprintf("galleries/%s/%d%s", galleryID, index, ext)
	thumbKey := fmt.Sprintf("galleries/%s/thumbs/%d.jpg", galleryID, index)

	location, err := m.uploader.Upload(ctx, key, data, mimeFor(format, contentType))
	if err != nil {
		return "", fmt.Errorf("upload original: %w", err)
	}
	if _, err := m.uploader.Upload(ctx, thumbKey, thumbBuf.Bytes(), "image/jpeg"); err != nil {
		return "", fmt.Errorf("upload thumbnail: %w", err)
	}

	return location, nil
}

func (m *Mirror) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", fmt.Errorf("download image: status %d", resp.StatusCode)
	}

	limit := m.cfg.MediaMaxBytes
	if limit == 0 {
		limit = 25 * 1024 * 1024
	}
	limited := io.LimitReader(resp.Body, limit+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, "", fmt.Errorf("read image: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, "", fmt.Errorf("image too large (>%d bytes)", limit)
	}

	return body, resp.Header.Get("Content-Type"), nil
}

func extensionFor(format, src string) string {
	switch format {
	case "png":
		return ".png"
	case "gif":
		return ".gif"
	case "jpeg":
		return ".jpg"
	}
	if ext := strings.ToLower(path.Ext(src)); ext != "" && len(ext) <= 5 {
		return ext
	}
	return ".jpg"
}

func mimeFor(format, fallback string) string {
	switch format {
	case "png":
		return "image/png"
	case "gif":
		return "image/gif"
	case "jpeg":
		return "image/jpeg"
	}
	if fallback != "" {
		return fallback
	}
	return "application/octet-stream"
}
