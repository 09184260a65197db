package publisher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"publication-pipeline/internal/models"
	"publication-pipeline/internal/telemetry"
)

// Queue is the claim-and-resolve surface of the publication queue.
// Satisfied by *store.Store.
type Queue interface {
	ClaimNext(ctx context.Context) (models.PublicationItem, bool, error)
	MarkPublished(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, errorLog string) error
	PendingDepth(ctx context.Context) (int64, error)
}

// Sender delivers a captioned album to the external message channel.
// Satisfied by *gateway.Client.
type Sender interface {
	SendAlbum(ctx context.Context, target, caption string, mediaURLs []string) error
}

// Mirror rewrites media URLs to pipeline-controlled storage before delivery.
// Satisfied by *media.Mirror; may be nil to deliver source URLs directly.
type Mirror interface {
	MirrorAll(ctx context.Context, galleryID string, urls []string) ([]string, error)
}

// Publisher drives the leader-only publication cycle: claim one row, deliver
// it, record the outcome.
type Publisher struct {
	queue  Queue
	sender Sender
	mirror Mirror
	log    *logrus.Entry
}

// New constructs a publisher. mirror may be nil.
func New(queue Queue, sender Sender, mirror Mirror) *Publisher {
	return &Publisher{
		queue:  queue,
		sender: sender,
		mirror: mirror,
		log:    logrus.WithField("component", "publisher"),
	}
}

// RunCycle processes at most one queue row. An empty claim ends the cycle
// normally. Delivery failures are captured on the row, not returned; only
// infrastructure errors (queue unreachable) propagate so the next tick can
// retry from scratch.
func (p *Publisher) RunCycle(ctx context.Context) error {
	if depth, err := p.queue.PendingDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}

	item, ok, err := p.queue.ClaimNext(ctx)
	if err != nil {
		return fmt.Errorf("claim next item: %w", err)
	}
	if !ok {
		p.log.Debug("no pending items, cycle finished")
		return nil
	}
	telemetry.ItemsClaimed.Inc()

	log := p.log.WithFields(logrus.Fields{"item_id": item.ID, "gallery_id": item.GalleryID, "attempts": item.Attempts})
	log.Info("processing publication item")

	if len(item.MediaURLs) == 0 {
		return p.failItem(ctx, item.ID, errors.New("item has no media urls"))
	}

	mediaURLs := item.MediaURLs
	if p.mirror != nil {
		mirrored, err := p.mirror.MirrorAll(ctx, item.GalleryID, item.MediaURLs)
		if err != nil {
			// The source URLs are still deliverable; mirroring is best effort.
			log.WithError(err).Warn("media mirroring failed, delivering source urls")
		} else {
			mediaURLs = mirrored
		}
	}

	if err := p.sender.SendAlbum(ctx, item.TargetID, item.Caption, mediaURLs); err != nil {
		log.WithError(err).Error("delivery failed")
		return p.failItem(ctx, item.ID, err)
	}

	if err := p.queue.MarkPublished(ctx, item.ID); err != nil {
		return fmt.Errorf("mark item %d published: %w", item.ID, err)
	}
	telemetry.ItemsPublished.Inc()
	log.Info("item published")
	return nil
}

func (p *Publisher) failItem(ctx context.Context, id int64, cause error) error {
	if err := p.queue.MarkFailed(ctx, id, cause.Error()); err != nil {
		return fmt.Errorf("mark item %d failed: %w", id, err)
	}
	telemetry.PublishFailures.Inc()
	return nil
}

// Run executes RunCycle on a fixed interval until the context is cancelled.
// An initial cycle runs immediately so a fresh leader drains the queue
// without waiting a full interval.
func (p *Publisher) Run(ctx context.Context, interval time.Duration) error {
	if err := p.RunCycle(ctx); err != nil {
		p.log.WithError(err).Error("publication cycle failed")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.RunCycle(ctx); err != nil {
				p.log.WithError(err).Error("publication cycle failed")
			}
		}
	}
}
