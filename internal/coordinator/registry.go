package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"publication-pipeline/internal/models"
	"publication-pipeline/internal/telemetry"
)

// Registry indexes one Coordinator per job id. Coordinators for jobs that
// predate this process (or were evicted) are rehydrated from durable storage
// on first access.
type Registry struct {
	mu      sync.Mutex
	coords  map[string]*Coordinator
	store   Store
	invoker StageInvoker
	target  string
}

// NewRegistry builds the registry. target is the default delivery target used
// when a job's initial payload carries none.
func NewRegistry(st Store, inv StageInvoker, target string) *Registry {
	return &Registry{
		coords:  make(map[string]*Coordinator),
		store:   st,
		invoker: inv,
		target:  target,
	}
}

// Start creates a new job in SEARCHING and kicks off the first stage. A
// warning is logged when other jobs are still non-terminal; each runs under
// its own coordinator, so this is permitted.
func (r *Registry) Start(ctx context.Context, initialPayload map[string]any) (models.CoordinatedJob, error) {
	r.mu.Lock()
	for id, c := range r.coords {
		if job, err := c.Get(id); err == nil && !job.State.Terminal() {
			logrus.WithFields(logrus.Fields{"job_id": id, "state": job.State}).
				Warn("starting a new job while another is still in flight")
			break
		}
	}
	r.mu.Unlock()

	c, err := start(ctx, r.store, r.invoker, r.target, initialPayload)
	if err != nil {
		return models.CoordinatedJob{}, fmt.Errorf("start job: %w", err)
	}

	job, _ := c.Get(c.job.ID)
	r.mu.Lock()
	r.coords[job.ID] = c
	r.mu.Unlock()
	return job, nil
}

// Advance reports a stage result for the given job.
func (r *Registry) Advance(ctx context.Context, jobID string, resultPayload map[string]any) (models.CoordinatedJob, error) {
	c, err := r.coordinatorFor(ctx, jobID)
	if err != nil {
		return models.CoordinatedJob{}, err
	}
	return c.Advance(ctx, jobID, resultPayload)
}

// Fail reports a stage failure for the given job.
func (r *Registry) Fail(ctx context.Context, jobID, message string) (models.CoordinatedJob, error) {
	c, err := r.coordinatorFor(ctx, jobID)
	if err != nil {
		return models.CoordinatedJob{}, err
	}
	return c.Fail(ctx, jobID, message)
}

// Get returns the job's current state.
func (r *Registry) Get(ctx context.Context, jobID string) (models.CoordinatedJob, error) {
	c, err := r.coordinatorFor(ctx, jobID)
	if err != nil {
		return models.CoordinatedJob{}, err
	}
	return c.Get(jobID)
}

func (r *Registry) coordinatorFor(ctx context.Context, jobID string) (*Coordinator, error) {
	r.mu.Lock()
	if c, ok := r.coords[jobID]; ok {
		r.mu.Unlock()
		return c, nil
	}
	r.mu.Unlock()

	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, ErrNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Another caller may have hydrated in the meantime; keep the first.
	if c, ok := r.coords[jobID]; ok {
		return c, nil
	}
	c := newCoordinator(r.store, r.invoker, r.target, job)
	r.coords[jobID] = c
	return c, nil
}

// Sweep fails every non-terminal job whose last transition is older than
// the stage deadline, converting silent stage stalls into explicit failures.
func (r *Registry) Sweep(ctx context.Context, olderThan time.Duration) (int, error) {
	stale, err := r.store.StaleJobs(ctx, olderThan)
	if err != nil {
		return 0, fmt.Errorf("list stale jobs: %w", err)
	}

	swept := 0
	for _, job := range stale {
		msg := fmt.Sprintf("stage deadline exceeded in state %s", job.State)
		if _, err := r.Fail(ctx, job.ID, msg); err != nil {
			if errors.Is(err, ErrTerminal) || errors.Is(err, ErrNotFound) {
				continue
			}
			return swept, fmt.Errorf("sweep job %s: %w", job.ID, err)
		}
		telemetry.JobsSwept.Inc()
		swept++
	}
	return swept, nil
}

// RunSweeper runs Sweep on a fixed interval until the context is cancelled.
func (r *Registry) RunSweeper(ctx context.Context, interval, olderThan time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept, err := r.Sweep(ctx, olderThan)
			if err != nil {
				logrus.WithError(err).Error("stale job sweep failed")
				continue
			}
			if swept > 0 {
				logrus.WithField("count", swept).Warn("failed stalled jobs past stage deadline")
			}
		}
	}
}
