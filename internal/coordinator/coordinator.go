package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"publication-pipeline/internal/models"
	"publication-pipeline/internal/store"
	"publication-pipeline/internal/telemetry"
)

var (
	// ErrNotFound is returned when a job id is unknown.
	ErrNotFound = errors.New("job not found")
	// ErrTerminal is returned when a transition is requested on a job that
	// already reached COMPLETED or FAILED.
	ErrTerminal = errors.New("job is in a terminal state")
)

// Store is the durable storage a coordinator persists through. Satisfied by
// *store.Store.
type Store interface {
	SaveJob(ctx context.Context, job models.CoordinatedJob) error
	GetJob(ctx context.Context, id string) (models.CoordinatedJob, error)
	StaleJobs(ctx context.Context, olderThan time.Duration) ([]models.CoordinatedJob, error)
	CreateItem(ctx context.Context, p store.CreateItemParams) (models.PublicationItem, error)
}

// Coordinator owns the authoritative state of exactly one job. All mutation
// goes through Advance/Fail; state is persisted after every transition so the
// job survives a process restart.
type Coordinator struct {
	mu      sync.Mutex
	store   Store
	invoker StageInvoker
	target  string
	job     models.CoordinatedJob
	log     *logrus.Entry
}

func newCoordinator(st Store, inv StageInvoker, target string, job models.CoordinatedJob) *Coordinator {
	return &Coordinator{
		store:   st,
		invoker: inv,
		target:  target,
		job:     job,
		log:     logrus.WithField("job_id", job.ID),
	}
}

// start persists the new job in SEARCHING and dispatches the first stage.
func start(ctx context.Context, st Store, inv StageInvoker, target string, initialPayload map[string]any) (*Coordinator, error) {
	now := time.Now().UTC()
	job := models.CoordinatedJob{
		ID:             uuid.NewString(),
		State:          models.StateSearching,
		InitialPayload: initialPayload,
		CurrentPayload: initialPayload,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	c := newCoordinator(st, inv, target, job)
	if err := st.SaveJob(ctx, job); err != nil {
		return nil, err
	}
	telemetry.JobsStarted.Inc()
	c.log.WithField("state", job.State).Info("job started")
	c.dispatch(models.StateSearching, job.ID, job.CurrentPayload)
	return c, nil
}

// dispatch fires a stage invocation without awaiting its outcome. The stage
// worker is expected to call back Advance or Fail with the job id. A dispatch
// error (worker unreachable, no endpoint configured) fails the job, since no
// callback will ever arrive.
func (c *Coordinator) dispatch(state models.JobState, jobID string, payload map[string]any) {
	go func() {
		if err := c.invoker.Invoke(context.Background(), state, jobID, payload); err != nil {
			c.log.WithError(err).WithField("state", state).Error("stage dispatch failed")
			msg := fmt.Sprintf("dispatch %s stage: %v", state, err)
			if _, ferr := c.Fail(context.Background(), jobID, msg); ferr != nil && !errors.Is(ferr, ErrTerminal) {
				c.log.WithError(ferr).Error("failed to record dispatch failure")
			}
		}
	}()
}

// Advance moves the job to the next state in the fixed sequence, replacing
// the working payload with the stage's result. Entering SAVING triggers the
// persistence side effect inline and auto-advances to COMPLETED.
func (c *Coordinator) Advance(ctx context.Context, jobID string, resultPayload map[string]any) (models.CoordinatedJob, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.job.ID != jobID {
		return models.CoordinatedJob{}, ErrNotFound
	}
	if c.job.State.Terminal() {
		return c.job, ErrTerminal
	}

	next, ok := c.job.State.Next()
	if !ok {
		return c.job, fmt.Errorf("no transition from state %s", c.job.State)
	}

	c.job.State = next
	c.job.CurrentPayload = resultPayload
	c.job.UpdatedAt = time.Now().UTC()
	if err := c.store.SaveJob(ctx, c.job); err != nil {
		return models.CoordinatedJob{}, err
	}
	telemetry.JobTransitions.Inc()
	c.log.WithField("state", next).Info("job advanced")

	switch next {
	case models.StateCurating, models.StateContentGeneration:
		c.dispatch(next, c.job.ID, c.job.CurrentPayload)
	case models.StateSaving:
		if err := c.savePublication(ctx); err != nil {
			c.log.WithError(err).Error("saving publication item failed")
			return c.failLocked(ctx, fmt.Sprintf("save publication: %v", err))
		}
		c.job.State = models.StateCompleted
		c.job.UpdatedAt = time.Now().UTC()
		if err := c.store.SaveJob(ctx, c.job); err != nil {
			return models.CoordinatedJob{}, err
		}
		telemetry.JobsCompleted.Inc()
		c.log.Info("job completed")
	}

	return c.job, nil
}

// Fail marks the job FAILED with the given message. Failing an already
// failed job is a no-op; failing a completed job is rejected.
func (c *Coordinator) Fail(ctx context.Context, jobID, message string) (models.CoordinatedJob, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.job.ID != jobID {
		return models.CoordinatedJob{}, ErrNotFound
	}
	if c.job.State == models.StateFailed {
		return c.job, nil
	}
	if c.job.State == models.StateCompleted {
		return c.job, ErrTerminal
	}
	return c.failLocked(ctx, message)
}

// failLocked records the failure; callers must hold c.mu.
func (c *Coordinator) failLocked(ctx context.Context, message string) (models.CoordinatedJob, error) {
	c.job.State = models.StateFailed
	c.job.Error = &message
	c.job.UpdatedAt = time.Now().UTC()
	if err := c.store.SaveJob(ctx, c.job); err != nil {
		return models.CoordinatedJob{}, err
	}
	telemetry.JobsFailed.Inc()
	c.log.WithField("error", message).Warn("job failed")
	return c.job, nil
}

// Get returns a snapshot of the job.
func (c *Coordinator) Get(jobID string) (models.CoordinatedJob, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.job.ID != jobID {
		return models.CoordinatedJob{}, ErrNotFound
	}
	return c.job, nil
}

// savePublication writes the finalized result into the publication queue as
// a pending row; the elected publisher claims it from there. Caption falls
// back to a composed form when the content stage did not produce one.
func (c *Coordinator) savePublication(ctx context.Context) error {
	final, ok := c.job.CurrentPayload["final_item"].(map[string]any)
	if !ok {
		return errors.New("current payload has no final_item")
	}

	target := stringField(c.job.InitialPayload, "targetGroupId")
	if target == "" {
		target = c.target
	}
	if target == "" {
		return errors.New("no target group id in initial payload or config")
	}

	media := stringSlice(final, "image_urls")
	if len(media) == 0 {
		if u := stringField(final, "image_url"); u != "" {
			media = []string{u}
		}
	}
	if len(media) == 0 {
		return errors.New("final_item has no image urls")
	}

	caption := stringField(final, "generated_caption")
	if caption == "" {
		caption = composeCaption(final)
	}

	galleryID := stringField(final, "gallery_id")
	if galleryID == "" {
		galleryID = c.job.ID
	}

	_, err := c.store.CreateItem(ctx, store.CreateItemParams{
		GalleryID: galleryID,
		TargetID:  target,
		Caption:   caption,
		MediaURLs: media,
		Source:    stringField(final, "source_url"),
	})
	return err
}

// composeCaption builds a caption from title, tags, and source when the
// content stage supplied no ready-made one.
func composeCaption(final map[string]any) string {
	parts := make([]string, 0, 3)
	if title := stringField(final, "title"); title != "" {
		parts = append(parts, title)
	}
	if tags := stringSlice(final, "tags"); len(tags) > 0 {
		hashtags := make([]string, len(tags))
		for i, t := range tags {
			hashtags[i] = "#" + t
		}
		parts = append(parts, strings.Join(hashtags, " "))
	}
	if src := stringField(final, "source_url"); src != "" {
		parts = append(parts, src)
	}
	return strings.Join(parts, "\n\n")
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	v, _ := m[key].(string)
	return v
}

func stringSlice(m map[string]any, key string) []string {
	if m == nil {
		return nil
	}
	raw, ok := m[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
