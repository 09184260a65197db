package coordinator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"publication-pipeline/internal/models"
	"publication-pipeline/internal/store"
)

type fakeStore struct {
	mu    sync.Mutex
	jobs  map[string]models.CoordinatedJob
	items []store.CreateItemParams
}

func newFakeStore() *fakeStore {
	return &fakeStore{jobs: make(map[string]models.CoordinatedJob)}
}

func (f *fakeStore) SaveJob(_ context.Context, job models.CoordinatedJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.ID] = job
	return nil
}

func (f *fakeStore) GetJob(_ context.Context, id string) (models.CoordinatedJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return models.CoordinatedJob{}, store.ErrJobNotFound
	}
	return job, nil
}

func (f *fakeStore) StaleJobs(_ context.Context, olderThan time.Duration) ([]models.CoordinatedJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := time.Now().UTC().Add(-olderThan)
	var stale []models.CoordinatedJob
	for _, job := range f.jobs {
		if !job.State.Terminal() && job.UpdatedAt.Before(cutoff) {
			stale = append(stale, job)
		}
	}
	return stale, nil
}

func (f *fakeStore) CreateItem(_ context.Context, p store.CreateItemParams) (models.PublicationItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, p)
	return models.PublicationItem{ID: int64(len(f.items)), Status: models.StatusPending}, nil
}

func (f *fakeStore) storedJob(t *testing.T, id string) models.CoordinatedJob {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		t.Fatalf("job %s not persisted", id)
	}
	return job
}

type fakeInvoker struct {
	mu     sync.Mutex
	states []models.JobState
	err    error
	ch     chan models.JobState
}

func newFakeInvoker() *fakeInvoker {
	return &fakeInvoker{ch: make(chan models.JobState, 8)}
}

func (f *fakeInvoker) Invoke(_ context.Context, state models.JobState, _ string, _ map[string]any) error {
	f.mu.Lock()
	f.states = append(f.states, state)
	f.mu.Unlock()
	f.ch <- state
	return f.err
}

func (f *fakeInvoker) awaitInvocation(t *testing.T, want models.JobState) {
	t.Helper()
	select {
	case got := <-f.ch:
		if got != want {
			t.Fatalf("expected invocation of %s stage, got %s", want, got)
		}
	case <-time.After(time.Second):
		t.Fatalf("no %s stage invocation observed", want)
	}
}

func TestStartEntersSearching(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	inv := newFakeInvoker()
	reg := NewRegistry(st, inv, "group@test")

	job, err := reg.Start(ctx, map[string]any{"channel": "x"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if job.State != models.StateSearching {
		t.Fatalf("expected SEARCHING, got %s", job.State)
	}
	if job.ID == "" {
		t.Fatal("expected generated job id")
	}
	inv.awaitInvocation(t, models.StateSearching)

	persisted := st.storedJob(t, job.ID)
	if persisted.State != models.StateSearching {
		t.Fatalf("persisted state %s, want SEARCHING", persisted.State)
	}
}

func TestStageFailureAfterAdvance(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	inv := newFakeInvoker()
	reg := NewRegistry(st, inv, "group@test")

	job, err := reg.Start(ctx, map[string]any{"channel": "x"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	inv.awaitInvocation(t, models.StateSearching)

	job, err = reg.Advance(ctx, job.ID, map[string]any{"raw_results": []any{"a", "b"}})
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if job.State != models.StateCurating {
		t.Fatalf("expected CURATING, got %s", job.State)
	}
	inv.awaitInvocation(t, models.StateCurating)

	job, err = reg.Fail(ctx, job.ID, "no results")
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if job.State != models.StateFailed {
		t.Fatalf("expected FAILED, got %s", job.State)
	}
	if job.Error == nil || *job.Error != "no results" {
		t.Fatalf("expected error 'no results', got %v", job.Error)
	}

	if _, err := reg.Advance(ctx, job.ID, map[string]any{}); !errors.Is(err, ErrTerminal) {
		t.Fatalf("expected ErrTerminal advancing a failed job, got %v", err)
	}
	after, _ := reg.Get(ctx, job.ID)
	if after.State != models.StateFailed || *after.Error != "no results" {
		t.Fatalf("terminal job mutated: state=%s error=%v", after.State, after.Error)
	}
}

func TestFullPipelineCompletes(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	inv := newFakeInvoker()
	reg := NewRegistry(st, inv, "")

	job, err := reg.Start(ctx, map[string]any{"channel": "x", "targetGroupId": "group@test"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	inv.awaitInvocation(t, models.StateSearching)

	if job, err = reg.Advance(ctx, job.ID, map[string]any{"raw_results": []any{"g1"}}); err != nil {
		t.Fatalf("advance to curating: %v", err)
	}
	inv.awaitInvocation(t, models.StateCurating)

	if job, err = reg.Advance(ctx, job.ID, map[string]any{"curated_item": "g1"}); err != nil {
		t.Fatalf("advance to content generation: %v", err)
	}
	inv.awaitInvocation(t, models.StateContentGeneration)

	final := map[string]any{
		"final_item": map[string]any{
			"gallery_id":        "g1",
			"generated_caption": "fresh gallery",
			"image_url":         "https://img.example.com/1.jpg",
			"source_url":        "https://example.com/g1",
		},
	}
	job, err = reg.Advance(ctx, job.ID, final)
	if err != nil {
		t.Fatalf("advance to saving: %v", err)
	}
	if job.State != models.StateCompleted {
		t.Fatalf("expected COMPLETED after saving, got %s", job.State)
	}

	if len(st.items) != 1 {
		t.Fatalf("expected one publication item, got %d", len(st.items))
	}
	item := st.items[0]
	if item.TargetID != "group@test" || item.Caption != "fresh gallery" {
		t.Fatalf("unexpected item: %+v", item)
	}
	if len(item.MediaURLs) != 1 || item.MediaURLs[0] != "https://img.example.com/1.jpg" {
		t.Fatalf("unexpected media urls: %v", item.MediaURLs)
	}
}

func TestSavingWithoutFinalItemFailsJob(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	inv := newFakeInvoker()
	reg := NewRegistry(st, inv, "group@test")

	job, _ := reg.Start(ctx, map[string]any{"channel": "x"})
	_, _ = reg.Advance(ctx, job.ID, map[string]any{})
	_, _ = reg.Advance(ctx, job.ID, map[string]any{})

	job, err := reg.Advance(ctx, job.ID, map[string]any{})
	if err != nil {
		t.Fatalf("advance to saving: %v", err)
	}
	if job.State != models.StateFailed {
		t.Fatalf("expected FAILED, got %s", job.State)
	}
	if job.Error == nil || !strings.Contains(*job.Error, "final_item") {
		t.Fatalf("expected final_item error, got %v", job.Error)
	}
	if len(st.items) != 0 {
		t.Fatalf("no item should have been created, got %d", len(st.items))
	}
}

func TestAdvanceUnknownJob(t *testing.T) {
	reg := NewRegistry(newFakeStore(), newFakeInvoker(), "")
	if _, err := reg.Advance(context.Background(), "no-such-job", nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFailIsIdempotent(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(newFakeStore(), newFakeInvoker(), "")

	job, _ := reg.Start(ctx, map[string]any{"channel": "x"})
	first, err := reg.Fail(ctx, job.ID, "boom")
	if err != nil {
		t.Fatalf("first fail: %v", err)
	}
	second, err := reg.Fail(ctx, job.ID, "different message")
	if err != nil {
		t.Fatalf("second fail: %v", err)
	}
	if second.State != models.StateFailed || *second.Error != *first.Error {
		t.Fatalf("repeated fail mutated job: %+v", second)
	}
}

func TestFailCompletedJobRejected(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	reg := NewRegistry(st, newFakeInvoker(), "group@test")

	job, _ := reg.Start(ctx, map[string]any{"channel": "x"})
	_, _ = reg.Advance(ctx, job.ID, map[string]any{})
	_, _ = reg.Advance(ctx, job.ID, map[string]any{})
	final := map[string]any{"final_item": map[string]any{
		"generated_caption": "c", "image_url": "https://img/1.jpg",
	}}
	job, err := reg.Advance(ctx, job.ID, final)
	if err != nil || job.State != models.StateCompleted {
		t.Fatalf("pipeline did not complete: state=%s err=%v", job.State, err)
	}

	if _, err := reg.Fail(ctx, job.ID, "too late"); !errors.Is(err, ErrTerminal) {
		t.Fatalf("expected ErrTerminal failing a completed job, got %v", err)
	}
	after, _ := reg.Get(ctx, job.ID)
	if after.State != models.StateCompleted || after.Error != nil {
		t.Fatalf("completed job mutated: %+v", after)
	}
}

func TestRegistryRehydratesFromStore(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	inv := newFakeInvoker()

	reg1 := NewRegistry(st, inv, "")
	job, _ := reg1.Start(ctx, map[string]any{"channel": "x"})

	// A fresh registry (new process) must recover the job from storage.
	reg2 := NewRegistry(st, inv, "")
	got, err := reg2.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get after rehydration: %v", err)
	}
	if got.ID != job.ID || got.State != models.StateSearching {
		t.Fatalf("rehydrated job mismatch: %+v", got)
	}

	if _, err := reg2.Fail(ctx, job.ID, "stage crashed"); err != nil {
		t.Fatalf("fail after rehydration: %v", err)
	}
	if st.storedJob(t, job.ID).State != models.StateFailed {
		t.Fatal("failure not persisted through rehydrated coordinator")
	}
}

func TestSweepFailsStalledJobs(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	reg := NewRegistry(st, newFakeInvoker(), "")

	job, _ := reg.Start(ctx, map[string]any{"channel": "x"})

	// Age the persisted job past the deadline.
	st.mu.Lock()
	aged := st.jobs[job.ID]
	aged.UpdatedAt = time.Now().UTC().Add(-time.Hour)
	st.jobs[job.ID] = aged
	st.mu.Unlock()

	swept, err := reg.Sweep(ctx, 10*time.Minute)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if swept != 1 {
		t.Fatalf("expected 1 swept job, got %d", swept)
	}

	after, _ := reg.Get(ctx, job.ID)
	if after.State != models.StateFailed {
		t.Fatalf("expected FAILED after sweep, got %s", after.State)
	}
	if after.Error == nil || !strings.Contains(*after.Error, "deadline") {
		t.Fatalf("expected deadline error, got %v", after.Error)
	}
}
