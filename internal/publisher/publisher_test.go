package publisher

import (
	"context"
	"errors"
	"sync"
	"testing"

	"publication-pipeline/internal/models"
)

type fakeQueue struct {
	mu        sync.Mutex
	items     []models.PublicationItem
	claimErr  error
	published []int64
	failed    map[int64]string
}

func newFakeQueue(items ...models.PublicationItem) *fakeQueue {
	return &fakeQueue{items: items, failed: make(map[int64]string)}
}

func (q *fakeQueue) ClaimNext(context.Context) (models.PublicationItem, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.claimErr != nil {
		return models.PublicationItem{}, false, q.claimErr
	}
	if len(q.items) == 0 {
		return models.PublicationItem{}, false, nil
	}
	item := q.items[0]
	q.items = q.items[1:]
	item.Status = models.StatusProcessing
	item.Attempts++
	return item, true, nil
}

func (q *fakeQueue) MarkPublished(_ context.Context, id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.published = append(q.published, id)
	return nil
}

func (q *fakeQueue) MarkFailed(_ context.Context, id int64, errorLog string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failed[id] = errorLog
	return nil
}

func (q *fakeQueue) PendingDepth(context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.items)), nil
}

type sentAlbum struct {
	target  string
	caption string
	media   []string
}

type fakeSender struct {
	mu   sync.Mutex
	err  error
	sent []sentAlbum
}

func (s *fakeSender) SendAlbum(_ context.Context, target, caption string, mediaURLs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, sentAlbum{target: target, caption: caption, media: mediaURLs})
	return nil
}

type fakeMirror struct {
	err      error
	prefix   string
	mirrored [][]string
}

func (m *fakeMirror) MirrorAll(_ context.Context, _ string, urls []string) ([]string, error) {
	if m.err != nil {
		return nil, m.err
	}
	out := make([]string, len(urls))
	for i, u := range urls {
		out[i] = m.prefix + u
	}
	m.mirrored = append(m.mirrored, out)
	return out, nil
}

func testItem(id int64) models.PublicationItem {
	return models.PublicationItem{
		ID:        id,
		Status:    models.StatusPending,
		GalleryID: "g1",
		TargetID:  "group@test",
		Caption:   "caption",
		MediaURLs: []string{"https://img.example.com/1.jpg"},
	}
}

func TestRunCycleEmptyQueue(t *testing.T) {
	q := newFakeQueue()
	s := &fakeSender{}
	if err := New(q, s, nil).RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle with empty queue: %v", err)
	}
	if len(s.sent) != 0 {
		t.Fatalf("nothing should have been sent, got %d", len(s.sent))
	}
}

func TestRunCyclePublishesOneItem(t *testing.T) {
	q := newFakeQueue(testItem(1), testItem(2))
	s := &fakeSender{}
	if err := New(q, s, nil).RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if len(s.sent) != 1 {
		t.Fatalf("expected exactly one album per cycle, got %d", len(s.sent))
	}
	if s.sent[0].target != "group@test" || s.sent[0].caption != "caption" {
		t.Fatalf("unexpected album: %+v", s.sent[0])
	}
	if len(q.published) != 1 || q.published[0] != 1 {
		t.Fatalf("expected item 1 published, got %v", q.published)
	}
}

func TestRunCycleDeliveryFailureRecordedOnRow(t *testing.T) {
	q := newFakeQueue(testItem(1))
	s := &fakeSender{err: errors.New("gateway unreachable")}
	if err := New(q, s, nil).RunCycle(context.Background()); err != nil {
		t.Fatalf("delivery failure must not propagate, got %v", err)
	}
	if got := q.failed[1]; got != "gateway unreachable" {
		t.Fatalf("expected error log on row, got %q", got)
	}
	if len(q.published) != 0 {
		t.Fatalf("failed item must not be published, got %v", q.published)
	}
}

func TestRunCycleClaimErrorPropagates(t *testing.T) {
	q := newFakeQueue()
	q.claimErr = errors.New("connection refused")
	err := New(q, &fakeSender{}, nil).RunCycle(context.Background())
	if err == nil || !errors.Is(err, q.claimErr) {
		t.Fatalf("expected claim error to propagate, got %v", err)
	}
}

func TestRunCycleNoMediaFailsRow(t *testing.T) {
	item := testItem(1)
	item.MediaURLs = nil
	q := newFakeQueue(item)
	if err := New(q, &fakeSender{}, nil).RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if _, ok := q.failed[1]; !ok {
		t.Fatal("expected row without media to be failed")
	}
}

func TestRunCycleUsesMirroredURLs(t *testing.T) {
	q := newFakeQueue(testItem(1))
	s := &fakeSender{}
	m := &fakeMirror{prefix: "https://cdn.example.com/"}
	if err := New(q, s, m).RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if s.sent[0].media[0] != "https://cdn.example.com/https://img.example.com/1.jpg" {
		t.Fatalf("expected mirrored url, got %v", s.sent[0].media)
	}
}

func TestRunCycleMirrorFailureFallsBack(t *testing.T) {
	q := newFakeQueue(testItem(1))
	s := &fakeSender{}
	m := &fakeMirror{err: errors.New("bucket down")}
	if err := New(q, s, m).RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if len(s.sent) != 1 || s.sent[0].media[0] != "https://img.example.com/1.jpg" {
		t.Fatalf("expected fallback to source urls, got %+v", s.sent)
	}
	if len(q.published) != 1 {
		t.Fatal("item should still publish when mirroring fails")
	}
}
