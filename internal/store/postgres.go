package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"publication-pipeline/internal/models"
)

// ErrJobNotFound is returned when a coordinated job id is unknown.
var ErrJobNotFound = errors.New("job not found")

// Store wraps pgxpool for Postgres persistence of publication items and
// coordinator job state.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const itemColumns = `id, status, gallery_id, target_id, caption, media_urls, source, scheduled_for, attempts, error_log, published_at, created_at, updated_at`

// CreateItemParams collects inputs required to insert a publication item.
type CreateItemParams struct {
	GalleryID    string
	TargetID     string
	Caption      string
	MediaURLs    []string
	Source       string
	ScheduledFor time.Time
}

// CreateItem inserts a pending publication item into the queue.
func (s *Store) CreateItem(ctx context.Context, p CreateItemParams) (models.PublicationItem, error) {
	if p.ScheduledFor.IsZero() {
		p.ScheduledFor = time.Now().UTC()
	}
	mediaJSON, err := json.Marshal(p.MediaURLs)
	if err != nil {
		return models.PublicationItem{}, fmt.Errorf("marshal media urls: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO publication_items (status, gallery_id, target_id, caption, media_urls, source, scheduled_for, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, NOW(), NOW())
		RETURNING `+itemColumns,
		models.StatusPending, p.GalleryID, p.TargetID, p.Caption, mediaJSON, p.Source, p.ScheduledFor)

	item, err := scanItem(row)
	if err != nil {
		return models.PublicationItem{}, fmt.Errorf("insert item: %w", err)
	}
	return item, nil
}

// ClaimNext atomically selects the oldest claimable row, flips it to
// processing, and returns it. The selection, lock, and status flip happen in
// one statement; SKIP LOCKED keeps concurrent claimers from blocking on each
// other and guarantees disjoint results. The second return is false when no
// row is eligible.
func (s *Store) ClaimNext(ctx context.Context) (models.PublicationItem, bool, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE publication_items
		SET status = $1, attempts = attempts + 1, updated_at = NOW()
		WHERE id = (
			SELECT id FROM publication_items
			WHERE status = $2 AND scheduled_for <= NOW()
			ORDER BY scheduled_for ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+itemColumns,
		models.StatusProcessing, models.StatusPending)

	item, err := scanItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.PublicationItem{}, false, nil
	}
	if err != nil {
		return models.PublicationItem{}, false, fmt.Errorf("claim item: %w", err)
	}
	return item, true, nil
}

// GetItem fetches a publication item by id.
func (s *Store) GetItem(ctx context.Context, id int64) (models.PublicationItem, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM publication_items WHERE id = $1`, id)
	item, err := scanItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.PublicationItem{}, fmt.Errorf("item %d: %w", id, pgx.ErrNoRows)
	}
	if err != nil {
		return models.PublicationItem{}, fmt.Errorf("get item: %w", err)
	}
	return item, nil
}

// MarkPublished records a successful delivery.
func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE publication_items
		SET status = $2, published_at = NOW(), error_log = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusPublished)
	return err
}

// MarkFailed records a terminal delivery failure with the captured error text.
func (s *Store) MarkFailed(ctx context.Context, id int64, errorLog string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE publication_items
		SET status = $2, error_log = $3, updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusFailed, errorLog)
	return err
}

// PendingDepth returns the count of rows ready to be claimed.
func (s *Store) PendingDepth(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM publication_items WHERE status = $1 AND scheduled_for <= NOW()
	`, models.StatusPending).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending items: %w", err)
	}
	return n, nil
}

// RequeueStale flips processing rows older than the threshold back to pending.
// This is an operator action, not an automatic reaper: rows stranded by a
// crash mid-delivery stay in processing until someone invokes it.
func (s *Store) RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE publication_items
		SET status = $1, updated_at = NOW()
		WHERE status = $2 AND updated_at < NOW() - $3::interval
	`, models.StatusPending, models.StatusProcessing, olderThan.String())
	if err != nil {
		return 0, fmt.Errorf("requeue stale items: %w", err)
	}
	return tag.RowsAffected(), nil
}

// SaveJob upserts a coordinated job's durable state. Called after every
// state transition so a coordinator can be rehydrated after a crash.
func (s *Store) SaveJob(ctx context.Context, job models.CoordinatedJob) error {
	initialJSON, err := json.Marshal(job.InitialPayload)
	if err != nil {
		return fmt.Errorf("marshal initial payload: %w", err)
	}
	currentJSON, err := json.Marshal(job.CurrentPayload)
	if err != nil {
		return fmt.Errorf("marshal current payload: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO pipeline_jobs (id, state, initial_payload, current_payload, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE
		SET state = EXCLUDED.state,
		    current_payload = EXCLUDED.current_payload,
		    error = EXCLUDED.error,
		    updated_at = EXCLUDED.updated_at
	`, job.ID, string(job.State), initialJSON, currentJSON, job.Error, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save job: %w", err)
	}
	return nil
}

// GetJob fetches a coordinated job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.CoordinatedJob, error) {
	if _, err := uuid.Parse(id); err != nil {
		return models.CoordinatedJob{}, ErrJobNotFound
	}
	row := s.pool.QueryRow(ctx, `
		SELECT id, state, initial_payload, current_payload, error, created_at, updated_at
		FROM pipeline_jobs WHERE id = $1
	`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.CoordinatedJob{}, ErrJobNotFound
	}
	if err != nil {
		return models.CoordinatedJob{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// StaleJobs returns non-terminal jobs that have not transitioned within the
// given duration. Used by the sweep that converts silent stage stalls into
// explicit failures.
func (s *Store) StaleJobs(ctx context.Context, olderThan time.Duration) ([]models.CoordinatedJob, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, state, initial_payload, current_payload, error, created_at, updated_at
		FROM pipeline_jobs
		WHERE state NOT IN ($1, $2) AND updated_at < NOW() - $3::interval
		ORDER BY updated_at ASC
	`, string(models.StateCompleted), string(models.StateFailed), olderThan.String())
	if err != nil {
		return nil, fmt.Errorf("query stale jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.CoordinatedJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stale job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanItem(row pgx.Row) (models.PublicationItem, error) {
	var item models.PublicationItem
	var mediaJSON []byte
	var errLog pgtype.Text
	var publishedAt pgtype.Timestamptz

	if err := row.Scan(&item.ID, &item.Status, &item.GalleryID, &item.TargetID, &item.Caption,
		&mediaJSON, &item.Source, &item.ScheduledFor, &item.Attempts, &errLog, &publishedAt,
		&item.CreatedAt, &item.UpdatedAt); err != nil {
		return models.PublicationItem{}, err
	}
	if err := json.Unmarshal(mediaJSON, &item.MediaURLs); err != nil {
		return models.PublicationItem{}, fmt.Errorf("unmarshal media urls: %w", err)
	}
	item.ErrorLog = textPtr(errLog)
	if publishedAt.Valid {
		t := publishedAt.Time
		item.PublishedAt = &t
	}
	return item, nil
}

func scanJob(row pgx.Row) (models.CoordinatedJob, error) {
	var job models.CoordinatedJob
	var state string
	var initialJSON, currentJSON []byte
	var jobErr pgtype.Text

	if err := row.Scan(&job.ID, &state, &initialJSON, &currentJSON, &jobErr, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return models.CoordinatedJob{}, err
	}
	job.State = models.JobState(state)
	if err := json.Unmarshal(initialJSON, &job.InitialPayload); err != nil {
		return models.CoordinatedJob{}, fmt.Errorf("unmarshal initial payload: %w", err)
	}
	if err := json.Unmarshal(currentJSON, &job.CurrentPayload); err != nil {
		return models.CoordinatedJob{}, fmt.Errorf("unmarshal current payload: %w", err)
	}
	job.Error = textPtr(jobErr)
	return job, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
