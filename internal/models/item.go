package models

import (
	"time"
)

// Publication item statuses persisted in Postgres.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusPublished  = "published"
	StatusFailed     = "failed"
)

// PublicationItem is one queued unit of publishable work. Rows move
// pending -> processing -> published|failed; the processing transition
// happens only inside the claim query.
type PublicationItem struct {
	ID           int64      `json:"id"`
	Status       string     `json:"status"`
	GalleryID    string     `json:"gallery_id"`
	TargetID     string     `json:"target_id"`
	Caption      string     `json:"caption"`
	MediaURLs    []string   `json:"media_urls"`
	Source       string     `json:"source,omitempty"`
	ScheduledFor time.Time  `json:"scheduled_for"`
	Attempts     int        `json:"attempts"`
	ErrorLog     *string    `json:"error_log,omitempty"`
	PublishedAt  *time.Time `json:"published_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}
