package models

import (
	"time"
)

// JobState enumerates the pipeline states of a coordinated job.
type JobState string

const (
	StateSearching         JobState = "SEARCHING"
	StateCurating          JobState = "CURATING"
	StateContentGeneration JobState = "CONTENT_GENERATION"
	StateSaving            JobState = "SAVING"
	StateCompleted         JobState = "COMPLETED"
	StateFailed            JobState = "FAILED"
)

// forward is the fixed transition table. There are no backward edges;
// FAILED is reachable from any non-terminal state via Job failure.
var forward = map[JobState]JobState{
	StateSearching:         StateCurating,
	StateCurating:          StateContentGeneration,
	StateContentGeneration: StateSaving,
	StateSaving:            StateCompleted,
}

// Next returns the state that follows s, or false if s has no forward edge.
func (s JobState) Next() (JobState, bool) {
	n, ok := forward[s]
	return n, ok
}

// Terminal reports whether s accepts no further transitions.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Valid reports whether s is a known state.
func (s JobState) Valid() bool {
	switch s {
	case StateSearching, StateCurating, StateContentGeneration, StateSaving, StateCompleted, StateFailed:
		return true
	}
	return false
}

// CoordinatedJob is one pipeline execution owned by a coordinator.
// InitialPayload is captured at start and never mutated; CurrentPayload
// is replaced wholesale with each stage's result.
type CoordinatedJob struct {
	ID             string         `json:"id"`
	State          JobState       `json:"state"`
	InitialPayload map[string]any `json:"initial_payload"`
	CurrentPayload map[string]any `json:"current_payload"`
	Error          *string        `json:"error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}
