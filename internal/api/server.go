package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"publication-pipeline/internal/config"
	"publication-pipeline/internal/coordinator"
	"publication-pipeline/internal/models"
	"publication-pipeline/internal/ratelimit"
	"publication-pipeline/internal/telemetry"
)

// JobService is the coordinator surface the API exposes. Satisfied by
// *coordinator.Registry.
type JobService interface {
	Start(ctx context.Context, initialPayload map[string]any) (models.CoordinatedJob, error)
	Advance(ctx context.Context, jobID string, resultPayload map[string]any) (models.CoordinatedJob, error)
	Fail(ctx context.Context, jobID, message string) (models.CoordinatedJob, error)
	Get(ctx context.Context, jobID string) (models.CoordinatedJob, error)
}

// QueueAdmin exposes the operator-triggered recovery of stranded rows.
type QueueAdmin interface {
	RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Server wires HTTP handlers for the coordinator service.
type Server struct {
	cfg     config.Config
	jobs    JobService
	queue   QueueAdmin
	limiter *ratelimit.TokenBucket
}

// New constructs the API server. limiter and queue may be nil (tests,
// deployments without Redis or without the admin surface).
func New(cfg config.Config, jobs JobService, queue QueueAdmin, limiter *ratelimit.TokenBucket) *Server {
	return &Server{cfg: cfg, jobs: jobs, queue: queue, limiter: limiter}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/job/start", s.handleStart)
	r.Post("/job/{id}/advance", s.handleAdvance)
	r.Post("/job/{id}/fail", s.handleFail)
	r.Get("/job/{id}", s.handleGet)

	r.Post("/admin/requeue-stale", s.handleRequeueStale)
	return r
}

type jobResponse struct {
	JobID string          `json:"jobId"`
	State models.JobState `json:"state"`
	Error string          `json:"error,omitempty"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), "rl:job-start")
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitHits.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	job, err := s.jobs.Start(r.Context(), payload)
	if err != nil {
		logrus.WithError(err).Error("start job failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, jobResponse{JobID: job.ID, State: job.State})
}

func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	job, err := s.jobs.Advance(r.Context(), id, payload)
	if err != nil {
		writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobResponse{JobID: job.ID, State: job.State})
}

type failRequest struct {
	Error string `json:"error"`
}

func (s *Server) handleFail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req failRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Error == "" {
		http.Error(w, "error is required", http.StatusBadRequest)
		return
	}

	job, err := s.jobs.Fail(r.Context(), id, req.Error)
	if err != nil {
		writeJobError(w, err)
		return
	}
	resp := jobResponse{JobID: job.ID, State: job.State}
	if job.Error != nil {
		resp.Error = *job.Error
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.jobs.Get(r.Context(), id)
	if err != nil {
		writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type requeueRequest struct {
	OlderThan string `json:"older_than"`
}

// handleRequeueStale flips processing rows stranded by a crash back to
// pending. Operator-triggered; there is no automatic reaper.
func (s *Server) handleRequeueStale(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		http.Error(w, "queue admin not available", http.StatusNotImplemented)
		return
	}
	var req requeueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	olderThan := time.Hour
	if req.OlderThan != "" {
		d, err := time.ParseDuration(req.OlderThan)
		if err != nil {
			http.Error(w, "invalid older_than duration", http.StatusBadRequest)
			return
		}
		olderThan = d
	}

	n, err := s.queue.RequeueStale(r.Context(), olderThan)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"requeued": n})
}

func writeJobError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, coordinator.ErrNotFound):
		http.Error(w, "job not found", http.StatusNotFound)
	case errors.Is(err, coordinator.ErrTerminal):
		http.Error(w, "job is in a terminal state", http.StatusConflict)
	default:
		logrus.WithError(err).Error("job operation failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
