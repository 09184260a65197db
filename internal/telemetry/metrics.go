package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsStarted     = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_jobs_started_total", Help: "Coordinated jobs started"})
	JobTransitions  = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_job_transitions_total", Help: "State transitions across all jobs"})
	JobsCompleted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_jobs_completed_total", Help: "Jobs that reached COMPLETED"})
	JobsFailed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_jobs_failed_total", Help: "Jobs that reached FAILED"})
	JobsSwept       = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_jobs_swept_total", Help: "Stalled jobs failed by the deadline sweep"})
	ItemsClaimed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_items_claimed_total", Help: "Queue rows claimed for delivery"})
	ItemsPublished  = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_items_published_total", Help: "Queue rows delivered successfully"})
	PublishFailures = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_items_failed_total", Help: "Queue rows that failed delivery"})
	QueueDepthGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "pipeline_queue_depth", Help: "Pending rows ready to claim"})
	LeaderGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "pipeline_leader", Help: "1 when this instance holds the leadership lock"})
	RateLimitHits   = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_rate_limit_rejects_total", Help: "Job starts rejected by the rate limiter"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsStarted,
			JobTransitions,
			JobsCompleted,
			JobsFailed,
			JobsSwept,
			ItemsClaimed,
			ItemsPublished,
			PublishFailures,
			QueueDepthGauge,
			LeaderGauge,
			RateLimitHits,
		)
	})
	return promhttp.Handler()
}
