package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted  = prometheus.NewCounter(prometheus.CounterOpts{Name: "content_jobs_submitted_total", Help: "Jobs accepted by the API"})
	JobsReused     = prometheus.NewCounter(prometheus.CounterOpts{Name: "content_jobs_idempotent_reuse_total", Help: "Submissions resolved to an existing job by idempotency key"})
	JobsClaimed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "content_jobs_claimed_total", Help: "Jobs claimed by workers"})
	JobsRequeued   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "content_jobs_requeued_total", Help: "Jobs returned to pending after a failure"}, []string{"category"})
	JobsDegraded   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "content_jobs_degraded_total", Help: "Degradation strategies applied"}, []string{"strategy", "result"})
	JobsCompleted  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "content_jobs_completed_total", Help: "Jobs completed"}, []string{"degraded"})
	JobsTerminal   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "content_jobs_terminal_total", Help: "Jobs that ended in error"}, []string{"category"})
	JobsSwept      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "content_jobs_swept_total", Help: "Stale claims reclaimed by the sweeper"}, []string{"outcome"})
	AdminActions   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "content_admin_actions_total", Help: "Audited admin operations"}, []string{"action"})
	EventsDropped  = prometheus.NewCounter(prometheus.CounterOpts{Name: "content_events_dropped_total", Help: "Lifecycle events dropped because the sink buffer was full"})
	PublishRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "content_publish_rate_limit_rejects_total", Help: "Publish calls rejected by the rate limiter"})
	InFlightGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "content_jobs_inflight", Help: "Jobs currently executing on this process"})
	RunDuration    = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "content_job_run_duration_seconds",
		Help:    "Duration of job execution attempts",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"outcome"})
)

// Register adds the collectors to the default registry once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			JobsReused,
			JobsClaimed,
			JobsRequeued,
			JobsDegraded,
			JobsCompleted,
			JobsTerminal,
			JobsSwept,
			AdminActions,
			EventsDropped,
			PublishRejects,
			InFlightGauge,
			RunDuration,
		)
	})
}

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}
