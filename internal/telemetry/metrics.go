package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_enqueued_total", Help: "Jobs inserted into the queue"}, []string{"type"})
	JobsDeduped    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_deduped_total", Help: "Enqueue calls collapsed onto an existing job"}, []string{"type"})
	JobsSucceeded  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_succeeded_total", Help: "Jobs completed successfully"}, []string{"type"})
	JobsRetried    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_retried_total", Help: "Job attempts that failed and were rescheduled"}, []string{"type"})
	JobsFailed     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_failed_total", Help: "Jobs that reached the terminal FAILED state"}, []string{"type"})
	JobsSkipped    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_skipped_total", Help: "Jobs failed because no handler was registered"}, []string{"type"})
	LeaseConflicts = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_lease_conflicts_total", Help: "Lease attempts lost to a concurrent drain"})

	ScheduledEmailsSent   = prometheus.NewCounter(prometheus.CounterOpts{Name: "scheduled_emails_sent_total", Help: "Scheduled emails delivered"})
	ScheduledEmailsFailed = prometheus.NewCounter(prometheus.CounterOpts{Name: "scheduled_emails_failed_total", Help: "Scheduled emails that failed to send"})
	AlertFailures         = prometheus.NewCounter(prometheus.CounterOpts{Name: "job_alert_failures_total", Help: "Failure alerts that could not be delivered"})
	RateLimitRejects      = prometheus.NewCounter(prometheus.CounterOpts{Name: "rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsDeduped,
			JobsSucceeded,
			JobsRetried,
			JobsFailed,
			JobsSkipped,
			LeaseConflicts,
			ScheduledEmailsSent,
			ScheduledEmailsFailed,
			AlertFailures,
			RateLimitRejects,
		)
	})
	return promhttp.Handler()
}
