package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsCreated       = prometheus.NewCounter(prometheus.CounterOpts{Name: "agent_jobs_created_total", Help: "Agent jobs inserted"})
	JobsDeduplicated  = prometheus.NewCounter(prometheus.CounterOpts{Name: "agent_jobs_deduplicated_total", Help: "Job creations reusing an in-flight equivalent"})
	JobsDelivered     = prometheus.NewCounter(prometheus.CounterOpts{Name: "agent_jobs_delivered_total", Help: "Jobs accepted by an agent"})
	JobsRefused       = prometheus.NewCounter(prometheus.CounterOpts{Name: "agent_jobs_refused_total", Help: "Jobs semantically refused by an agent (4xx)"})
	DeliveryFailures  = prometheus.NewCounter(prometheus.CounterOpts{Name: "agent_jobs_delivery_failures_total", Help: "Jobs that exhausted their delivery retry budget"})
	RetryAttempts     = prometheus.NewCounter(prometheus.CounterOpts{Name: "agent_jobs_retry_attempts_total", Help: "Redispatch attempts by the retry engine"})
	PollTicks         = prometheus.NewCounter(prometheus.CounterOpts{Name: "agent_jobs_poll_ticks_total", Help: "Per-target poll passes"})
	PollFailures      = prometheus.NewCounter(prometheus.CounterOpts{Name: "agent_jobs_poll_failures_total", Help: "Poll passes that failed"})
	CallbackFailures  = prometheus.NewCounter(prometheus.CounterOpts{Name: "agent_jobs_callback_failures_total", Help: "Business callback failures"})
	JobsReaped        = prometheus.NewCounter(prometheus.CounterOpts{Name: "agent_jobs_reaped_total", Help: "Stale jobs force-failed by the reaper"})
	TrippedTargets    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "agent_tripped_targets", Help: "Targets currently tripped by the failure tracker"})
	InFlightJobs      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "agent_jobs_inflight", Help: "Delivered jobs awaiting a terminal status"})
	PollQueueDepth    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "agent_jobs_poll_queue_depth", Help: "Poll tasks queued and not yet picked up"})
	NotificationsSent = prometheus.NewCounter(prometheus.CounterOpts{Name: "agent_job_notifications_total", Help: "Failure notifications emitted"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "agent_jobs_rate_limit_rejects_total", Help: "Job creations rejected by the rate limiter"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsCreated,
			JobsDeduplicated,
			JobsDelivered,
			JobsRefused,
			DeliveryFailures,
			RetryAttempts,
			PollTicks,
			PollFailures,
			CallbackFailures,
			JobsReaped,
			TrippedTargets,
			InFlightJobs,
			PollQueueDepth,
			NotificationsSent,
			RateLimitRejects,
		)
	})
	return promhttp.Handler()
}
