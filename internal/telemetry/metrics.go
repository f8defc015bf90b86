package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	DispatchCounter   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "posting_dispatch_total", Help: "Dispatch calls by outcome status"}, []string{"status"})
	AttemptsCompleted = prometheus.NewCounter(prometheus.CounterOpts{Name: "posting_attempts_completed_total", Help: "Posting attempts that completed"})
	AttemptsFailed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "posting_attempts_failed_total", Help: "Posting attempts that failed"})
	FieldFailures     = prometheus.NewCounter(prometheus.CounterOpts{Name: "posting_field_failures_total", Help: "Non-fatal field-level failures"})
	SessionsSynced    = prometheus.NewCounter(prometheus.CounterOpts{Name: "posting_sessions_synced_total", Help: "Session bundles pushed to the durable store"})
	SessionsExpired   = prometheus.NewCounter(prometheus.CounterOpts{Name: "posting_sessions_expired_total", Help: "Session bundles marked expired"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "posting_rate_limit_rejects_total", Help: "Dispatches rejected by the per-account limiter"})
	QueueDepthGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "posting_queue_depth", Help: "Claimable tasks on the durable queue"})
	InFlightGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "posting_inflight", Help: "Tasks currently leased by workers"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			DispatchCounter,
			AttemptsCompleted,
			AttemptsFailed,
			FieldFailures,
			SessionsSynced,
			SessionsExpired,
			RateLimitRejects,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
