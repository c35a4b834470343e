package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "hub_jobs_enqueued_total", Help: "Jobs enqueued per queue"}, []string{"queue"})
	LedgerWrites     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "hub_ledger_writes_total", Help: "Delivery records written per content kind"}, []string{"kind"})
	ValidationErrors = prometheus.NewCounter(prometheus.CounterOpts{Name: "hub_push_validation_errors_total", Help: "Push requests rejected by validation"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "hub_rate_limit_rejects_total", Help: "Admin requests rejected by the rate limiter"})
	JobOutcomes      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "hub_job_outcomes_total", Help: "Job state transitions reported by workers"}, []string{"queue", "state"})
	RemoteCalls      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "hub_remote_calls_total", Help: "Calls to website backends by result class"}, []string{"result"})
	RemoteLatency    = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "hub_remote_call_duration_seconds", Help: "Website backend call latency", Buckets: prometheus.DefBuckets})
	QueueDepthGauge  = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "hub_queue_depth", Help: "Ready jobs per queue"}, []string{"queue"})
	InFlightGauge    = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "hub_queue_inflight", Help: "Leased jobs per queue"}, []string{"queue"})
	DelayedGauge     = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "hub_queue_delayed", Help: "Jobs waiting for a retry per queue"}, []string{"queue"})
)

// Register adds every collector to the default registry once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			LedgerWrites,
			ValidationErrors,
			RateLimitRejects,
			JobOutcomes,
			RemoteCalls,
			RemoteLatency,
			QueueDepthGauge,
			InFlightGauge,
			DelayedGauge,
		)
	})
}

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}
