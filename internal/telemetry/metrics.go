package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "quiqcl_jobs_submitted_total", Help: "Jobs accepted by SUBMIT JOB"}, []string{"backend"})
	JobsCompleted    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "quiqcl_jobs_completed_total", Help: "Jobs that reached DONE"}, []string{"backend"})
	JobsFailed       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "quiqcl_jobs_failed_total", Help: "Jobs that reached ERROR"}, []string{"backend"})
	Requests         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "quiqcl_requests_total", Help: "Protocol requests by command"}, []string{"command"})
	ProtocolFaults   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "quiqcl_protocol_faults_total", Help: "Connections aborted by kind"}, []string{"kind"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "quiqcl_rate_limit_rejects_total", Help: "Submissions rejected by the rate limiter"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "quiqcl_queue_depth", Help: "Jobs waiting for the runner"})
	RunnerBusy       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "quiqcl_runner_busy", Help: "1 while the runner is executing a job"})
	ExecuteDuration  = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quiqcl_execute_duration_seconds",
		Help:    "Wall time from RUNNING to a final state",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
	}, []string{"backend"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}

// Register adds the collectors to the default registry once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			JobsCompleted,
			JobsFailed,
			Requests,
			ProtocolFaults,
			RateLimitRejects,
			QueueDepthGauge,
			RunnerBusy,
			ExecuteDuration,
		)
	})
}
