package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "reelforge_jobs_enqueued_total", Help: "Jobs enqueued"}, []string{"queue"})
	CompletedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "reelforge_jobs_completed_total", Help: "Jobs completed successfully"}, []string{"queue"})
	RetryCounter     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "reelforge_jobs_retried_total", Help: "Job attempts that failed and were rescheduled"}, []string{"queue"})
	FailedCounter    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "reelforge_jobs_failed_total", Help: "Jobs that exhausted attempts or failed terminally"}, []string{"queue"})
	ReclaimedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "reelforge_jobs_reclaimed_total", Help: "Expired leases returned to the wait list"}, []string{"queue"})
	InFlightGauge    = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "reelforge_jobs_inflight", Help: "Jobs currently leased"}, []string{"queue"})
	QueueDepthGauge  = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "reelforge_queue_depth", Help: "Waiting jobs per queue"}, []string{"queue"})
	StalledGauge     = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "reelforge_stalled_entities", Help: "Active entities with a stale heartbeat"}, []string{"kind"})
	ProviderRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "reelforge_provider_rate_rejects_total", Help: "Provider calls delayed by the rate limiter"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			CompletedCounter,
			RetryCounter,
			FailedCounter,
			ReclaimedCounter,
			InFlightGauge,
			QueueDepthGauge,
			StalledGauge,
			ProviderRejects,
		)
	})
	return promhttp.Handler()
}
