package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "photobatch_jobs_enqueued_total", Help: "Jobs enqueued by type"}, []string{"type"})
	RateLimitWaits   = prometheus.NewCounter(prometheus.CounterOpts{Name: "photobatch_render_rate_limit_waits_total", Help: "Renderer calls that waited on the rate limiter"})
	WorkerSuccess    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "photobatch_jobs_completed_total", Help: "Jobs completed successfully"}, []string{"type"})
	WorkerFailures   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "photobatch_jobs_retried_total", Help: "Jobs that failed and will retry"}, []string{"type"})
	WorkerDeadLetter = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "photobatch_jobs_exhausted_total", Help: "Jobs that exhausted their retry budget"}, []string{"type"})
	WorkerDeferred   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "photobatch_jobs_deferred_total", Help: "Jobs rescheduled without spending an attempt"}, []string{"type"})
	BarrierFired     = prometheus.NewCounter(prometheus.CounterOpts{Name: "photobatch_barriers_fired_total", Help: "Fan-in barriers that dispatched their archive job"})
	ArchiveEntries   = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "photobatch_archive_entries", Help: "Entries written per archive", Buckets: prometheus.ExponentialBuckets(1, 2, 10)})
	ArchiveSkipped   = prometheus.NewCounter(prometheus.CounterOpts{Name: "photobatch_archive_skipped_entries_total", Help: "Originals skipped while assembling archives"})
	SupervisorResets = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "photobatch_supervisor_resets_total", Help: "Items re-dispatched by the retry supervisor"}, []string{"kind"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "photobatch_queue_depth", Help: "Ready queue depth across priorities"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "photobatch_jobs_inflight", Help: "Jobs currently leased"})
	HealthStatus     = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "photobatch_health_status", Help: "1 for the current pipeline health status"}, []string{"status"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			RateLimitWaits,
			WorkerSuccess,
			WorkerFailures,
			WorkerDeadLetter,
			WorkerDeferred,
			BarrierFired,
			ArchiveEntries,
			ArchiveSkipped,
			SupervisorResets,
			QueueDepthGauge,
			InFlightGauge,
			HealthStatus,
		)
	})
	return promhttp.Handler()
}
