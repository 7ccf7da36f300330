package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	ItemsIngested    = prometheus.NewCounter(prometheus.CounterOpts{Name: "media_items_ingested_total", Help: "Items created via ingestion"})
	EnqueueFailures  = prometheus.NewCounter(prometheus.CounterOpts{Name: "media_enqueue_failures_total", Help: "Fire-and-forget enqueues that failed"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "media_jobs_completed_total", Help: "Jobs that finished processing successfully"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "media_jobs_failed_total", Help: "Job attempts that failed and were rescheduled"})
	JobsExhausted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "media_jobs_exhausted_total", Help: "Jobs that exhausted their retry budget"})
	JobsStalled      = prometheus.NewCounter(prometheus.CounterOpts{Name: "media_jobs_stalled_total", Help: "Leases reclaimed by stall detection"})
	JobsDropped      = prometheus.NewCounter(prometheus.CounterOpts{Name: "media_jobs_dropped_total", Help: "Jobs acked as no-ops because their item was gone"})
	RateLimitWaits   = prometheus.NewCounter(prometheus.CounterOpts{Name: "media_rate_limit_waits_total", Help: "Denied polls against the job-start limiter"})
	RequestsRejected = prometheus.NewCounter(prometheus.CounterOpts{Name: "media_requests_rejected_total", Help: "HTTP requests rejected by rate limiting"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "media_queue_depth", Help: "Ready queue depth"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "media_jobs_inflight", Help: "Jobs currently leased"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			ItemsIngested,
			EnqueueFailures,
			JobsCompleted,
			JobsFailed,
			JobsExhausted,
			JobsStalled,
			JobsDropped,
			RateLimitWaits,
			RequestsRejected,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
