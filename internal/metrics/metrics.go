// Package metrics exports the Prometheus series named in SPEC_FULL.md
// §10.2, grounded on the pack's internal/metrics package shape: a
// package-level Registry plus promauto.With(Registry).New* var blocks per
// concern, served over a plain net/http Handler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "musig2"

// Registry is the process-wide collector registry. Every metric in this
// package is registered against it, never the global default registry, so
// tests can construct their own isolated registry if needed.
var Registry = prometheus.NewRegistry()

var (
	// CeremonyStarted counts FirstRoundStarted events.
	CeremonyStarted = promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ceremony_started_total",
		Help:      "Total number of ceremonies that reached FirstRoundStarted.",
	})

	// CeremonyFailed counts CeremonyError events, labeled by error reason.
	CeremonyFailed = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ceremony_failed_total",
		Help:      "Total number of ceremonies that terminated with CeremonyError.",
	}, []string{"reason"})

	// CeremonyTimedOut counts TimedOut events, whether from Tick or reaper sweep.
	CeremonyTimedOut = promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ceremony_timedout_total",
		Help:      "Total number of ceremonies that terminated via TTL expiry.",
	})

	// CeremonyDurationMs observes creation-to-terminal latency.
	CeremonyDurationMs = promauto.With(Registry).NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "ceremony_duration_ms",
		Help:      "Ceremony creation-to-terminal latency in milliseconds.",
		Buckets:   prometheus.ExponentialBuckets(10, 2, 12),
	})

	// RegistryActiveCeremonies is set on every registry insert/remove.
	RegistryActiveCeremonies = promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "registry_active_ceremonies",
		Help:      "Number of ceremonies currently live in the registry.",
	})

	// PendingBufferSize is set on every buffer/drain, aggregate count across
	// all parked ceremony ids.
	PendingBufferSize = promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pending_buffer_size",
		Help:      "Total number of commands currently parked in the pending buffer.",
	})

	// DispatcherQueueDepth is sampled on enqueue/dequeue for each worker pool.
	DispatcherQueueDepth = promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "dispatcher_queue_depth",
		Help:      "Current depth of a dispatcher worker pool queue.",
	}, []string{"pool"})
)

// Handler serves the registered series in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
