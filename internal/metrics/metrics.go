// Package metrics provides observability for the event engine: append
// volume, conflict resolutions by strategy, and sync cycle outcomes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus collectors. Create one per
// process with New; use NewWithRegistry in tests to avoid default-registry
// collisions.
type Metrics struct {
	EventsAppended    prometheus.Counter
	ConflictsResolved *prometheus.CounterVec
	ConflictsQueued   prometheus.Counter
	SyncBatches       *prometheus.CounterVec
	SyncRetries       prometheus.Counter
	SyncFailed        prometheus.Counter
}

// New creates a Metrics instance registered on the default registry.
func New() *Metrics {
	return newWith(promauto.With(prometheus.DefaultRegisterer))
}

// NewWithRegistry creates a Metrics instance on a private registry.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	return newWith(promauto.With(reg))
}

func newWith(factory promauto.Factory) *Metrics {
	return &Metrics{
		EventsAppended: factory.NewCounter(prometheus.CounterOpts{
			Name: "opslog_events_appended_total",
			Help: "Total number of events appended to the local chain",
		}),
		ConflictsResolved: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "opslog_conflicts_resolved_total",
			Help: "Total conflicts resolved automatically, by strategy",
		}, []string{"strategy"}),
		ConflictsQueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "opslog_conflicts_queued_total",
			Help: "Total conflicts queued for manual resolution",
		}),
		SyncBatches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "opslog_sync_batches_total",
			Help: "Total sync batches transmitted, by direction and result",
		}, []string{"direction", "result"}),
		SyncRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "opslog_sync_retries_total",
			Help: "Total sync attempt retries after transient failures",
		}),
		SyncFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "opslog_sync_failed_total",
			Help: "Total events that exhausted their retry budget",
		}),
	}
}
