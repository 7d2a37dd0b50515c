package postgres

import "github.com/prometheus/client_golang/prometheus"

var (
	appendsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "quota_ledger",
		Subsystem: "event_store",
		Name:      "appends_total",
		Help:      "Number of append transactions committed.",
	})

	appendConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "quota_ledger",
		Subsystem: "event_store",
		Name:      "append_conflicts_total",
		Help:      "Number of appends rejected by optimistic concurrency.",
	})

	idempotentReplays = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "quota_ledger",
		Subsystem: "event_store",
		Name:      "idempotent_replays_total",
		Help:      "Number of appends short-circuited by an already stored idempotency key.",
	})

	appendDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "quota_ledger",
		Subsystem: "event_store",
		Name:      "append_duration_seconds",
		Help:      "Time spent appending events and refreshing the projection.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	})
)

func init() {
	prometheus.MustRegister(appendsTotal, appendConflicts, idempotentReplays, appendDuration)
}
