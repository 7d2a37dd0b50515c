// Package observability exposes process-wide Prometheus instrumentation.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var eventAppendedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "quota_ledger",
	Subsystem: "event_store",
	Name:      "last_event_appended_timestamp_seconds",
	Help:      "Unix timestamp of the most recent event committed to the store.",
})

func init() {
	prometheus.MustRegister(eventAppendedGauge)
}

// RecordEventAppended updates the append watermark gauge.
func RecordEventAppended(ts time.Time) {
	if ts.IsZero() {
		return
	}
	eventAppendedGauge.Set(float64(ts.Unix()))
}
