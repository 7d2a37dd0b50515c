// Package persistence contains helpers shared by event store implementations.
package persistence

import (
	"fmt"
	"time"

	"github.com/vturrojas/quota-ledger/internal/domain"
)

const naiveTimestampLayout = "2006-01-02T15:04:05"

// ParseOccurredAt resolves an envelope timestamp to a concrete UTC instant.
// The OccurredNow sentinel becomes the append time; everything else must be
// ISO 8601, with naive values assumed to be UTC.
func ParseOccurredAt(value string) (time.Time, error) {
	if value == domain.OccurredNow {
		return time.Now().UTC(), nil
	}
	for _, layout := range []string{time.RFC3339, naiveTimestampLayout} {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid occurred_at timestamp %q", value)
}

// FormatOccurredAt renders a stored instant the way streams expose it:
// RFC 3339 UTC with a Z suffix.
func FormatOccurredAt(ts time.Time) string {
	return ts.UTC().Format(time.RFC3339Nano)
}
