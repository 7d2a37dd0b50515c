package persistence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vturrojas/quota-ledger/internal/domain"
)

func TestParseOccurredAtNow(t *testing.T) {
	ts, err := ParseOccurredAt(domain.OccurredNow)
	require.NoError(t, err)
	require.Equal(t, time.UTC, ts.Location())
	require.WithinDuration(t, time.Now().UTC(), ts, time.Minute)
}

func TestParseOccurredAtFormats(t *testing.T) {
	want := time.Date(2026, time.January, 28, 1, 30, 0, 0, time.UTC)

	cases := map[string]string{
		"zulu":   "2026-01-28T01:30:00Z",
		"offset": "2026-01-28T03:30:00+02:00",
		"naive":  "2026-01-28T01:30:00",
	}

	for name, value := range cases {
		ts, err := ParseOccurredAt(value)
		require.NoError(t, err, name)
		require.True(t, ts.Equal(want), "%s: got %s", name, ts)
		require.Equal(t, time.UTC, ts.Location(), name)
	}
}

func TestParseOccurredAtRejectsGarbage(t *testing.T) {
	for _, value := range []string{"", "yesterday", "2026-13-40T99:00:00Z"} {
		_, err := ParseOccurredAt(value)
		require.Error(t, err, "value %q", value)
	}
}

func TestFormatOccurredAt(t *testing.T) {
	ts := time.Date(2026, time.January, 28, 1, 30, 0, 0, time.UTC)
	require.Equal(t, "2026-01-28T01:30:00Z", FormatOccurredAt(ts))

	// Non-UTC instants are rendered in UTC.
	offset := time.FixedZone("CET", 2*60*60)
	require.Equal(t, "2026-01-28T01:30:00Z", FormatOccurredAt(time.Date(2026, time.January, 28, 3, 30, 0, 0, offset)))
}

func TestFormatParseRoundTrip(t *testing.T) {
	ts := time.Date(2026, time.January, 28, 1, 30, 0, 123456000, time.UTC)

	parsed, err := ParseOccurredAt(FormatOccurredAt(ts))
	require.NoError(t, err)
	require.True(t, parsed.Equal(ts))
}
