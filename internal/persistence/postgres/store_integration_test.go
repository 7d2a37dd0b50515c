//go:build integration

package postgres

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/vturrojas/quota-ledger/internal/domain"
)

func setupStore(t *testing.T, ctx context.Context) *Store {
	t.Helper()

	pg, err := postgrescontainer.Run(ctx, "postgres:16-alpine",
		postgrescontainer.WithDatabase("quota_ledger"),
		postgrescontainer.WithUsername("quota"),
		postgrescontainer.WithPassword("quota"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Terminate(ctx) })

	connStr, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, waitForDatabase(ctx, connStr))
	require.NoError(t, Migrate(ctx, connStr))

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	return NewStore(pool)
}

func waitForDatabase(ctx context.Context, connStr string) error {
	deadline := time.Now().Add(30 * time.Second)
	for {
		pool, err := pgxpool.New(ctx, connStr)
		if err == nil {
			err = pool.Ping(ctx)
			pool.Close()
			if err == nil {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return err
		}
		time.Sleep(time.Second)
	}
}

func createdEnvelope() domain.Envelope {
	return domain.Envelope{
		SchemaVersion: 1,
		OccurredAt:    domain.OccurredNow,
		Payload:       domain.AccountCreated{PlanID: "basic", Period: "2026-01"},
	}
}

func usageEnvelope(units int64, key string) domain.Envelope {
	return domain.Envelope{
		SchemaVersion:  domain.UsageRecordedSchemaVersion,
		OccurredAt:     "2026-01-28T01:30:00Z",
		IdempotencyKey: key,
		Payload:        domain.UsageRecorded{Meter: domain.MeterAPICalls, Units: units, Source: "api"},
	}
}

func TestAppendAssignsDenseVersionsAndProjects(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t, ctx)
	streamID := uuid.NewString()

	beforeAppends := testutil.ToFloat64(appendsTotal)
	beforeHistogram := appendSampleCount(t)

	version, err := store.Append(ctx, streamID, 0, []domain.Envelope{createdEnvelope()})
	require.NoError(t, err)
	require.Equal(t, int64(1), version)

	version, err = store.Append(ctx, streamID, 1, []domain.Envelope{usageEnvelope(3, "u1")})
	require.NoError(t, err)
	require.Equal(t, int64(2), version)

	version, err = store.Append(ctx, streamID, 2, []domain.Envelope{usageEnvelope(2, "u2")})
	require.NoError(t, err)
	require.Equal(t, int64(3), version)

	events, err := store.LoadStream(ctx, streamID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.Equal(t, domain.EventAccountCreated, events[0].Type())
	require.Equal(t, domain.EventUsageRecorded, events[1].Type())
	require.Equal(t, "2026-01-28T01:30:00Z", events[1].OccurredAt)

	snapshot, err := store.GetCurrent(ctx, streamID)
	require.NoError(t, err)
	require.NotNil(t, snapshot)
	require.Equal(t, int64(3), snapshot.StreamVersion)
	require.Equal(t, domain.StatusActive, snapshot.Status)
	require.Equal(t, "basic", snapshot.PlanID)
	require.Equal(t, "2026-01", snapshot.Period)
	require.Equal(t, map[domain.Meter]int64{domain.MeterAPICalls: 5}, snapshot.Used)

	state := domain.Replay(events)
	require.Equal(t, state.Used, snapshot.Used)
	require.Equal(t, state.Status, snapshot.Status)

	require.InDelta(t, beforeAppends+3, testutil.ToFloat64(appendsTotal), 0.0001)
	require.Greater(t, appendSampleCount(t), beforeHistogram)
}

func TestAppendExpectedVersionMismatch(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t, ctx)
	streamID := uuid.NewString()

	_, err := store.Append(ctx, streamID, 0, []domain.Envelope{createdEnvelope()})
	require.NoError(t, err)

	beforeConflicts := testutil.ToFloat64(appendConflicts)

	_, err = store.Append(ctx, streamID, 0, []domain.Envelope{usageEnvelope(1, "u1")})
	require.ErrorIs(t, err, domain.ErrConcurrencyConflict)
	require.InDelta(t, beforeConflicts+1, testutil.ToFloat64(appendConflicts), 0.0001)

	events, err := store.LoadStream(ctx, streamID)
	require.NoError(t, err)
	require.Len(t, events, 1, "rejected append must not leave partial writes")
}

func TestAppendIdempotentReplay(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t, ctx)
	streamID := uuid.NewString()

	_, err := store.Append(ctx, streamID, 0, []domain.Envelope{createdEnvelope()})
	require.NoError(t, err)
	version, err := store.Append(ctx, streamID, 1, []domain.Envelope{usageEnvelope(3, "u1")})
	require.NoError(t, err)
	require.Equal(t, int64(2), version)

	beforeReplays := testutil.ToFloat64(idempotentReplays)

	// Same key again, even with a stale expected version: the fast path wins
	// before the version check and reports the current version.
	version, err = store.Append(ctx, streamID, 1, []domain.Envelope{usageEnvelope(3, "u1")})
	require.NoError(t, err)
	require.Equal(t, int64(2), version)

	version, err = store.Append(ctx, streamID, 99, []domain.Envelope{usageEnvelope(3, "u1")})
	require.NoError(t, err)
	require.Equal(t, int64(2), version)

	require.InDelta(t, beforeReplays+2, testutil.ToFloat64(idempotentReplays), 0.0001)

	events, err := store.LoadStream(ctx, streamID)
	require.NoError(t, err)
	require.Len(t, events, 2)

	snapshot, err := store.GetCurrent(ctx, streamID)
	require.NoError(t, err)
	require.Equal(t, map[domain.Meter]int64{domain.MeterAPICalls: 3}, snapshot.Used)
}

func TestConcurrentAppendsSingleWinner(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t, ctx)
	streamID := uuid.NewString()

	_, err := store.Append(ctx, streamID, 0, []domain.Envelope{createdEnvelope()})
	require.NoError(t, err)

	const writers = 6
	var wg sync.WaitGroup
	errs := make([]error, writers)

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = store.Append(ctx, streamID, 1, []domain.Envelope{usageEnvelope(1, "")})
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else {
			require.ErrorIs(t, err, domain.ErrConcurrencyConflict)
		}
	}
	require.Equal(t, 1, winners)

	events, err := store.LoadStream(ctx, streamID)
	require.NoError(t, err)
	require.Len(t, events, 2)

	snapshot, err := store.GetCurrent(ctx, streamID)
	require.NoError(t, err)
	require.Equal(t, int64(2), snapshot.StreamVersion)
}

func TestLoadStreamUpcastsLegacyRows(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t, ctx)
	streamID := uuid.NewString()

	_, err := store.Append(ctx, streamID, 0, []domain.Envelope{createdEnvelope()})
	require.NoError(t, err)

	// Seed a v1 usage row the way an old writer stored it: no source field.
	const insert = `INSERT INTO events (event_id, stream_id, stream_version, event_type, event_schema_version, occurred_at, idempotency_key, payload, metadata)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	_, err = store.pool.Exec(ctx, insert,
		uuid.NewString(), streamID, 2, string(domain.EventUsageRecorded), 1,
		time.Date(2025, time.November, 2, 9, 0, 0, 0, time.UTC), "legacy-1",
		[]byte(`{"meter":"api_calls","units":5}`), []byte(`{}`),
	)
	require.NoError(t, err)

	events, err := store.LoadStream(ctx, streamID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, domain.UsageRecordedSchemaVersion, events[1].SchemaVersion)
	require.Equal(t, domain.UsageRecorded{Meter: domain.MeterAPICalls, Units: 5, Source: "unknown"}, events[1].Payload)

	// The stored row keeps its original schema version.
	var stored int
	err = store.pool.QueryRow(ctx,
		`SELECT event_schema_version FROM events WHERE stream_id=$1 AND stream_version=2`, streamID).Scan(&stored)
	require.NoError(t, err)
	require.Equal(t, 1, stored)
}

func TestLoadStreamSince(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t, ctx)
	streamID := uuid.NewString()

	_, err := store.Append(ctx, streamID, 0, []domain.Envelope{createdEnvelope()})
	require.NoError(t, err)
	_, err = store.Append(ctx, streamID, 1, []domain.Envelope{usageEnvelope(1, "u1")})
	require.NoError(t, err)
	_, err = store.Append(ctx, streamID, 2, []domain.Envelope{usageEnvelope(2, "u2")})
	require.NoError(t, err)

	events, err := store.LoadStreamSince(ctx, streamID, 1)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "u1", events[0].IdempotencyKey)
	require.Equal(t, "u2", events[1].IdempotencyKey)

	events, err = store.LoadStreamSince(ctx, streamID, 3)
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestGetCurrentMissingAccount(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t, ctx)

	snapshot, err := store.GetCurrent(ctx, uuid.NewString())
	require.NoError(t, err)
	require.Nil(t, snapshot)
}

func appendSampleCount(t *testing.T) uint64 {
	t.Helper()

	metric := &dto.Metric{}
	require.NoError(t, appendDuration.Write(metric))
	hist := metric.GetHistogram()
	require.NotNil(t, hist)
	return hist.GetSampleCount()
}
