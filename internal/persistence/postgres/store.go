// Package postgres implements the durable event store and projection on
// PostgreSQL via pgx.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vturrojas/quota-ledger/internal/domain"
	"github.com/vturrojas/quota-ledger/internal/observability"
	"github.com/vturrojas/quota-ledger/internal/persistence"
)

const (
	pgUniqueViolation = "23505"

	constraintStreamVersion  = "uq_events_stream_version"
	constraintIdempotencyKey = "uq_events_idempotency"
)

const (
	selectMaxVersion = `SELECT COALESCE(MAX(stream_version), 0) FROM events WHERE stream_id=$1`

	selectStream = `SELECT event_type, event_schema_version, occurred_at, idempotency_key, payload, metadata
        FROM events WHERE stream_id=$1 ORDER BY stream_version ASC`

	selectStreamSince = `SELECT event_type, event_schema_version, occurred_at, idempotency_key, payload, metadata
        FROM events WHERE stream_id=$1 AND stream_version > $2 ORDER BY stream_version ASC`
)

// Store provides Postgres-backed persistence for account streams and the
// account_current projection.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore constructs a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Append writes events with optimistic concurrency and refreshes the
// projection row inside the same transaction. expectedVersion is the caller's
// view of the current stream version; the version after the append is
// returned. When the first event carries an idempotency key that is already
// stored, nothing is written and the current version is returned instead.
func (s *Store) Append(ctx context.Context, streamID string, expectedVersion int64, events []domain.Envelope) (int64, error) {
	if len(events) == 0 {
		return expectedVersion, nil
	}

	start := time.Now()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	var current int64
	if err := tx.QueryRow(ctx, selectMaxVersion, streamID).Scan(&current); err != nil {
		return 0, fmt.Errorf("read stream version: %w", err)
	}

	// Idempotent retry fast path: the key already landed, so report where the
	// stream is now instead of appending again.
	if key := events[0].IdempotencyKey; key != "" {
		const query = `SELECT stream_version FROM events WHERE stream_id=$1 AND idempotency_key=$2`

		var existing int64
		err := tx.QueryRow(ctx, query, streamID, key).Scan(&existing)
		if err == nil {
			idempotentReplays.Inc()
			return current, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("idempotency lookup: %w", err)
		}
	}

	if current != expectedVersion {
		appendConflicts.Inc()
		return 0, fmt.Errorf("%w for stream %q: expected version %d, found %d",
			domain.ErrConcurrencyConflict, streamID, expectedVersion, current)
	}

	const insertEvent = `INSERT INTO events (event_id, stream_id, stream_version, event_type, event_schema_version, occurred_at, idempotency_key, payload, metadata)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`

	next := current
	for _, e := range events {
		next++

		occurredAt, err := persistence.ParseOccurredAt(e.OccurredAt)
		if err != nil {
			return 0, err
		}
		payload, err := json.Marshal(e.Payload)
		if err != nil {
			return 0, fmt.Errorf("marshal %s payload: %w", e.Type(), err)
		}
		meta, err := marshalMeta(e.Meta)
		if err != nil {
			return 0, err
		}

		if _, err := tx.Exec(ctx, insertEvent,
			uuid.NewString(),
			streamID,
			next,
			string(e.Type()),
			e.SchemaVersion,
			occurredAt,
			nullIfEmpty(e.IdempotencyKey),
			payload,
			meta,
		); err != nil {
			return s.mapIntegrityError(ctx, err, streamID)
		}
	}

	// Re-read the whole stream inside the transaction, including the rows just
	// written, and fold it so the projection cannot drift from the log.
	history, err := loadEvents(ctx, tx, selectStream, streamID)
	if err != nil {
		return 0, fmt.Errorf("reload stream: %w", err)
	}
	if err := upsertProjection(ctx, tx, streamID, next, domain.Replay(history)); err != nil {
		return 0, fmt.Errorf("refresh projection: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return s.mapIntegrityError(ctx, err, streamID)
	}

	appendsTotal.Inc()
	appendDuration.Observe(time.Since(start).Seconds())
	observability.RecordEventAppended(time.Now().UTC())
	return next, nil
}

// LoadStream returns every event of the stream in version order. Events are
// upcast to current schemas on the way out; stored rows stay untouched.
func (s *Store) LoadStream(ctx context.Context, streamID string) ([]domain.Envelope, error) {
	return loadEvents(ctx, s.pool, selectStream, streamID)
}

// LoadStreamSince returns events with a version strictly greater than
// sinceVersion, in version order.
func (s *Store) LoadStreamSince(ctx context.Context, streamID string, sinceVersion int64) ([]domain.Envelope, error) {
	return loadEvents(ctx, s.pool, selectStreamSince, streamID, sinceVersion)
}

// mapIntegrityError translates unique-constraint violations raised while
// appending. A stream_version collision means another writer advanced the
// stream first. An idempotency_key collision means the same logical write
// already committed, so the append is reported as a replay against the
// stream's current version.
func (s *Store) mapIntegrityError(ctx context.Context, err error, streamID string) (int64, error) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgUniqueViolation {
		return 0, err
	}

	switch pgErr.ConstraintName {
	case constraintStreamVersion:
		appendConflicts.Inc()
		return 0, fmt.Errorf("%w for stream %q: another writer advanced the stream",
			domain.ErrConcurrencyConflict, streamID)
	case constraintIdempotencyKey:
		idempotentReplays.Inc()
		var current int64
		if err := s.pool.QueryRow(ctx, selectMaxVersion, streamID).Scan(&current); err != nil {
			return 0, fmt.Errorf("read stream version after idempotency race: %w", err)
		}
		return current, nil
	}

	appendConflicts.Inc()
	return 0, fmt.Errorf("%w for stream %q: unique constraint %s",
		domain.ErrConcurrencyConflict, streamID, pgErr.ConstraintName)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
}

func loadEvents(ctx context.Context, q querier, query string, args ...interface{}) ([]domain.Envelope, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]domain.Envelope, 0)
	for rows.Next() {
		var (
			eventType     string
			schemaVersion int
			occurredAt    time.Time
			key           *string
			payload       []byte
			meta          []byte
		)
		if err := rows.Scan(&eventType, &schemaVersion, &occurredAt, &key, &payload, &meta); err != nil {
			return nil, err
		}

		decoded, err := domain.DecodePayload(domain.EventType(eventType), payload)
		if err != nil {
			return nil, err
		}

		envelope := domain.Envelope{
			SchemaVersion: schemaVersion,
			OccurredAt:    persistence.FormatOccurredAt(occurredAt),
			Payload:       decoded,
		}
		if key != nil {
			envelope.IdempotencyKey = *key
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &envelope.Meta); err != nil {
				return nil, fmt.Errorf("decode event metadata: %w", err)
			}
		}

		events = append(events, domain.Upcast(envelope))
	}
	return events, rows.Err()
}

func marshalMeta(meta map[string]string) ([]byte, error) {
	if len(meta) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(meta)
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}
