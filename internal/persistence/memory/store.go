// Package memory provides an in-memory event store with the same contracts as
// the Postgres store: optimistic concurrency, idempotent replays, and a
// projection refreshed atomically with each append. It backs tests and local
// development.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/vturrojas/quota-ledger/internal/domain"
	"github.com/vturrojas/quota-ledger/internal/persistence"
)

// Store keeps account streams and projection rows in process memory.
type Store struct {
	mu        sync.RWMutex
	streams   map[string][]domain.Envelope
	snapshots map[string]domain.AccountSnapshot
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		streams:   make(map[string][]domain.Envelope),
		snapshots: make(map[string]domain.AccountSnapshot),
	}
}

// Append writes events with optimistic concurrency and refreshes the
// projection under the same lock. Semantics mirror the Postgres store: a
// replayed idempotency key returns the current version without writing.
func (s *Store) Append(ctx context.Context, streamID string, expectedVersion int64, events []domain.Envelope) (int64, error) {
	if len(events) == 0 {
		return expectedVersion, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stream := s.streams[streamID]
	current := int64(len(stream))

	if key := events[0].IdempotencyKey; key != "" {
		for _, stored := range stream {
			if stored.IdempotencyKey == key {
				return current, nil
			}
		}
	}

	if current != expectedVersion {
		return 0, fmt.Errorf("%w for stream %q: expected version %d, found %d",
			domain.ErrConcurrencyConflict, streamID, expectedVersion, current)
	}

	for _, e := range events {
		occurredAt, err := persistence.ParseOccurredAt(e.OccurredAt)
		if err != nil {
			return 0, err
		}
		stored := e
		stored.OccurredAt = persistence.FormatOccurredAt(occurredAt)
		stored.Meta = copyMeta(e.Meta)
		stream = append(stream, stored)
	}
	s.streams[streamID] = stream

	state := domain.Replay(stream)
	s.snapshots[streamID] = domain.AccountSnapshot{
		AccountID:     streamID,
		StreamVersion: int64(len(stream)),
		Status:        state.Status,
		PlanID:        state.PlanID,
		Period:        state.Period,
		Used:          copyUsed(state.Used),
	}

	return int64(len(stream)), nil
}

// LoadStream returns the stream's events in version order, upcast to current
// schemas. A missing stream yields an empty slice.
func (s *Store) LoadStream(ctx context.Context, streamID string) ([]domain.Envelope, error) {
	return s.LoadStreamSince(ctx, streamID, 0)
}

// LoadStreamSince returns events with a version strictly greater than
// sinceVersion. Versions are dense, so the offset is a simple slice index.
func (s *Store) LoadStreamSince(ctx context.Context, streamID string, sinceVersion int64) ([]domain.Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stream := s.streams[streamID]
	if sinceVersion < 0 {
		sinceVersion = 0
	}
	if sinceVersion > int64(len(stream)) {
		sinceVersion = int64(len(stream))
	}

	events := make([]domain.Envelope, 0, int64(len(stream))-sinceVersion)
	for _, e := range stream[sinceVersion:] {
		e.Meta = copyMeta(e.Meta)
		events = append(events, domain.Upcast(e))
	}
	return events, nil
}

// GetCurrent returns the projection row, or nil when the account has never
// been projected.
func (s *Store) GetCurrent(ctx context.Context, accountID string) (*domain.AccountSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot, ok := s.snapshots[accountID]
	if !ok {
		return nil, nil
	}
	snapshot.Used = copyUsed(snapshot.Used)
	return &snapshot, nil
}

// DropProjection removes the account_current row while leaving the stream in
// place, forcing subsequent reads through the replay path. Tests use it to
// simulate a lagging or rebuilt projection.
func (s *Store) DropProjection(accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots, accountID)
}

func copyMeta(meta map[string]string) map[string]string {
	if meta == nil {
		return nil
	}
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}

func copyUsed(used map[domain.Meter]int64) map[domain.Meter]int64 {
	out := make(map[domain.Meter]int64, len(used))
	for k, v := range used {
		out[k] = v
	}
	return out
}
