package domain

import (
	"context"
	"errors"
	"fmt"
)

// EventStore captures the persistence operations the service needs: ordered
// reads of a stream and an optimistically concurrent append.
type EventStore interface {
	// Append writes events after verifying the stream is still at
	// expectedVersion, and returns the stream version after the write. A
	// replayed idempotency key returns the current version with no new events.
	Append(ctx context.Context, streamID string, expectedVersion int64, events []Envelope) (int64, error)
	// LoadStream returns every event of the stream in version order, upcast to
	// current schemas. A missing stream yields an empty slice, not an error.
	LoadStream(ctx context.Context, streamID string) ([]Envelope, error)
	// LoadStreamSince returns the events with version strictly greater than
	// sinceVersion, in version order.
	LoadStreamSince(ctx context.Context, streamID string, sinceVersion int64) ([]Envelope, error)
}

// ProjectionReader serves the denormalized account_current row.
type ProjectionReader interface {
	// GetCurrent returns the projection row, or nil when none exists.
	GetCurrent(ctx context.Context, accountID string) (*AccountSnapshot, error)
}

// StateView is the read model returned to API callers, tagged with where the
// answer came from.
type StateView struct {
	AccountID     string
	Exists        bool
	Status        Status
	PlanID        string
	Period        string
	Used          map[Meter]int64
	StreamVersion int64
	Source        string
}

const (
	// SourceProjection marks a read served from the account_current row.
	SourceProjection = "projection"
	// SourceReplay marks a read rebuilt by folding the stream.
	SourceReplay = "replay"
)

// Service orchestrates commands and queries against one account stream at a
// time: load, fold, decide, append.
type Service struct {
	store       EventStore
	projections ProjectionReader
}

// NewService constructs a Service.
func NewService(store EventStore, projections ProjectionReader) *Service {
	return &Service{store: store, projections: projections}
}

// CreateAccount opens a new account stream.
func (s *Service) CreateAccount(ctx context.Context, cmd CreateAccount) (int64, error) {
	return s.execute(ctx, cmd.AccountID, cmd)
}

// ChangePlan switches an existing account to a different plan.
func (s *Service) ChangePlan(ctx context.Context, cmd ChangePlan) (int64, error) {
	return s.execute(ctx, cmd.AccountID, cmd)
}

// RecordUsage appends a usage event, deduplicated by the command's
// idempotency key.
func (s *Service) RecordUsage(ctx context.Context, cmd RecordUsage) (int64, error) {
	return s.execute(ctx, cmd.AccountID, cmd)
}

// ResetPeriod rolls the account into a new usage period.
func (s *Service) ResetPeriod(ctx context.Context, cmd ResetPeriod) (int64, error) {
	return s.execute(ctx, cmd.AccountID, cmd)
}

// SuspendAccount blocks further usage writes.
func (s *Service) SuspendAccount(ctx context.Context, cmd SuspendAccount) (int64, error) {
	return s.execute(ctx, cmd.AccountID, cmd)
}

// ReinstateAccount reactivates a suspended account.
func (s *Service) ReinstateAccount(ctx context.Context, cmd ReinstateAccount) (int64, error) {
	return s.execute(ctx, cmd.AccountID, cmd)
}

// execute runs one command through the write path. A concurrency conflict is
// retried once against freshly loaded state before being surfaced.
func (s *Service) execute(ctx context.Context, accountID string, cmd Command) (int64, error) {
	version, err := s.executeOnce(ctx, accountID, cmd)
	if err != nil && errors.Is(err, ErrConcurrencyConflict) {
		return s.executeOnce(ctx, accountID, cmd)
	}
	return version, err
}

func (s *Service) executeOnce(ctx context.Context, accountID string, cmd Command) (int64, error) {
	history, err := s.store.LoadStream(ctx, accountID)
	if err != nil {
		return 0, err
	}

	if _, creating := cmd.(CreateAccount); !creating && len(history) == 0 {
		return 0, fmt.Errorf("%w: account %q does not exist", ErrNotFound, accountID)
	}

	events, err := Decide(Replay(history), cmd)
	if err != nil {
		return 0, err
	}

	// Dense versioning makes the stream length the current version.
	return s.store.Append(ctx, accountID, int64(len(history)), events)
}

// GetState answers reads from the projection when a row exists and falls back
// to replaying the stream otherwise, tagging the result with its source.
func (s *Service) GetState(ctx context.Context, accountID string) (StateView, error) {
	snapshot, err := s.projections.GetCurrent(ctx, accountID)
	if err != nil {
		return StateView{}, err
	}
	if snapshot != nil {
		return StateView{
			AccountID:     accountID,
			Exists:        true,
			Status:        snapshot.Status,
			PlanID:        snapshot.PlanID,
			Period:        snapshot.Period,
			Used:          nonNilUsed(snapshot.Used),
			StreamVersion: snapshot.StreamVersion,
			Source:        SourceProjection,
		}, nil
	}

	history, err := s.store.LoadStream(ctx, accountID)
	if err != nil {
		return StateView{}, err
	}
	state := Replay(history)
	if !state.Exists {
		return StateView{}, fmt.Errorf("%w: account %q does not exist", ErrNotFound, accountID)
	}
	return StateView{
		AccountID:     accountID,
		Exists:        true,
		Status:        state.Status,
		PlanID:        state.PlanID,
		Period:        state.Period,
		Used:          nonNilUsed(state.Used),
		StreamVersion: int64(len(history)),
		Source:        SourceReplay,
	}, nil
}

// ListEvents returns the account's events in order, optionally skipping
// versions at or below sinceVersion. A stream with no events yields an empty
// slice so callers can distinguish "no history" from failure.
func (s *Service) ListEvents(ctx context.Context, accountID string, sinceVersion int64) ([]Envelope, error) {
	if sinceVersion > 0 {
		return s.store.LoadStreamSince(ctx, accountID, sinceVersion)
	}
	return s.store.LoadStream(ctx, accountID)
}

func nonNilUsed(used map[Meter]int64) map[Meter]int64 {
	if used == nil {
		return map[Meter]int64{}
	}
	return used
}
