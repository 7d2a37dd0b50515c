package domain

import "errors"

var (
	// ErrNotFound is returned when a command or query targets an account with no events.
	ErrNotFound = errors.New("account not found")
	// ErrInvariantViolation indicates a command was rejected by an aggregate rule.
	ErrInvariantViolation = errors.New("invariant violation")
	// ErrConcurrencyConflict indicates the stream advanced past the expected version.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
)
