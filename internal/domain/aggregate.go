package domain

import "fmt"

// OccurredNow marks an envelope whose timestamp should be assigned by the
// store at append time. Decide uses it for every event except UsageRecorded,
// whose time is supplied by the caller.
const OccurredNow = "now"

// Apply folds one event into the account state. It is pure: the input state
// is never mutated and unknown payloads leave it unchanged.
func Apply(state AccountState, e Envelope) AccountState {
	if p, ok := e.Payload.(AccountCreated); ok {
		return AccountState{
			Exists: true,
			Status: StatusActive,
			PlanID: p.PlanID,
			Period: p.Period,
			Used:   map[Meter]int64{},
		}
	}

	if !state.Exists {
		return state
	}

	switch p := e.Payload.(type) {
	case PlanChanged:
		state.PlanID = p.PlanID
	case UsageRecorded:
		used := make(map[Meter]int64, len(state.Used)+1)
		for meter, units := range state.Used {
			used[meter] = units
		}
		used[p.Meter] += p.Units
		state.Used = used
	case PeriodReset:
		state.Period = p.Period
		state.Used = map[Meter]int64{}
	case AccountSuspended:
		state.Status = StatusSuspended
	case AccountReinstated:
		state.Status = StatusActive
	}
	return state
}

// Replay folds a whole stream from the zero state.
func Replay(events []Envelope) AccountState {
	var state AccountState
	for _, e := range events {
		state = Apply(state, e)
	}
	return state
}

// Decide validates a command against the current state and returns the events
// to append. It performs no I/O; rejections come back as ErrNotFound or
// ErrInvariantViolation.
func Decide(state AccountState, cmd Command) ([]Envelope, error) {
	if c, ok := cmd.(CreateAccount); ok {
		if state.Exists {
			return nil, fmt.Errorf("%w: account already exists", ErrInvariantViolation)
		}
		return []Envelope{{
			SchemaVersion: 1,
			OccurredAt:    OccurredNow,
			Payload:       AccountCreated{PlanID: c.InitialPlanID, Period: c.Period},
		}}, nil
	}

	if !state.Exists {
		return nil, fmt.Errorf("%w: account does not exist", ErrNotFound)
	}

	switch c := cmd.(type) {
	case ChangePlan:
		if state.Status != StatusActive {
			return nil, fmt.Errorf("%w: cannot change plan when account is suspended", ErrInvariantViolation)
		}
		return []Envelope{{
			SchemaVersion: 1,
			OccurredAt:    OccurredNow,
			Payload:       PlanChanged{PlanID: c.NewPlanID},
		}}, nil

	case RecordUsage:
		if c.Units <= 0 {
			return nil, fmt.Errorf("%w: usage units must be > 0", ErrInvariantViolation)
		}
		if state.Status != StatusActive {
			return nil, fmt.Errorf("%w: cannot record usage when account is suspended", ErrInvariantViolation)
		}
		return []Envelope{{
			SchemaVersion:  UsageRecordedSchemaVersion,
			OccurredAt:     c.OccurredAt,
			IdempotencyKey: c.IdempotencyKey,
			Payload:        UsageRecorded{Meter: c.Meter, Units: c.Units, Source: "api"},
		}}, nil

	case ResetPeriod:
		// Periods are "YYYY-MM" strings, so lexicographic order is chronological.
		if state.Period != "" && c.NewPeriod <= state.Period {
			return nil, fmt.Errorf("%w: period must move forward", ErrInvariantViolation)
		}
		return []Envelope{{
			SchemaVersion: 1,
			OccurredAt:    OccurredNow,
			Payload:       PeriodReset{Period: c.NewPeriod},
		}}, nil

	case SuspendAccount:
		if state.Status == StatusSuspended {
			return nil, fmt.Errorf("%w: account already suspended", ErrInvariantViolation)
		}
		return []Envelope{{
			SchemaVersion: 1,
			OccurredAt:    OccurredNow,
			Payload:       AccountSuspended{Reason: c.Reason},
		}}, nil

	case ReinstateAccount:
		if state.Status == StatusActive {
			return nil, fmt.Errorf("%w: account already active", ErrInvariantViolation)
		}
		return []Envelope{{
			SchemaVersion: 1,
			OccurredAt:    OccurredNow,
			Payload:       AccountReinstated{},
		}}, nil
	}

	return nil, fmt.Errorf("%w: unknown command %T", ErrInvariantViolation, cmd)
}
