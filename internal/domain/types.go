package domain

// Status is the lifecycle state of an account.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
)

// Meter names a usage counter. The set is closed; the API layer rejects
// anything else before it reaches the aggregate.
type Meter string

const (
	MeterAPICalls  Meter = "api_calls"
	MeterStorageMB Meter = "storage_mb"
)

// KnownMeter reports whether m is one of the supported meters.
func KnownMeter(m Meter) bool {
	switch m {
	case MeterAPICalls, MeterStorageMB:
		return true
	}
	return false
}

// AccountState is the in-memory fold of an account stream. The zero value
// represents a stream with no events.
type AccountState struct {
	Exists bool
	Status Status
	PlanID string
	Period string
	Used   map[Meter]int64
}

// AccountSnapshot is the denormalized projection row kept alongside the
// stream: the folded state plus the version it was folded at.
type AccountSnapshot struct {
	AccountID     string
	StreamVersion int64
	Status        Status
	PlanID        string
	Period        string
	Used          map[Meter]int64
}
