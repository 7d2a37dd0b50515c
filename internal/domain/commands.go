package domain

// Command is the closed set of requests the account aggregate can decide on.
type Command interface {
	isCommand()
}

// CreateAccount opens a new account stream.
type CreateAccount struct {
	AccountID     string
	InitialPlanID string
	Period        string
}

// ChangePlan switches the account to a different plan.
type ChangePlan struct {
	AccountID string
	NewPlanID string
}

// RecordUsage adds units to a meter. OccurredAt is the caller-supplied event
// time and IdempotencyKey makes retries of the same logical write safe.
type RecordUsage struct {
	AccountID      string
	Meter          Meter
	Units          int64
	OccurredAt     string
	IdempotencyKey string
}

// ResetPeriod rolls the account into a new usage period.
type ResetPeriod struct {
	AccountID string
	NewPeriod string
}

// SuspendAccount blocks usage writes until the account is reinstated.
type SuspendAccount struct {
	AccountID string
	Reason    string
}

// ReinstateAccount reactivates a suspended account.
type ReinstateAccount struct {
	AccountID string
}

func (CreateAccount) isCommand()    {}
func (ChangePlan) isCommand()       {}
func (RecordUsage) isCommand()      {}
func (ResetPeriod) isCommand()      {}
func (SuspendAccount) isCommand()   {}
func (ReinstateAccount) isCommand() {}
