// Package domain defines the account aggregate for the quota ledger: its
// event and command vocabulary, the pure fold and decision logic, and the
// service that orchestrates them against an event store.
package domain

import (
	"encoding/json"
	"fmt"
)

// EventType identifies an event payload on the wire and in storage.
type EventType string

const (
	EventAccountCreated    EventType = "AccountCreated"
	EventPlanChanged       EventType = "PlanChanged"
	EventUsageRecorded     EventType = "UsageRecorded"
	EventPeriodReset       EventType = "PeriodReset"
	EventAccountSuspended  EventType = "AccountSuspended"
	EventAccountReinstated EventType = "AccountReinstated"
)

// UsageRecordedSchemaVersion is the current schema for UsageRecorded payloads.
// Version 1 predates the source attribute and is upcast on load.
const UsageRecordedSchemaVersion = 2

// Payload is the closed set of event payloads an account stream can carry.
// Stored events whose type is not in the set decode as Unrecognized and are
// ignored by the fold, so old binaries can replay streams written by newer ones.
type Payload interface {
	EventType() EventType
	isPayload()
}

// AccountCreated opens a stream with its initial plan and usage period.
type AccountCreated struct {
	PlanID string `json:"plan_id"`
	Period string `json:"period"`
}

// PlanChanged moves the account to a different plan.
type PlanChanged struct {
	PlanID string `json:"plan_id"`
}

// UsageRecorded adds units to one meter. Source distinguishes live writes
// ("api") from upcast legacy events ("unknown").
type UsageRecorded struct {
	Meter  Meter  `json:"meter"`
	Units  int64  `json:"units"`
	Source string `json:"source"`
}

// PeriodReset starts a new usage period and clears all counters.
type PeriodReset struct {
	Period string `json:"period"`
}

// AccountSuspended blocks further usage until reinstatement.
type AccountSuspended struct {
	Reason string `json:"reason"`
}

// AccountReinstated returns a suspended account to active.
type AccountReinstated struct{}

// Unrecognized carries the raw payload of an event type this build does not
// know. Marshalling round-trips the stored bytes untouched.
type Unrecognized struct {
	Type EventType
	Raw  json.RawMessage
}

func (AccountCreated) EventType() EventType    { return EventAccountCreated }
func (PlanChanged) EventType() EventType       { return EventPlanChanged }
func (UsageRecorded) EventType() EventType     { return EventUsageRecorded }
func (PeriodReset) EventType() EventType       { return EventPeriodReset }
func (AccountSuspended) EventType() EventType  { return EventAccountSuspended }
func (AccountReinstated) EventType() EventType { return EventAccountReinstated }
func (u Unrecognized) EventType() EventType    { return u.Type }

func (AccountCreated) isPayload()    {}
func (PlanChanged) isPayload()       {}
func (UsageRecorded) isPayload()     {}
func (PeriodReset) isPayload()       {}
func (AccountSuspended) isPayload()  {}
func (AccountReinstated) isPayload() {}
func (Unrecognized) isPayload()      {}

// MarshalJSON preserves the original bytes of an unrecognized payload.
func (u Unrecognized) MarshalJSON() ([]byte, error) {
	if len(u.Raw) == 0 {
		return []byte("{}"), nil
	}
	return u.Raw, nil
}

// Envelope is a stored event: a payload plus the attributes shared by every
// event type. OccurredAt holds either an RFC 3339 timestamp or the
// OccurredNow sentinel; the store resolves it to a concrete UTC instant when
// the event is persisted.
type Envelope struct {
	SchemaVersion  int
	OccurredAt     string
	IdempotencyKey string
	Meta           map[string]string
	Payload        Payload
}

// Type reports the event type of the wrapped payload.
func (e Envelope) Type() EventType {
	return e.Payload.EventType()
}

// DecodePayload reconstructs a payload from its stored type and JSON bytes.
// Unknown types are preserved as Unrecognized rather than rejected.
func DecodePayload(eventType EventType, raw []byte) (Payload, error) {
	switch eventType {
	case EventAccountCreated:
		var p AccountCreated
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", eventType, err)
		}
		return p, nil
	case EventPlanChanged:
		var p PlanChanged
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", eventType, err)
		}
		return p, nil
	case EventUsageRecorded:
		var p UsageRecorded
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", eventType, err)
		}
		return p, nil
	case EventPeriodReset:
		var p PeriodReset
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", eventType, err)
		}
		return p, nil
	case EventAccountSuspended:
		var p AccountSuspended
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", eventType, err)
		}
		return p, nil
	case EventAccountReinstated:
		return AccountReinstated{}, nil
	default:
		return Unrecognized{Type: eventType, Raw: append(json.RawMessage(nil), raw...)}, nil
	}
}
