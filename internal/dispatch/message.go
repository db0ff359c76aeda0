// Package dispatch is the command/event core of the orchestrator: a closed
// registry of message handlers with at-most-once execution backed by an
// idempotency ledger, and a unit-of-work that commits aggregate changes
// atomically.
package dispatch

import (
	"time"

	"github.com/google/uuid"
)

// MessageType is the dispatch discriminant for commands and events.
type MessageType string

// Message is anything the dispatcher routes.
type Message interface {
	MessageID() uuid.UUID
	Type() MessageType
}

// Command is an instruction to mutate state. StrictMode controls whether a
// handler failure propagates to the dispatcher's caller or is logged and
// absorbed.
type Command interface {
	Message
	StrictMode() bool
}

// Event is a fact about something that already happened.
type Event interface {
	Message
}

// Envelope carries the identity and tenant scoping every message shares.
// Concrete commands and events embed it alongside their payload fields.
type Envelope struct {
	ID         uuid.UUID `json:"id"`
	AppID      string    `json:"app_id"`
	TenantID   string    `json:"tenant_id"`
	PatientID  uuid.UUID `json:"patient_id"`
	OccurredAt time.Time `json:"occurred_at"`
}

func (e Envelope) MessageID() uuid.UUID { return e.ID }

// NewEnvelope builds an envelope with a fresh message id.
func NewEnvelope(appID, tenantID string, patientID uuid.UUID) Envelope {
	return Envelope{
		ID:         uuid.New(),
		AppID:      appID,
		TenantID:   tenantID,
		PatientID:  patientID,
		OccurredAt: time.Now().UTC(),
	}
}

// CommandEnvelope is the envelope for commands, adding the acting principal
// and the strict-mode flag.
type CommandEnvelope struct {
	Envelope
	ActorID string `json:"actor_id,omitempty"`
	Strict  bool   `json:"cross_transaction_error_strict_mode"`
}

func (c CommandEnvelope) StrictMode() bool { return c.Strict }

// Actor is the audit identity for writes caused by this command.
func (c CommandEnvelope) Actor() string {
	if c.ActorID == "" {
		return "system"
	}
	return c.ActorID
}
