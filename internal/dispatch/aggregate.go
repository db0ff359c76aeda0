package dispatch

import (
	"time"

	"github.com/google/uuid"
)

// Aggregate is a durable domain entity staged and committed through the unit
// of work. The aggregate never knows whether it is new or dirty; that is the
// change set's job.
type Aggregate interface {
	AggregateID() uuid.UUID
	AggregateKind() string
}

// EventRaiser is implemented by aggregates whose mutators raise domain
// events. The unit of work drains them at commit time.
type EventRaiser interface {
	DrainEvents() []Event
}

// Root is the embedded base for aggregates: identity, audit fields, tenant
// scoping, and a pending-event list appended to by the aggregate's mutators.
type Root struct {
	ID        uuid.UUID `json:"id" db:"id"`
	AppID     string    `json:"app_id" db:"app_id"`
	TenantID  string    `json:"tenant_id" db:"tenant_id"`
	PatientID uuid.UUID `json:"patient_id" db:"patient_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	CreatedBy string    `json:"created_by" db:"created_by"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
	UpdatedBy string    `json:"updated_by" db:"updated_by"`

	pending []Event
}

func (r *Root) AggregateID() uuid.UUID { return r.ID }

// Raise appends a domain event to the aggregate's pending list.
func (r *Root) Raise(e Event) {
	r.pending = append(r.pending, e)
}

// DrainEvents returns and clears the pending events.
func (r *Root) DrainEvents() []Event {
	out := r.pending
	r.pending = nil
	return out
}

// Touch updates the modification audit fields.
func (r *Root) Touch(actor string, at time.Time) {
	r.UpdatedBy = actor
	r.UpdatedAt = at
}
