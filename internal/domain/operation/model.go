package operation

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/recordflow/recordflow/internal/dispatch"
	"github.com/recordflow/recordflow/internal/domain/document"
)

const (
	OperationKind = "document_operation"
	InstanceKind  = "document_operation_instance"
	LogKind       = "document_operation_instance_log"
)

// Priority routes orchestration work onto task queues. NONE skips queueing
// entirely; QUARANTINE isolates suspect documents on a slow lane.
type Priority string

const (
	PriorityDefault    Priority = "DEFAULT"
	PriorityHigh       Priority = "HIGH"
	PriorityNone       Priority = "NONE"
	PriorityQuarantine Priority = "QUARANTINE"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityDefault, PriorityHigh, PriorityNone, PriorityQuarantine:
		return true
	}
	return false
}

// Operation is the per-document definition of one pipeline: which steps run,
// over how many pages, at what priority. Instances are runs of it.
type Operation struct {
	dispatch.Root
	DocumentID    uuid.UUID `json:"document_id"`
	OperationType string    `json:"operation_type"`
	Steps         []string  `json:"steps"`
	PageCount     int       `json:"page_count"`
	Priority      Priority  `json:"priority"`
	Enabled       bool      `json:"enabled"`
}

func (Operation) AggregateKind() string { return OperationKind }

// Instance is one run of an operation over a document.
type Instance struct {
	dispatch.Root
	DocumentID    uuid.UUID       `json:"document_id"`
	OperationID   uuid.UUID       `json:"operation_id"`
	OperationType string          `json:"operation_type"`
	Status        document.Status `json:"status"`
	Priority      Priority        `json:"priority"`
	Attempt       int             `json:"attempt"`
	RunID         string          `json:"run_id"`
	Steps         []string        `json:"steps"`
	PageCount     int             `json:"page_count"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	FinishedAt    *time.Time      `json:"finished_at,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
}

func (Instance) AggregateKind() string { return InstanceKind }

// transitions is the closed instance state machine. Terminal statuses accept
// nothing.
var transitions = map[document.Status][]document.Status{
	document.StatusNotStarted: {document.StatusQueued, document.StatusInProgress},
	document.StatusQueued:     {document.StatusInProgress, document.StatusFailed},
	document.StatusInProgress: {document.StatusCompleted, document.StatusFailed},
}

// Transition moves the instance to the target status, enforcing the state
// machine. Re-asserting the current status is a no-op.
func (i *Instance) Transition(to document.Status, at time.Time) error {
	if i.Status == to {
		return nil
	}
	if i.Status.Terminal() {
		return fmt.Errorf("instance %s is %s: terminal status cannot change", i.ID, i.Status)
	}
	for _, allowed := range transitions[i.Status] {
		if allowed == to {
			i.Status = to
			switch to {
			case document.StatusInProgress:
				if i.StartedAt == nil {
					t := at
					i.StartedAt = &t
				}
			case document.StatusCompleted, document.StatusFailed:
				t := at
				i.FinishedAt = &t
			}
			return nil
		}
	}
	return fmt.Errorf("instance %s: transition %s -> %s is not allowed", i.ID, i.Status, to)
}

// InstanceLog records the outcome of one step execution on one page. At most
// one COMPLETED log may exist per (document, instance, step, page); the
// repository unique index backs that up.
type InstanceLog struct {
	dispatch.Root
	DocumentID uuid.UUID         `json:"document_id"`
	InstanceID uuid.UUID         `json:"instance_id"`
	StepID     string            `json:"step_id"`
	PageNumber int               `json:"page_number"`
	Status     document.Status   `json:"status"`
	Result     string            `json:"result,omitempty"`
	Context    map[string]string `json:"context,omitempty"`
	Error      string            `json:"error,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	ElapsedMS  int64             `json:"elapsed_ms"`
}

func (InstanceLog) AggregateKind() string { return LogKind }

// OrchestrationError carries the pipeline position where a step failed, so
// retry scheduling and logs keep the full context.
type OrchestrationError struct {
	DocumentID uuid.UUID
	InstanceID uuid.UUID
	StepID     string
	PageNumber int
	Err        error
}

func (e *OrchestrationError) Error() string {
	return fmt.Sprintf("orchestration step %s page %d failed for document %s (instance %s): %v",
		e.StepID, e.PageNumber, e.DocumentID, e.InstanceID, e.Err)
}

func (e *OrchestrationError) Unwrap() error { return e.Err }
