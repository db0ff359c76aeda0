package document

import (
	"time"

	"github.com/google/uuid"

	"github.com/recordflow/recordflow/internal/dispatch"
)

// Status is the lifecycle status shared by operation instances, step logs,
// and document-level rollups.
type Status string

const (
	StatusNotStarted Status = "NOT_STARTED"
	StatusQueued     Status = "QUEUED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusUnknown    Status = "UNKNOWN"
)

// statusPrecedence orders statuses for rollups: a parent node takes the
// highest-precedence status among its children.
var statusPrecedence = map[Status]int{
	StatusNotStarted: 0,
	StatusQueued:     1,
	StatusCompleted:  2,
	StatusUnknown:    3,
	StatusInProgress: 4,
	StatusFailed:     5,
}

// Precedence returns the rollup rank of s. Unknown strings rank as UNKNOWN.
func (s Status) Precedence() int {
	if p, ok := statusPrecedence[s]; ok {
		return p
	}
	return statusPrecedence[StatusUnknown]
}

// Terminal reports whether no further transitions are accepted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// OperationStatusSnapshot is the per-operation-type rollup stored on the
// document.
type OperationStatusSnapshot struct {
	OperationInstanceID uuid.UUID `json:"operation_instance_id"`
	Status              Status    `json:"status"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Document is the aggregate a pipeline runs over. OperationStatus is the
// rollup map keyed by operation type.
type Document struct {
	dispatch.Root
	FileName        string                             `json:"file_name"`
	ContentType     string                             `json:"content_type"`
	PageCount       int                                `json:"page_count"`
	StorageKey      string                             `json:"storage_key"`
	Uploaded        bool                               `json:"uploaded"`
	OperationStatus map[string]OperationStatusSnapshot `json:"operation_status"`
}

const Kind = "document"

func (Document) AggregateKind() string { return Kind }

// New builds an empty document aggregate for the given tenant scope.
func New(appID, tenantID string, patientID uuid.UUID, actor string) *Document {
	now := time.Now().UTC()
	return &Document{
		Root: dispatch.Root{
			ID:        uuid.New(),
			AppID:     appID,
			TenantID:  tenantID,
			PatientID: patientID,
			CreatedAt: now,
			CreatedBy: actor,
			UpdatedAt: now,
			UpdatedBy: actor,
		},
		OperationStatus: make(map[string]OperationStatusSnapshot),
	}
}

// EventDocumentStateChange is raised when a snapshot rollup actually changes.
// It is the sole trigger for end-of-pipeline side effects, and its consumers
// must be idempotent: under retry the changed-check can be re-evaluated.
const EventDocumentStateChange dispatch.MessageType = "DocumentStateChange"

type StateChangeEvent struct {
	dispatch.Envelope
	DocumentID          uuid.UUID `json:"document_id"`
	OperationType       string    `json:"operation_type"`
	OperationInstanceID uuid.UUID `json:"operation_instance_id"`
	Previous            Status    `json:"previous"`
	Current             Status    `json:"current"`
}

func (StateChangeEvent) Type() dispatch.MessageType { return EventDocumentStateChange }

// ApplySnapshot updates the rollup for an operation type and reports whether
// anything changed. Within one instance id a FAILED snapshot is sticky: later
// non-failed updates for the same instance are refused. A different instance
// id always overwrites (last writer wins per instance).
func (d *Document) ApplySnapshot(operationType string, snap OperationStatusSnapshot) bool {
	if d.OperationStatus == nil {
		d.OperationStatus = make(map[string]OperationStatusSnapshot)
	}

	cur, ok := d.OperationStatus[operationType]
	if ok && cur.OperationInstanceID == snap.OperationInstanceID {
		if cur.Status == StatusFailed && snap.Status != StatusFailed {
			return false
		}
		if cur.Status == snap.Status {
			return false
		}
	}

	d.OperationStatus[operationType] = snap
	d.Raise(StateChangeEvent{
		Envelope:            dispatch.NewEnvelope(d.AppID, d.TenantID, d.PatientID),
		DocumentID:          d.ID,
		OperationType:       operationType,
		OperationInstanceID: snap.OperationInstanceID,
		Previous:            cur.Status,
		Current:             snap.Status,
	})
	return true
}

// ---------------------------------------------------------------------------
// Progress tree
// ---------------------------------------------------------------------------

// ProgressNode is one node of the user-facing progress rollup. Progress is in
// [-1, 1]; -1 means undeterminable.
type ProgressNode struct {
	Name     string          `json:"name"`
	Status   Status          `json:"status"`
	Progress float64         `json:"progress"`
	Pinned   bool            `json:"-"` // leaf progress pinned to undeterminable
	Children []*ProgressNode `json:"children,omitempty"`
}

// leafProgress derives a leaf's progress from its status.
func leafProgress(s Status) float64 {
	switch s {
	case StatusCompleted:
		return 1
	case StatusFailed:
		return 0
	case StatusInProgress:
		return 0.5
	default:
		return -1
	}
}

// Resolve computes status and progress bottom-up. A parent's status is the
// highest-precedence child status; its progress is the mean over children
// with determinable progress, or -1 when none is determinable.
func (n *ProgressNode) Resolve() {
	if len(n.Children) == 0 {
		if n.Pinned {
			n.Progress = -1
		} else {
			n.Progress = leafProgress(n.Status)
		}
		return
	}

	top := n.Children[0]
	sum := 0.0
	determinable := 0
	for _, child := range n.Children {
		child.Resolve()
		if child.Status.Precedence() > top.Status.Precedence() {
			top = child
		}
		if child.Progress >= 0 {
			sum += child.Progress
			determinable++
		}
	}

	n.Status = top.Status
	if determinable == 0 {
		n.Progress = -1
	} else {
		n.Progress = sum / float64(determinable)
	}
}
