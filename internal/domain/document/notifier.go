package document

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/recordflow/recordflow/internal/dispatch"
	"github.com/recordflow/recordflow/internal/platform/messaging"
)

// TopicPipelineCompleted is the webhook topic published once every operation
// on a document has reached a terminal status.
const TopicPipelineCompleted = "pipeline.completed"

// PipelineCompleted is the payload delivered to subscribers.
type PipelineCompleted struct {
	DocumentID  uuid.UUID         `json:"document_id"`
	PatientID   uuid.UUID         `json:"patient_id"`
	TenantID    string            `json:"tenant_id"`
	Status      Status            `json:"status"`
	Operations  map[string]Status `json:"operations"`
	CompletedAt time.Time         `json:"completed_at"`
}

// Notifier turns document state changes into outbound notifications. It
// subscribes to the state-change event and publishes once the whole pipeline
// is terminal. Redelivered events re-publish, so receivers must dedup on
// document id.
type Notifier struct {
	log  zerolog.Logger
	repo Repository
	pub  messaging.Publisher
	now  func() time.Time
}

func NewNotifier(log zerolog.Logger, repo Repository, pub messaging.Publisher) *Notifier {
	return &Notifier{log: log, repo: repo, pub: pub, now: time.Now}
}

func (n *Notifier) RegisterHandlers(d *dispatch.Dispatcher) {
	d.Register(EventDocumentStateChange, n.handleStateChange)
}

func (n *Notifier) handleStateChange(ctx context.Context, msg dispatch.Message, _ dispatch.UnitOfWork) error {
	evt, ok := msg.(StateChangeEvent)
	if !ok {
		return fmt.Errorf("unexpected message payload %T", msg)
	}
	if !evt.Current.Terminal() {
		return nil
	}

	doc, err := n.repo.GetByID(ctx, evt.DocumentID)
	if err != nil {
		return fmt.Errorf("load document %s: %w", evt.DocumentID, err)
	}

	overall := StatusCompleted
	operations := make(map[string]Status, len(doc.OperationStatus))
	for opType, snap := range doc.OperationStatus {
		if !snap.Status.Terminal() {
			// Some operation is still running; a later state change fires.
			return nil
		}
		if snap.Status == StatusFailed {
			overall = StatusFailed
		}
		operations[opType] = snap.Status
	}

	payload := PipelineCompleted{
		DocumentID:  doc.ID,
		PatientID:   doc.PatientID,
		TenantID:    doc.TenantID,
		Status:      overall,
		Operations:  operations,
		CompletedAt: n.now().UTC(),
	}
	if err := n.pub.Publish(ctx, TopicPipelineCompleted, payload); err != nil {
		return fmt.Errorf("publish %s for document %s: %w", TopicPipelineCompleted, doc.ID, err)
	}

	n.log.Info().
		Str("document_id", doc.ID.String()).
		Str("status", string(overall)).
		Msg("pipeline completed notification published")
	return nil
}
