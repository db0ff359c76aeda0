package operation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/recordflow/recordflow/internal/dispatch"
	"github.com/recordflow/recordflow/internal/domain/document"
)

const (
	CmdCreateOrUpdateDocumentOperation    dispatch.MessageType = "CreateOrUpdateDocumentOperation"
	CmdCreateDocumentOperationInstance    dispatch.MessageType = "CreateDocumentOperationInstance"
	CmdUpdateDocumentOperationInstance    dispatch.MessageType = "UpdateDocumentOperationInstance"
	CmdCreateDocumentOperationInstanceLog dispatch.MessageType = "CreateDocumentOperationInstanceLog"
	CmdQueueOrchestration                 dispatch.MessageType = "QueueOrchestration"
	CmdQueueDeferredOrchestration         dispatch.MessageType = "QueueDeferredOrchestration"
)

type CreateOrUpdateOperationCommand struct {
	dispatch.CommandEnvelope
	DocumentID    uuid.UUID `json:"document_id"`
	OperationType string    `json:"operation_type"`
	Steps         []string  `json:"steps"`
	PageCount     int       `json:"page_count"`
	Priority      Priority  `json:"priority"`
	Enabled       bool      `json:"enabled"`
}

func (CreateOrUpdateOperationCommand) Type() dispatch.MessageType {
	return CmdCreateOrUpdateDocumentOperation
}

type CreateInstanceCommand struct {
	dispatch.CommandEnvelope
	OperationID uuid.UUID `json:"operation_id"`
	Priority    Priority  `json:"priority,omitempty"`
	Attempt     int       `json:"attempt,omitempty"`
	RunID       string    `json:"run_id,omitempty"`
}

func (CreateInstanceCommand) Type() dispatch.MessageType {
	return CmdCreateDocumentOperationInstance
}

type UpdateInstanceCommand struct {
	dispatch.CommandEnvelope
	InstanceID    uuid.UUID       `json:"instance_id"`
	Status        document.Status `json:"status"`
	FailureReason string          `json:"failure_reason,omitempty"`
}

func (UpdateInstanceCommand) Type() dispatch.MessageType {
	return CmdUpdateDocumentOperationInstance
}

type CreateInstanceLogCommand struct {
	dispatch.CommandEnvelope
	InstanceID uuid.UUID         `json:"instance_id"`
	StepID     string            `json:"step_id"`
	PageNumber int               `json:"page_number"`
	Status     document.Status   `json:"status"`
	Result     string            `json:"result,omitempty"`
	Context    map[string]string `json:"context,omitempty"`
	Error      string            `json:"error,omitempty"`
	StartedAt  time.Time         `json:"started_at,omitempty"`
	FinishedAt time.Time         `json:"finished_at,omitempty"`
}

func (CreateInstanceLogCommand) Type() dispatch.MessageType {
	return CmdCreateDocumentOperationInstanceLog
}

type QueueOrchestrationCommand struct {
	dispatch.CommandEnvelope
	InstanceID uuid.UUID `json:"instance_id"`
}

func (QueueOrchestrationCommand) Type() dispatch.MessageType {
	return CmdQueueOrchestration
}

type QueueDeferredOrchestrationCommand struct {
	dispatch.CommandEnvelope
	InstanceID uuid.UUID `json:"instance_id"`
}

func (QueueDeferredOrchestrationCommand) Type() dispatch.MessageType {
	return CmdQueueDeferredOrchestration
}

// RegisterHandlers binds the operation commands to the dispatcher. The step
// log command runs in explicit mode so a crashed push-back can be retried
// without half-written logs.
func (s *Service) RegisterHandlers(d *dispatch.Dispatcher) {
	d.Register(CmdCreateOrUpdateDocumentOperation, func(ctx context.Context, msg dispatch.Message, uow dispatch.UnitOfWork) error {
		cmd, ok := msg.(CreateOrUpdateOperationCommand)
		if !ok {
			return fmt.Errorf("unexpected message payload %T", msg)
		}
		return s.UpsertOperation(ctx, uow, cmd)
	})
	d.Register(CmdCreateDocumentOperationInstance, func(ctx context.Context, msg dispatch.Message, uow dispatch.UnitOfWork) error {
		cmd, ok := msg.(CreateInstanceCommand)
		if !ok {
			return fmt.Errorf("unexpected message payload %T", msg)
		}
		_, err := s.CreateInstance(ctx, uow, cmd)
		return err
	})
	d.Register(CmdUpdateDocumentOperationInstance, func(ctx context.Context, msg dispatch.Message, uow dispatch.UnitOfWork) error {
		cmd, ok := msg.(UpdateInstanceCommand)
		if !ok {
			return fmt.Errorf("unexpected message payload %T", msg)
		}
		return s.UpdateInstance(ctx, uow, cmd)
	})
	d.RegisterExplicit(CmdCreateDocumentOperationInstanceLog, func(ctx context.Context, msg dispatch.Message, cs *dispatch.ChangeSet) error {
		cmd, ok := msg.(CreateInstanceLogCommand)
		if !ok {
			return fmt.Errorf("unexpected message payload %T", msg)
		}
		return s.RecordStepLog(ctx, cs, cmd)
	})
	d.Register(CmdQueueOrchestration, func(ctx context.Context, msg dispatch.Message, uow dispatch.UnitOfWork) error {
		cmd, ok := msg.(QueueOrchestrationCommand)
		if !ok {
			return fmt.Errorf("unexpected message payload %T", msg)
		}
		return s.QueueNow(ctx, uow, cmd)
	})
	d.Register(CmdQueueDeferredOrchestration, func(ctx context.Context, msg dispatch.Message, uow dispatch.UnitOfWork) error {
		cmd, ok := msg.(QueueDeferredOrchestrationCommand)
		if !ok {
			return fmt.Errorf("unexpected message payload %T", msg)
		}
		return s.QueueDeferred(ctx, uow, cmd)
	})
}

// RegisterDecoders binds the wire decoders for the operation commands.
func RegisterDecoders(c *dispatch.Codec) {
	c.Register(CmdCreateOrUpdateDocumentOperation, decode[CreateOrUpdateOperationCommand])
	c.Register(CmdCreateDocumentOperationInstance, decode[CreateInstanceCommand])
	c.Register(CmdUpdateDocumentOperationInstance, decode[UpdateInstanceCommand])
	c.Register(CmdCreateDocumentOperationInstanceLog, decode[CreateInstanceLogCommand])
	c.Register(CmdQueueOrchestration, decode[QueueOrchestrationCommand])
	c.Register(CmdQueueDeferredOrchestration, decode[QueueDeferredOrchestrationCommand])
}

func decode[T dispatch.Message](raw []byte) (dispatch.Message, error) {
	var cmd T
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return nil, fmt.Errorf("decode %s: %w", cmd.Type(), err)
	}
	return withMessageID(cmd), nil
}

// withMessageID backfills a message id when the wire form omitted one.
func withMessageID(msg dispatch.Message) dispatch.Message {
	if msg.MessageID() != uuid.Nil {
		return msg
	}
	switch m := msg.(type) {
	case CreateOrUpdateOperationCommand:
		m.ID = uuid.New()
		return m
	case CreateInstanceCommand:
		m.ID = uuid.New()
		return m
	case UpdateInstanceCommand:
		m.ID = uuid.New()
		return m
	case CreateInstanceLogCommand:
		m.ID = uuid.New()
		return m
	case QueueOrchestrationCommand:
		m.ID = uuid.New()
		return m
	case QueueDeferredOrchestrationCommand:
		m.ID = uuid.New()
		return m
	}
	return msg
}
