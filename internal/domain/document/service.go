package document

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/recordflow/recordflow/internal/dispatch"
)

// CmdUpdateDocumentStatusSnapshot folds one operation instance status into
// the document's rollup map.
const CmdUpdateDocumentStatusSnapshot dispatch.MessageType = "UpdateDocumentStatusSnapshot"

type UpdateStatusSnapshotCommand struct {
	dispatch.CommandEnvelope
	DocumentID          uuid.UUID `json:"document_id"`
	OperationType       string    `json:"operation_type"`
	OperationInstanceID uuid.UUID `json:"operation_instance_id"`
	Status              Status    `json:"status"`
}

func (UpdateStatusSnapshotCommand) Type() dispatch.MessageType {
	return CmdUpdateDocumentStatusSnapshot
}

// supportedContentTypes are the file types the pipeline can process. Anything
// else is refused at intake.
var supportedContentTypes = map[string]bool{
	"application/pdf": true,
	"image/png":       true,
	"image/jpeg":      true,
	"image/tiff":      true,
}

type Service struct {
	log  zerolog.Logger
	repo Repository
}

func NewService(log zerolog.Logger, repo Repository) *Service {
	return &Service{log: log, repo: repo}
}

// RegisterHandlers binds the document commands to the dispatcher.
func (s *Service) RegisterHandlers(d *dispatch.Dispatcher) {
	d.Register(CmdUpdateDocumentStatusSnapshot, s.handleUpdateStatusSnapshot)
}

// RegisterDecoders binds the wire decoders for the document commands.
func RegisterDecoders(c *dispatch.Codec) {
	c.Register(CmdUpdateDocumentStatusSnapshot, func(raw []byte) (dispatch.Message, error) {
		return DecodeUpdateStatusSnapshot(raw)
	})
}

// IntakeParams describes a newly received document.
type IntakeParams struct {
	AppID       string
	TenantID    string
	PatientID   uuid.UUID
	FileName    string
	ContentType string
	PageCount   int
	StorageKey  string
	Actor       string
}

// Intake registers a received document. Unsupported file types are refused;
// attempting to intake an already uploaded document id is a hard error so a
// stray re-upload can never reset pipeline state.
func (s *Service) Intake(ctx context.Context, uow dispatch.Sink, params IntakeParams) (*Document, error) {
	if params.FileName == "" {
		return nil, fmt.Errorf("file name is required")
	}
	if params.PatientID == uuid.Nil {
		return nil, fmt.Errorf("patient id is required")
	}
	if !supportedContentTypes[params.ContentType] {
		return nil, fmt.Errorf("%w: content type %q", dispatch.ErrUnsupportedInput, params.ContentType)
	}

	doc := New(params.AppID, params.TenantID, params.PatientID, params.Actor)
	doc.FileName = params.FileName
	doc.ContentType = params.ContentType
	doc.PageCount = params.PageCount
	doc.StorageKey = params.StorageKey
	doc.Uploaded = true

	uow.RegisterNew(doc)
	s.log.Info().
		Str("document_id", doc.ID.String()).
		Str("patient_id", params.PatientID.String()).
		Str("content_type", params.ContentType).
		Msg("document intake")
	return doc, nil
}

// Reupload rejects replacement of an already uploaded document. Callers that
// want a new revision must intake a new document id.
func (s *Service) Reupload(ctx context.Context, id uuid.UUID) error {
	doc, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if doc.Uploaded {
		return fmt.Errorf("document %s is already uploaded: re-upload is not allowed", id)
	}
	return nil
}

func (s *Service) handleUpdateStatusSnapshot(ctx context.Context, msg dispatch.Message, uow dispatch.UnitOfWork) error {
	cmd, ok := msg.(UpdateStatusSnapshotCommand)
	if !ok {
		return fmt.Errorf("unexpected message payload %T", msg)
	}
	if cmd.OperationType == "" {
		return fmt.Errorf("operation type is required")
	}

	doc, err := s.repo.GetByID(ctx, cmd.DocumentID)
	if err != nil {
		return fmt.Errorf("load document %s: %w", cmd.DocumentID, err)
	}

	changed := doc.ApplySnapshot(cmd.OperationType, OperationStatusSnapshot{
		OperationInstanceID: cmd.OperationInstanceID,
		Status:              cmd.Status,
		UpdatedAt:           time.Now().UTC(),
	})
	if !changed {
		s.log.Debug().
			Str("document_id", cmd.DocumentID.String()).
			Str("operation_type", cmd.OperationType).
			Str("status", string(cmd.Status)).
			Msg("snapshot unchanged")
		return nil
	}

	doc.Touch("system", time.Now().UTC())
	uow.RegisterDirty(doc)
	return nil
}

// DecodeUpdateStatusSnapshot parses the wire form of the command.
func DecodeUpdateStatusSnapshot(raw []byte) (UpdateStatusSnapshotCommand, error) {
	var cmd UpdateStatusSnapshotCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return cmd, fmt.Errorf("decode %s: %w", CmdUpdateDocumentStatusSnapshot, err)
	}
	if cmd.ID == uuid.Nil {
		cmd.ID = uuid.New()
	}
	return cmd, nil
}
