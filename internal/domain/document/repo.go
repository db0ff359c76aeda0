package document

import (
	"context"

	"github.com/google/uuid"
)

// Repository is the read side over stored documents. Writes flow through the
// unit of work via the aggregate persister.
type Repository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Document, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*Document, error)
}
