package medication

import (
	"context"

	"github.com/google/uuid"
)

// Repository is the read side over profiles and extraction results.
type Repository interface {
	GetProfileByPatient(ctx context.Context, patientID uuid.UUID) (*Profile, error)
	GetExtracted(ctx context.Context, id uuid.UUID) (*ExtractedMedication, error)
	ListExtractedByDocument(ctx context.Context, documentID uuid.UUID) ([]*ExtractedMedication, error)
}
