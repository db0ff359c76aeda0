package operation

import (
	"context"

	"github.com/google/uuid"
)

// Repository is the read side over operations, instances, and step logs.
type Repository interface {
	GetOperation(ctx context.Context, id uuid.UUID) (*Operation, error)
	GetOperationByDocument(ctx context.Context, documentID uuid.UUID, operationType string) (*Operation, error)
	GetInstance(ctx context.Context, id uuid.UUID) (*Instance, error)
	ListInstancesByDocument(ctx context.Context, documentID uuid.UUID) ([]*Instance, error)
	GetCompletedLog(ctx context.Context, documentID, instanceID uuid.UUID, stepID string, pageNumber int) (*InstanceLog, error)
	ListLogsByInstance(ctx context.Context, instanceID uuid.UUID) ([]*InstanceLog, error)
}
