package repositories

import (
	"context"

	"github.com/asakaida/kiroku/internal/entities"
	"github.com/google/uuid"
)

// FieldRepository defines data access for field metadata.
type FieldRepository interface {
	// Create persists a new field. Duplicate names within a definition
	// surface as errors wrapping entities.ErrConflict.
	Create(ctx context.Context, field *entities.Field) error

	// CreatePair persists a relation field together with its synthesized
	// paired field on the related definition in a single transaction,
	// writing the mutual back-pointers. A relation field is never left
	// half-created.
	CreatePair(ctx context.Context, source, paired *entities.Field) error

	// CreateAttached persists a relation field and links it to an already
	// existing paired field in a single transaction, writing both
	// back-pointers.
	CreateAttached(ctx context.Context, field *entities.Field, pairedID uuid.UUID) error

	// Update persists changes to an existing field.
	Update(ctx context.Context, field *entities.Field) error

	// Delete removes a field row.
	Delete(ctx context.Context, id uuid.UUID) error

	// SetBackPointer updates relation_field_id on the given field; nil
	// clears it (used when the paired field is deleted).
	SetBackPointer(ctx context.Context, id uuid.UUID, target *uuid.UUID) error

	// GetByID retrieves a single field.
	GetByID(ctx context.Context, id uuid.UUID) (*entities.Field, error)

	// ListByDefinition retrieves a definition's fields sorted by display
	// index.
	ListByDefinition(ctx context.Context, definitionID uuid.UUID) ([]*entities.Field, error)
}
