package repositories

import (
	"context"

	"github.com/asakaida/kiroku/internal/entities"
	"github.com/google/uuid"
)

// DefinitionRepository defines data access for entity definitions.
// Missing rows surface as errors wrapping entities.ErrNotFound.
type DefinitionRepository interface {
	// Create persists a new entity definition.
	Create(ctx context.Context, def *entities.EntityDefinition) error

	// Update persists changes to an existing definition. The storage key
	// is immutable and never written here.
	Update(ctx context.Context, def *entities.EntityDefinition) error

	// Delete removes a definition row.
	Delete(ctx context.Context, id uuid.UUID) error

	// GetByID retrieves a definition without its fields.
	GetByID(ctx context.Context, id uuid.UUID) (*entities.EntityDefinition, error)

	// GetByStorageKey retrieves a definition by its immutable storage key.
	GetByStorageKey(ctx context.Context, key string) (*entities.EntityDefinition, error)

	// GetWithFields retrieves a definition with its fields sorted by
	// display index.
	GetWithFields(ctx context.Context, id uuid.UUID) (*entities.EntityDefinition, error)

	// List retrieves all definitions, ordered by tier then name.
	List(ctx context.Context) ([]*entities.EntityDefinition, error)
}
