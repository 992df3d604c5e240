package repositories

import (
	"context"

	"github.com/asakaida/kiroku/internal/entities"
	"github.com/google/uuid"
)

// AttributeCondition is a compiled predicate on a scalar attribute,
// pushed down into the store query by the filter compiler.
type AttributeCondition struct {
	Name     string
	Operator entities.FilterOperator
	Value    interface{} // string for text comparison, float64 for numeric, []string for in
	Numeric  bool        // cast the attribute to a number before comparing
}

// ListParams narrows and orders an instance listing.
type ListParams struct {
	DefinitionID uuid.UUID
	Project      string

	// Conditions are conjunctive attribute predicates.
	Conditions []AttributeCondition

	// IDs restricts the result to the given instance ids when non-nil.
	// The filter compiler produces this set from relation filters.
	IDs []uuid.UUID

	// Search is a case-insensitive substring matched against
	// SearchFields, OR across fields. Empty disables search.
	Search       string
	SearchFields []string

	// OrderBy names an attribute to sort by; empty sorts by creation
	// time. OrderDesc selects descending order.
	OrderBy   string
	OrderDesc bool

	Limit  int
	Offset int
}

// InstanceRepository defines data access for entity instances.
type InstanceRepository interface {
	// Create persists a new instance with its scalar data.
	Create(ctx context.Context, instance *entities.EntityInstance) error

	// Update replaces the instance's scalar data. The service merges
	// partial updates before calling this.
	Update(ctx context.Context, instance *entities.EntityInstance) error

	// Delete removes every edge referencing the instance (as source or
	// target) and then the instance row, in one transaction. Edges go
	// first so a failure can never orphan them.
	Delete(ctx context.Context, id uuid.UUID) error

	// DeleteByDefinition removes all instances of a definition and every
	// edge referencing them, in one transaction. Used by cascading
	// definition deletion.
	DeleteByDefinition(ctx context.Context, definitionID uuid.UUID) error

	// GetByID retrieves an instance.
	GetByID(ctx context.Context, id uuid.UUID) (*entities.EntityInstance, error)

	// GetByIDs retrieves the named instances in one query.
	GetByIDs(ctx context.Context, ids []uuid.UUID) ([]*entities.EntityInstance, error)

	// List retrieves a page of instances matching the params.
	List(ctx context.Context, params *ListParams) ([]*entities.EntityInstance, error)

	// Count returns the number of instances matching the params,
	// ignoring Limit and Offset.
	Count(ctx context.Context, params *ListParams) (int, error)

	// CountByDefinition returns the number of instances of a definition
	// across all projects.
	CountByDefinition(ctx context.Context, definitionID uuid.UUID) (int, error)
}
