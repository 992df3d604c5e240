package repositories

import (
	"context"

	"github.com/asakaida/kiroku/internal/entities"
	"github.com/google/uuid"
)

// EdgeRepository defines data access for relation edges. Edge insertion
// is idempotent: the store enforces a uniqueness constraint on
// (source_instance_id, field_id, target_instance_id) and duplicate
// inserts are ignored.
type EdgeRepository interface {
	// Create persists a single edge.
	Create(ctx context.Context, edge *entities.RelationEdge) error

	// BatchCreate persists multiple edges in a single transaction.
	BatchCreate(ctx context.Context, edges []*entities.RelationEdge) error

	// Reconcile makes the outgoing edge set of (sourceID, field) equal to
	// targets by set difference: stale edges are removed, new targets
	// inserted, existing ones left untouched. Runs in one transaction so
	// a reader never observes a partially reconciled set.
	Reconcile(ctx context.Context, sourceID uuid.UUID, field *entities.Field, targets []uuid.UUID) error

	// ListBySource retrieves the outgoing edges of one instance for one
	// owning field.
	ListBySource(ctx context.Context, sourceID, fieldID uuid.UUID) ([]*entities.RelationEdge, error)

	// ListBySources retrieves the outgoing edges of many instances for
	// one owning field in a single query. Used to load a whole result
	// page without per-row fan-out.
	ListBySources(ctx context.Context, sourceIDs []uuid.UUID, fieldID uuid.UUID) ([]*entities.RelationEdge, error)

	// ListByTargets retrieves edges of one owning field whose target is
	// in targetIDs. Used by many-to-many filters.
	ListByTargets(ctx context.Context, fieldID uuid.UUID, targetIDs []uuid.UUID) ([]*entities.RelationEdge, error)

	// DeleteByField removes every edge owned by a field. Used when the
	// field itself is deleted.
	DeleteByField(ctx context.Context, fieldID uuid.UUID) error
}
