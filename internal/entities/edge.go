package entities

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RelationEdge is a directed link from a source instance to a target
// instance, owned by the relation field identified by FieldID. The edge
// also carries the paired field id (when the pair exists) and the relation
// kind of the owning side.
//
// Storage enforces UNIQUE(source_instance_id, field_id, target_instance_id)
// so inserting an existing edge is a no-op rather than a duplicate; this
// makes reconciliation idempotent and safe under concurrent writers.
type RelationEdge struct {
	ID               uuid.UUID
	SourceInstanceID uuid.UUID
	TargetInstanceID uuid.UUID
	FieldID          uuid.UUID
	ReverseFieldID   *uuid.UUID
	Kind             FieldKind
	CreatedAt        time.Time
}

// String returns a compact representation for logs.
// Format: source#field->target
func (e *RelationEdge) String() string {
	return fmt.Sprintf("%s#%s->%s", e.SourceInstanceID, e.FieldID, e.TargetInstanceID)
}

// Validate checks the edge's own invariants.
func (e *RelationEdge) Validate() error {
	if e.SourceInstanceID == uuid.Nil {
		return NewValidationError("sourceInstanceId", "source instance id is required")
	}
	if e.TargetInstanceID == uuid.Nil {
		return NewValidationError("targetInstanceId", "target instance id is required")
	}
	if e.FieldID == uuid.Nil {
		return NewValidationError("fieldId", "owning field id is required")
	}
	if !e.Kind.IsRelation() {
		return NewValidationError("kind", "edge kind must be a relation kind, got %q", e.Kind)
	}
	return nil
}
