package entities

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// FieldKind is the type of a field: a scalar kind or a relation kind.
type FieldKind string

const (
	KindString  FieldKind = "string"
	KindNumber  FieldKind = "number"
	KindBoolean FieldKind = "boolean"
	KindDate    FieldKind = "date"

	KindManyToOne  FieldKind = "manyToOne"
	KindOneToMany  FieldKind = "oneToMany"
	KindOneToOne   FieldKind = "oneToOne"
	KindManyToMany FieldKind = "manyToMany"
)

// Valid reports whether the kind is known.
func (k FieldKind) Valid() bool {
	switch k {
	case KindString, KindNumber, KindBoolean, KindDate,
		KindManyToOne, KindOneToMany, KindOneToOne, KindManyToMany:
		return true
	}
	return false
}

// IsRelation reports whether the kind links to another entity type.
func (k FieldKind) IsRelation() bool {
	switch k {
	case KindManyToOne, KindOneToMany, KindOneToOne, KindManyToMany:
		return true
	}
	return false
}

// IsSingleCardinality reports whether a field of this kind may own at most
// one outgoing edge per instance. Reconciliation replaces the edge for
// these kinds instead of appending.
func (k FieldKind) IsSingleCardinality() bool {
	return k == KindManyToOne || k == KindOneToOne
}

// PairedKind returns the kind the opposite side of a relation must have.
// manyToOne pairs with oneToMany, oneToOne with oneToOne, manyToMany with
// manyToMany. For scalar kinds it returns "".
func (k FieldKind) PairedKind() FieldKind {
	switch k {
	case KindManyToOne:
		return KindOneToMany
	case KindOneToMany:
		return KindManyToOne
	case KindOneToOne:
		return KindOneToOne
	case KindManyToMany:
		return KindManyToMany
	}
	return ""
}

// Field is one named, typed attribute or relation slot on an entity
// definition. Relation fields form a pair linked by RelationFieldID; the
// pairing is a two-node graph with an invariant checked on every write of
// either side (see ValidatePair).
type Field struct {
	ID                 uuid.UUID
	EntityDefinitionID uuid.UUID
	Name               string
	Kind               FieldKind
	DisplayIndex       int

	Required     bool
	Searchable   bool
	Filterable   bool
	ShowOnCreate bool
	ShowOnEdit   bool
	ShowInTable  bool
	IsTitle      bool

	// DefaultValue is typed to match Kind; nil means no default.
	DefaultValue interface{}

	// Relation fields only.
	RelatedEntityDefinitionID *uuid.UUID
	RelationFieldID           *uuid.UUID // paired field on the other side; nil until the pair exists
	IsRelationSource          bool       // which side owns edge creation

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate checks the field's own invariants.
func (f *Field) Validate() error {
	if f.Name == "" {
		return NewValidationError("name", "field name is required")
	}
	if f.EntityDefinitionID == uuid.Nil {
		return NewValidationError("entityDefinitionId", "entity definition id is required")
	}
	if !f.Kind.Valid() {
		return NewValidationError("kind", "unknown field kind %q", f.Kind)
	}
	if f.Kind.IsRelation() {
		if f.RelatedEntityDefinitionID == nil || *f.RelatedEntityDefinitionID == uuid.Nil {
			return NewValidationError("relatedEntityDefinitionId", "relation field requires a related entity definition")
		}
	} else {
		if f.RelatedEntityDefinitionID != nil || f.RelationFieldID != nil {
			return NewValidationError("kind", "scalar field must not carry relation metadata")
		}
		if f.DefaultValue != nil {
			if _, err := CoerceValue(f.Kind, f.DefaultValue); err != nil {
				return NewValidationError("defaultValue", "default value does not match kind %s: %v", f.Kind, err)
			}
		}
	}
	return nil
}

// ValidatePair checks the bidirectional relation invariant for a linked
// pair of fields: matching cardinalities, mutual back-pointers, mutually
// referencing definitions, and exactly one source side.
func ValidatePair(a, b *Field) error {
	if !a.Kind.IsRelation() || !b.Kind.IsRelation() {
		return NewValidationError(a.Name, "paired fields must both be relation kinds")
	}
	if b.Kind != a.Kind.PairedKind() {
		return NewValidationError(a.Name, "kind %s pairs with %s, not %s", a.Kind, a.Kind.PairedKind(), b.Kind)
	}
	if a.RelationFieldID == nil || *a.RelationFieldID != b.ID {
		return NewValidationError(a.Name, "back-pointer does not reference the paired field")
	}
	if b.RelationFieldID == nil || *b.RelationFieldID != a.ID {
		return NewValidationError(b.Name, "back-pointer does not reference the paired field")
	}
	if a.RelatedEntityDefinitionID == nil || *a.RelatedEntityDefinitionID != b.EntityDefinitionID {
		return NewValidationError(a.Name, "related definition does not match the paired field's definition")
	}
	if b.RelatedEntityDefinitionID == nil || *b.RelatedEntityDefinitionID != a.EntityDefinitionID {
		return NewValidationError(b.Name, "related definition does not match the paired field's definition")
	}
	if a.IsRelationSource == b.IsRelationSource {
		return NewValidationError(a.Name, "exactly one side of a relation pair must be the source")
	}
	return nil
}

// TitleField picks the field whose value labels an instance in selectors:
// the flagged field if one exists, otherwise the lowest display-index
// field. Returns nil when the definition has no fields.
func TitleField(fields []*Field) *Field {
	var fallback *Field
	for _, f := range fields {
		if f.IsTitle {
			return f
		}
		if f.Kind.IsRelation() {
			continue
		}
		if fallback == nil || f.DisplayIndex < fallback.DisplayIndex {
			fallback = f
		}
	}
	return fallback
}

// CoerceValue validates a raw attribute value against a scalar kind and
// returns its canonical representation: string, float64, bool, or an
// RFC 3339 string for dates. Relation kinds are rejected; relation targets
// never live in the attribute map.
func CoerceValue(kind FieldKind, value interface{}) (interface{}, error) {
	if value == nil {
		return nil, nil
	}
	switch kind {
	case KindString:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", value)
		}
		return s, nil
	case KindNumber:
		switch v := value.(type) {
		case float64:
			return v, nil
		case float32:
			return float64(v), nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		case json.Number:
			f, err := v.Float64()
			if err != nil {
				return nil, fmt.Errorf("invalid number %q", v.String())
			}
			return f, nil
		}
		return nil, fmt.Errorf("expected number, got %T", value)
	case KindBoolean:
		b, ok := value.(bool)
		if !ok {
			return nil, fmt.Errorf("expected boolean, got %T", value)
		}
		return b, nil
	case KindDate:
		switch v := value.(type) {
		case string:
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return nil, fmt.Errorf("invalid RFC 3339 date %q", v)
			}
			return t.Format(time.RFC3339), nil
		case time.Time:
			return v.Format(time.RFC3339), nil
		}
		return nil, fmt.Errorf("expected RFC 3339 date string, got %T", value)
	}
	return nil, fmt.Errorf("kind %s does not hold attribute values", kind)
}
