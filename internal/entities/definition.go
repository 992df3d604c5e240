package entities

import (
	"time"

	"github.com/google/uuid"
)

// Tier groups entity definitions for navigation purposes only.
// It has no effect on storage or query behavior.
type Tier string

const (
	TierPrimary   Tier = "primary"
	TierSecondary Tier = "secondary"
	TierTertiary  Tier = "tertiary"
)

// Valid reports whether the tier is one of the known values.
func (t Tier) Valid() bool {
	switch t {
	case TierPrimary, TierSecondary, TierTertiary:
		return true
	}
	return false
}

// Action identifies an operation on instances of an entity definition.
type Action string

const (
	ActionCreate Action = "create"
	ActionRead   Action = "read"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Permissions maps an action to a CEL expression deciding who may perform
// it. An absent or empty expression allows the action.
type Permissions map[Action]string

// DefaultPageSize is used when a definition does not specify a page size.
const DefaultPageSize = 25

// EntityDefinition is a record type defined at runtime. Instances of the
// type are validated against its fields; the storage key is referenced by
// instance rows and is immutable after creation.
type EntityDefinition struct {
	ID          uuid.UUID
	Name        string
	StorageKey  string // immutable after create
	Tier        Tier
	Permissions Permissions
	PageSize    int

	EnabledFilters        []string          // field names with filtering enabled at the definition level
	FilterableRelatedKeys []string          // storage keys of related types allowed in relation filters
	SectionTitles         map[string]string // optional display-section titles

	CreatedAt time.Time
	UpdatedAt time.Time

	// Fields is populated by GetWithFields, ordered by display index.
	Fields []*Field
}

// Validate checks the definition's own invariants.
func (d *EntityDefinition) Validate() error {
	if d.Name == "" {
		return NewValidationError("name", "name is required")
	}
	if d.StorageKey == "" {
		return NewValidationError("storageKey", "storage key is required")
	}
	if d.Tier != "" && !d.Tier.Valid() {
		return NewValidationError("tier", "unknown tier %q", d.Tier)
	}
	if d.PageSize < 0 {
		return NewValidationError("pageSize", "page size must not be negative")
	}
	return nil
}

// Permission returns the CEL expression guarding the given action, or ""
// when the action is unguarded.
func (d *EntityDefinition) Permission(action Action) string {
	if d.Permissions == nil {
		return ""
	}
	return d.Permissions[action]
}

// EffectivePageSize returns the configured page size or the default.
func (d *EntityDefinition) EffectivePageSize() int {
	if d.PageSize > 0 {
		return d.PageSize
	}
	return DefaultPageSize
}

// FieldByName returns the loaded field with the given name, or nil.
func (d *EntityDefinition) FieldByName(name string) *Field {
	for _, f := range d.Fields {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// ScalarFieldNames returns the names of all non-relation fields.
func (d *EntityDefinition) ScalarFieldNames() []string {
	var names []string
	for _, f := range d.Fields {
		if !f.Kind.IsRelation() {
			names = append(names, f.Name)
		}
	}
	return names
}
