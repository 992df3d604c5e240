package entities

import "github.com/google/uuid"

// FilterOperator is a predicate operator on a scalar attribute.
type FilterOperator string

const (
	OpEq    FilterOperator = "eq"
	OpNeq   FilterOperator = "neq"
	OpGt    FilterOperator = "gt"
	OpLt    FilterOperator = "lt"
	OpGte   FilterOperator = "gte"
	OpLte   FilterOperator = "lte"
	OpLike  FilterOperator = "like"
	OpILike FilterOperator = "ilike"
	OpIn    FilterOperator = "in"
)

// Valid reports whether the operator is known.
func (op FilterOperator) Valid() bool {
	switch op {
	case OpEq, OpNeq, OpGt, OpLt, OpGte, OpLte, OpLike, OpILike, OpIn:
		return true
	}
	return false
}

// FilterMode selects set-membership semantics for many-to-many filters.
type FilterMode string

const (
	// ModeOr matches instances linked to at least one of the values.
	ModeOr FilterMode = "or"
	// ModeAnd matches instances linked to every one of the values.
	ModeAnd FilterMode = "and"
)

// FilterSpec is one declarative filter. The referenced field's kind
// determines how the spec is interpreted:
//
//   - scalar field: Operator and Value form a direct predicate;
//   - single-cardinality relation field: Value is the exact target id;
//   - manyToMany field: Values plus Mode form a set-membership test.
//
// Specs in a list are conjunctive; ordering does not affect correctness.
type FilterSpec struct {
	Field    string         `json:"field"`
	Operator FilterOperator `json:"operator,omitempty"`
	Value    interface{}    `json:"value,omitempty"`
	Values   []uuid.UUID    `json:"values,omitempty"`
	Mode     FilterMode     `json:"mode,omitempty"`
}
