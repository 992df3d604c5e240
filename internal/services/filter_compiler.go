package services

import (
	"context"
	"fmt"

	"github.com/asakaida/kiroku/internal/entities"
	"github.com/asakaida/kiroku/internal/repositories"
	"github.com/google/uuid"
)

// CompiledFilter is the result of compiling filter specs against an
// entity definition: scalar predicates pushed down into the store query,
// plus an optional instance-id restriction produced by relation filters.
type CompiledFilter struct {
	Conditions []repositories.AttributeCondition

	// IDs restricts the result set when Restricted is true. A restricted
	// filter with no ids matches nothing, never everything.
	IDs        []uuid.UUID
	Restricted bool
}

// Empty reports whether the filter can match no instance at all, letting
// the caller skip the store query entirely.
func (c *CompiledFilter) Empty() bool {
	return c.Restricted && len(c.IDs) == 0
}

// FilterCompilerInterface defines the interface for compiling declarative
// filter specs into store-level predicates
type FilterCompilerInterface interface {
	Compile(ctx context.Context, def *entities.EntityDefinition, specs []*entities.FilterSpec) (*CompiledFilter, error)
}

// FilterCompiler turns declarative filter specs into attribute conditions
// and relation-edge id sets. Scalar predicates go to the store as-is;
// relation predicates are resolved against the edge store up front and
// intersected into one id restriction.
type FilterCompiler struct {
	edgeRepo repositories.EdgeRepository
}

// NewFilterCompiler creates a new FilterCompiler
func NewFilterCompiler(edgeRepo repositories.EdgeRepository) *FilterCompiler {
	return &FilterCompiler{edgeRepo: edgeRepo}
}

// Compile validates each spec against the definition's fields and
// compiles it. All specs are conjunctive.
func (c *FilterCompiler) Compile(ctx context.Context, def *entities.EntityDefinition, specs []*entities.FilterSpec) (*CompiledFilter, error) {
	compiled := &CompiledFilter{}

	for _, spec := range specs {
		field := def.FieldByName(spec.Field)
		if field == nil {
			return nil, entities.NewValidationError(spec.Field, "unknown filter field")
		}
		if !field.Filterable {
			return nil, entities.NewValidationError(spec.Field, "field is not filterable")
		}

		if field.Kind.IsRelation() {
			ids, err := c.compileRelation(ctx, field, spec)
			if err != nil {
				return nil, err
			}
			compiled.restrict(ids)
			if compiled.Empty() {
				return compiled, nil
			}
			continue
		}

		condition, err := compileScalar(field, spec)
		if err != nil {
			return nil, err
		}
		compiled.Conditions = append(compiled.Conditions, condition)
	}

	return compiled, nil
}

// restrict intersects the current id restriction with another id set.
func (c *CompiledFilter) restrict(ids []uuid.UUID) {
	if !c.Restricted {
		c.IDs = ids
		c.Restricted = true
		return
	}
	allowed := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		allowed[id] = true
	}
	var kept []uuid.UUID
	for _, id := range c.IDs {
		if allowed[id] {
			kept = append(kept, id)
		}
	}
	c.IDs = kept
}

func compileScalar(field *entities.Field, spec *entities.FilterSpec) (repositories.AttributeCondition, error) {
	condition := repositories.AttributeCondition{
		Name:     field.Name,
		Operator: spec.Operator,
	}

	switch spec.Operator {
	case entities.OpIn:
		// "in" always compares as text; a numeric cast on the attribute
		// would not match the text array parameter.
		values, err := stringList(spec.Value)
		if err != nil {
			return condition, entities.NewValidationError(spec.Field, "in operator requires a list of values: %v", err)
		}
		condition.Value = values
		return condition, nil
	case entities.OpLike, entities.OpILike:
		s, ok := spec.Value.(string)
		if !ok {
			return condition, entities.NewValidationError(spec.Field, "pattern operator requires a string, got %T", spec.Value)
		}
		condition.Value = s
		return condition, nil
	case entities.OpEq, entities.OpNeq, entities.OpGt, entities.OpLt, entities.OpGte, entities.OpLte:
	default:
		return condition, entities.NewValidationError(spec.Field, "unknown operator %q", spec.Operator)
	}

	value, err := entities.CoerceValue(field.Kind, spec.Value)
	if err != nil {
		return condition, entities.NewValidationError(spec.Field, "filter value does not match kind %s: %v", field.Kind, err)
	}
	condition.Value = value
	condition.Numeric = field.Kind == entities.KindNumber
	return condition, nil
}

// compileRelation resolves a relation filter to the set of matching
// source-instance ids.
func (c *FilterCompiler) compileRelation(ctx context.Context, field *entities.Field, spec *entities.FilterSpec) ([]uuid.UUID, error) {
	if field.Kind == entities.KindManyToMany {
		return c.compileManyToMany(ctx, field, spec)
	}

	// Single-cardinality relation: exact match on the current target.
	target, err := uuidValue(spec)
	if err != nil {
		return nil, entities.NewValidationError(spec.Field, "relation filter requires a target id: %v", err)
	}
	edges, err := c.edgeRepo.ListByTargets(ctx, field.ID, []uuid.UUID{target})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve relation filter on %s: %w", field.Name, err)
	}
	return edgeSources(edges), nil
}

// compileManyToMany resolves a many-to-many filter. Mode "or" matches
// instances with an edge to at least one value; mode "and" matches
// instances with an edge to every value, tested by counting distinct
// matched targets per source. An empty edge result matches nothing.
func (c *FilterCompiler) compileManyToMany(ctx context.Context, field *entities.Field, spec *entities.FilterSpec) ([]uuid.UUID, error) {
	if len(spec.Values) == 0 {
		return nil, entities.NewValidationError(spec.Field, "many-to-many filter requires at least one value")
	}
	mode := spec.Mode
	if mode == "" {
		mode = entities.ModeOr
	}
	if mode != entities.ModeOr && mode != entities.ModeAnd {
		return nil, entities.NewValidationError(spec.Field, "unknown filter mode %q", spec.Mode)
	}

	edges, err := c.edgeRepo.ListByTargets(ctx, field.ID, spec.Values)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve many-to-many filter on %s: %w", field.Name, err)
	}

	if mode == entities.ModeOr {
		return edgeSources(edges), nil
	}

	matched := make(map[uuid.UUID]map[uuid.UUID]bool)
	for _, edge := range edges {
		targets := matched[edge.SourceInstanceID]
		if targets == nil {
			targets = make(map[uuid.UUID]bool)
			matched[edge.SourceInstanceID] = targets
		}
		targets[edge.TargetInstanceID] = true
	}

	var sources []uuid.UUID
	for source, targets := range matched {
		if len(targets) == len(spec.Values) {
			sources = append(sources, source)
		}
	}
	return sources, nil
}

// edgeSources returns the distinct source ids of the edges, in edge order.
func edgeSources(edges []*entities.RelationEdge) []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(edges))
	var sources []uuid.UUID
	for _, edge := range edges {
		if seen[edge.SourceInstanceID] {
			continue
		}
		seen[edge.SourceInstanceID] = true
		sources = append(sources, edge.SourceInstanceID)
	}
	return sources
}

func uuidValue(spec *entities.FilterSpec) (uuid.UUID, error) {
	if len(spec.Values) == 1 {
		return spec.Values[0], nil
	}
	if len(spec.Values) > 1 {
		return uuid.Nil, fmt.Errorf("expected exactly one value, got %d", len(spec.Values))
	}
	s, ok := spec.Value.(string)
	if !ok {
		return uuid.Nil, fmt.Errorf("expected an id string, got %T", spec.Value)
	}
	return uuid.Parse(s)
}

func stringList(value interface{}) ([]string, error) {
	switch v := value.(type) {
	case []string:
		return v, nil
	case []interface{}:
		result := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				result = append(result, fmt.Sprintf("%v", item))
				continue
			}
			result = append(result, s)
		}
		return result, nil
	}
	return nil, fmt.Errorf("expected a list, got %T", value)
}
