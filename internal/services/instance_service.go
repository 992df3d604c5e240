package services

import (
	"context"
	"fmt"

	"github.com/asakaida/kiroku/internal/entities"
	"github.com/asakaida/kiroku/internal/repositories"
	"github.com/asakaida/kiroku/internal/services/authorization"
	"github.com/google/uuid"
)

// ReadOptions controls relation loading on single-instance reads.
type ReadOptions struct {
	// RelationFields names the relation fields to load. Nil loads none.
	RelationFields []string

	// RelationsAsIDs returns raw target-id lists instead of resolved
	// {id, title} options. Edit forms need ids to re-submit.
	RelationsAsIDs bool
}

// ListOptions controls filtering, search, ordering, pagination, and
// relation loading on instance listings.
type ListOptions struct {
	Limit  int
	Offset int

	Filters []*entities.FilterSpec

	// Search is matched case-insensitively against every field marked
	// searchable, OR across fields.
	Search string

	// OrderBy names an attribute to sort by; empty sorts by creation
	// time descending.
	OrderBy   string
	OrderDesc bool

	// IncludeRelations names the relation fields to load for the whole
	// page in one batch per field.
	IncludeRelations []string
	RelationsAsIDs   bool
}

// InstanceServiceInterface defines the interface for instance CRUD and
// relation-aware reads
type InstanceServiceInterface interface {
	CreateInstance(ctx context.Context, definitionID uuid.UUID, project string, payload map[string]interface{}, caller *authorization.Caller) (*entities.EntityInstance, error)
	UpdateInstance(ctx context.Context, id uuid.UUID, payload map[string]interface{}, caller *authorization.Caller) (*entities.EntityInstance, error)
	DeleteInstance(ctx context.Context, id uuid.UUID, caller *authorization.Caller) error
	GetInstanceByID(ctx context.Context, id uuid.UUID, opts *ReadOptions, caller *authorization.Caller) (*entities.EntityInstance, error)
	GetInstances(ctx context.Context, definitionID uuid.UUID, project string, opts *ListOptions, caller *authorization.Caller) (*entities.InstancePage, error)
}

// InstanceService manages entity instances. Writes are split into scalar
// attributes, committed to the instance row, and relation targets,
// reconciled as edges; reads optionally load edges and resolve them to
// display options.
type InstanceService struct {
	defRepo  repositories.DefinitionRepository
	instRepo repositories.InstanceRepository
	edgeRepo repositories.EdgeRepository
	compiler FilterCompilerInterface
	resolver OptionResolverInterface
	authz    authorization.Authorizer
	hook     WriteHook
}

// NewInstanceService creates a new InstanceService
func NewInstanceService(
	defRepo repositories.DefinitionRepository,
	instRepo repositories.InstanceRepository,
	edgeRepo repositories.EdgeRepository,
	compiler FilterCompilerInterface,
	resolver OptionResolverInterface,
	authz authorization.Authorizer,
	hook WriteHook,
) *InstanceService {
	return &InstanceService{
		defRepo:  defRepo,
		instRepo: instRepo,
		edgeRepo: edgeRepo,
		compiler: compiler,
		resolver: resolver,
		authz:    authz,
		hook:     hook,
	}
}

func (s *InstanceService) notify(ctx context.Context, event WriteEvent) {
	if s.hook != nil {
		s.hook(ctx, event)
	}
}

func (s *InstanceService) authorize(ctx context.Context, action entities.Action, def *entities.EntityDefinition, caller *authorization.Caller) error {
	allowed, err := s.authz.CanPerform(ctx, action, def, caller)
	if err != nil {
		return fmt.Errorf("failed to check permission: %w", err)
	}
	if !allowed {
		return fmt.Errorf("%s on %s: %w", action, def.StorageKey, entities.ErrPermissionDenied)
	}
	return nil
}

// CreateInstance creates an instance from a mixed payload of scalar
// attributes and relation targets. Unknown keys are rejected. Scalar
// values are validated against their field kinds and defaults applied;
// relation targets are checked for existence and type before any edge is
// written.
func (s *InstanceService) CreateInstance(ctx context.Context, definitionID uuid.UUID, project string, payload map[string]interface{}, caller *authorization.Caller) (*entities.EntityInstance, error) {
	def, err := s.defRepo.GetWithFields(ctx, definitionID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, entities.ActionCreate, def, caller); err != nil {
		return nil, err
	}

	scalars, relations, err := partitionPayload(def, payload)
	if err != nil {
		return nil, err
	}
	if err := applyDefaults(def, scalars); err != nil {
		return nil, err
	}
	if err := checkRequired(def, scalars); err != nil {
		return nil, err
	}
	if err := s.validateRelationTargets(ctx, def, relations); err != nil {
		return nil, err
	}

	instance := &entities.EntityInstance{
		EntityDefinitionID: def.ID,
		Project:            project,
		Data:               scalars,
	}
	if err := instance.Validate(); err != nil {
		return nil, err
	}
	if err := s.instRepo.Create(ctx, instance); err != nil {
		return nil, err
	}

	// Edge creation is idempotent, so a failure here is recoverable by
	// re-running the same update against the created instance.
	for _, field := range def.Fields {
		targets, ok := relations[field.Name]
		if !ok || len(targets) == 0 {
			continue
		}
		edges := make([]*entities.RelationEdge, 0, len(targets))
		for _, target := range targets {
			edges = append(edges, &entities.RelationEdge{
				SourceInstanceID: instance.ID,
				TargetInstanceID: target,
				FieldID:          field.ID,
				ReverseFieldID:   field.RelationFieldID,
				Kind:             field.Kind,
			})
		}
		if err := s.edgeRepo.BatchCreate(ctx, edges); err != nil {
			return nil, fmt.Errorf("failed to link %s: %w", field.Name, err)
		}
	}

	s.notify(ctx, WriteEvent{Action: entities.ActionCreate, DefinitionID: def.ID, InstanceID: instance.ID})
	return instance, nil
}

// UpdateInstance applies a partial update. Scalar attributes present in
// the payload are merged into the existing data; relation fields present
// in the payload have their edge sets reconciled by set difference.
// Fields absent from the payload are left untouched.
func (s *InstanceService) UpdateInstance(ctx context.Context, id uuid.UUID, payload map[string]interface{}, caller *authorization.Caller) (*entities.EntityInstance, error) {
	instance, err := s.instRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	def, err := s.defRepo.GetWithFields(ctx, instance.EntityDefinitionID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, entities.ActionUpdate, def, caller); err != nil {
		return nil, err
	}

	scalars, relations, err := partitionPayload(def, payload)
	if err != nil {
		return nil, err
	}
	if err := s.validateRelationTargets(ctx, def, relations); err != nil {
		return nil, err
	}

	if instance.Data == nil {
		instance.Data = make(map[string]interface{})
	}
	for name, value := range scalars {
		if value == nil {
			delete(instance.Data, name)
			continue
		}
		instance.Data[name] = value
	}
	if err := checkRequired(def, instance.Data); err != nil {
		return nil, err
	}
	if err := s.instRepo.Update(ctx, instance); err != nil {
		return nil, err
	}

	for _, field := range def.Fields {
		targets, ok := relations[field.Name]
		if !ok {
			continue
		}
		if err := s.edgeRepo.Reconcile(ctx, instance.ID, field, targets); err != nil {
			return nil, fmt.Errorf("failed to reconcile %s: %w", field.Name, err)
		}
	}

	s.notify(ctx, WriteEvent{Action: entities.ActionUpdate, DefinitionID: def.ID, InstanceID: instance.ID})
	return instance, nil
}

// DeleteInstance removes the instance and every edge referencing it.
func (s *InstanceService) DeleteInstance(ctx context.Context, id uuid.UUID, caller *authorization.Caller) error {
	instance, err := s.instRepo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	def, err := s.defRepo.GetByID(ctx, instance.EntityDefinitionID)
	if err != nil {
		return err
	}
	if err := s.authorize(ctx, entities.ActionDelete, def, caller); err != nil {
		return err
	}

	if err := s.instRepo.Delete(ctx, id); err != nil {
		return err
	}
	s.notify(ctx, WriteEvent{Action: entities.ActionDelete, DefinitionID: def.ID, InstanceID: id})
	return nil
}

// GetInstanceByID loads an instance and, for each requested relation
// field, its outgoing edges.
func (s *InstanceService) GetInstanceByID(ctx context.Context, id uuid.UUID, opts *ReadOptions, caller *authorization.Caller) (*entities.EntityInstance, error) {
	instance, err := s.instRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	def, err := s.defRepo.GetWithFields(ctx, instance.EntityDefinitionID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, entities.ActionRead, def, caller); err != nil {
		return nil, err
	}

	if opts == nil || len(opts.RelationFields) == 0 {
		return instance, nil
	}

	instance.Relations = make(map[string]interface{}, len(opts.RelationFields))
	for _, name := range opts.RelationFields {
		field := def.FieldByName(name)
		if field == nil || !field.Kind.IsRelation() {
			return nil, entities.NewValidationError(name, "unknown relation field")
		}
		edges, err := s.edgeRepo.ListBySource(ctx, instance.ID, field.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load edges for %s: %w", name, err)
		}
		targets := edgeTargets(edges)
		if opts.RelationsAsIDs {
			instance.Relations[name] = targets
			continue
		}
		options, err := s.resolveTargets(ctx, field, targets)
		if err != nil {
			return nil, err
		}
		instance.Relations[name] = options
	}
	return instance, nil
}

// GetInstances lists a page of instances. Filters are compiled first,
// then search and ordering applied, then the page loaded; edges for the
// requested relation fields are batch-loaded for the whole page at once
// instead of per row.
func (s *InstanceService) GetInstances(ctx context.Context, definitionID uuid.UUID, project string, opts *ListOptions, caller *authorization.Caller) (*entities.InstancePage, error) {
	def, err := s.defRepo.GetWithFields(ctx, definitionID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, entities.ActionRead, def, caller); err != nil {
		return nil, err
	}

	if opts == nil {
		opts = &ListOptions{}
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = def.EffectivePageSize()
	}

	compiled, err := s.compiler.Compile(ctx, def, opts.Filters)
	if err != nil {
		return nil, err
	}
	if compiled.Empty() {
		return &entities.InstancePage{
			Data:       []*entities.EntityInstance{},
			Pagination: entities.NewPagination(0, limit, opts.Offset),
		}, nil
	}

	params := &repositories.ListParams{
		DefinitionID: def.ID,
		Project:      project,
		Conditions:   compiled.Conditions,
		OrderBy:      opts.OrderBy,
		OrderDesc:    opts.OrderDesc,
		Limit:        limit,
		Offset:       opts.Offset,
	}
	if compiled.Restricted {
		params.IDs = compiled.IDs
	}
	if opts.OrderBy == "" {
		params.OrderDesc = true
	} else if def.FieldByName(opts.OrderBy) == nil {
		return nil, entities.NewValidationError(opts.OrderBy, "unknown order field")
	}
	if opts.Search != "" {
		params.Search = opts.Search
		params.SearchFields = searchableFieldNames(def)
	}

	total, err := s.instRepo.Count(ctx, params)
	if err != nil {
		return nil, err
	}
	instances, err := s.instRepo.List(ctx, params)
	if err != nil {
		return nil, err
	}

	if len(opts.IncludeRelations) > 0 && len(instances) > 0 {
		if err := s.loadPageRelations(ctx, def, instances, opts); err != nil {
			return nil, err
		}
	}

	return &entities.InstancePage{
		Data:       instances,
		Pagination: entities.NewPagination(total, limit, opts.Offset),
	}, nil
}

// loadPageRelations loads edges for every requested relation field with
// one query per field across the whole page.
func (s *InstanceService) loadPageRelations(ctx context.Context, def *entities.EntityDefinition, instances []*entities.EntityInstance, opts *ListOptions) error {
	sourceIDs := make([]uuid.UUID, 0, len(instances))
	byID := make(map[uuid.UUID]*entities.EntityInstance, len(instances))
	for _, instance := range instances {
		sourceIDs = append(sourceIDs, instance.ID)
		byID[instance.ID] = instance
		instance.Relations = make(map[string]interface{}, len(opts.IncludeRelations))
	}

	for _, name := range opts.IncludeRelations {
		field := def.FieldByName(name)
		if field == nil || !field.Kind.IsRelation() {
			return entities.NewValidationError(name, "unknown relation field")
		}
		edges, err := s.edgeRepo.ListBySources(ctx, sourceIDs, field.ID)
		if err != nil {
			return fmt.Errorf("failed to load edges for %s: %w", name, err)
		}

		targetsBySource := make(map[uuid.UUID][]uuid.UUID)
		for _, edge := range edges {
			targetsBySource[edge.SourceInstanceID] = append(targetsBySource[edge.SourceInstanceID], edge.TargetInstanceID)
		}

		if opts.RelationsAsIDs {
			for _, instance := range instances {
				targets := targetsBySource[instance.ID]
				if targets == nil {
					targets = []uuid.UUID{}
				}
				instance.Relations[name] = targets
			}
			continue
		}

		// Resolve every distinct target on the page in one batch, then
		// fan the options back out per instance.
		options, err := s.resolveTargets(ctx, field, distinctTargets(edges))
		if err != nil {
			return err
		}
		byTarget := make(map[uuid.UUID]*entities.Option, len(options))
		for _, option := range options {
			byTarget[option.ID] = option
		}
		for _, instance := range instances {
			resolved := make([]*entities.Option, 0, len(targetsBySource[instance.ID]))
			for _, target := range targetsBySource[instance.ID] {
				if option, ok := byTarget[target]; ok {
					resolved = append(resolved, option)
				}
			}
			instance.Relations[name] = resolved
		}
	}
	return nil
}

func (s *InstanceService) resolveTargets(ctx context.Context, field *entities.Field, targets []uuid.UUID) ([]*entities.Option, error) {
	if len(targets) == 0 {
		return []*entities.Option{}, nil
	}
	related, err := s.defRepo.GetWithFields(ctx, *field.RelatedEntityDefinitionID)
	if err != nil {
		return nil, fmt.Errorf("related definition for %s: %w", field.Name, err)
	}
	options, err := s.resolver.ResolveOptions(ctx, related, targets)
	if err != nil {
		return nil, err
	}
	return options, nil
}

// validateRelationTargets checks every supplied target: cardinality of
// the owning field, target existence, and target type.
func (s *InstanceService) validateRelationTargets(ctx context.Context, def *entities.EntityDefinition, relations map[string][]uuid.UUID) error {
	for name, targets := range relations {
		field := def.FieldByName(name)
		if field.Kind.IsSingleCardinality() && len(targets) > 1 {
			return entities.NewValidationError(name, "%s field accepts at most one target, got %d", field.Kind, len(targets))
		}
		if len(targets) == 0 {
			continue
		}
		found, err := s.instRepo.GetByIDs(ctx, targets)
		if err != nil {
			return fmt.Errorf("failed to load relation targets for %s: %w", name, err)
		}
		byID := make(map[uuid.UUID]*entities.EntityInstance, len(found))
		for _, instance := range found {
			byID[instance.ID] = instance
		}
		for _, target := range targets {
			instance, ok := byID[target]
			if !ok {
				return entities.NewValidationError(name, "target %s does not exist", target)
			}
			if instance.EntityDefinitionID != *field.RelatedEntityDefinitionID {
				return entities.NewValidationError(name, "target %s is not an instance of the related type", target)
			}
		}
	}
	return nil
}

// partitionPayload splits a payload into coerced scalar attributes and
// normalized relation target lists. Unknown keys are rejected; silently
// dropping them would hide caller bugs.
func partitionPayload(def *entities.EntityDefinition, payload map[string]interface{}) (map[string]interface{}, map[string][]uuid.UUID, error) {
	scalars := make(map[string]interface{})
	relations := make(map[string][]uuid.UUID)

	for key, value := range payload {
		field := def.FieldByName(key)
		if field == nil {
			return nil, nil, entities.NewValidationError(key, "unknown field")
		}
		if field.Kind.IsRelation() {
			targets, err := normalizeTargets(value)
			if err != nil {
				return nil, nil, entities.NewValidationError(key, "invalid relation target: %v", err)
			}
			relations[key] = targets
			continue
		}
		coerced, err := entities.CoerceValue(field.Kind, value)
		if err != nil {
			return nil, nil, entities.NewValidationError(key, "value does not match kind %s: %v", field.Kind, err)
		}
		scalars[key] = coerced
	}
	return scalars, relations, nil
}

// normalizeTargets coerces a relation value to a list of target ids. A
// single id or nil becomes a 0-or-1-element list.
func normalizeTargets(value interface{}) ([]uuid.UUID, error) {
	switch v := value.(type) {
	case nil:
		return []uuid.UUID{}, nil
	case uuid.UUID:
		return []uuid.UUID{v}, nil
	case string:
		if v == "" {
			return []uuid.UUID{}, nil
		}
		id, err := uuid.Parse(v)
		if err != nil {
			return nil, err
		}
		return []uuid.UUID{id}, nil
	case []uuid.UUID:
		return v, nil
	case []string:
		targets := make([]uuid.UUID, 0, len(v))
		for _, s := range v {
			id, err := uuid.Parse(s)
			if err != nil {
				return nil, err
			}
			targets = append(targets, id)
		}
		return targets, nil
	case []interface{}:
		targets := make([]uuid.UUID, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("expected an id string, got %T", item)
			}
			id, err := uuid.Parse(s)
			if err != nil {
				return nil, err
			}
			targets = append(targets, id)
		}
		return targets, nil
	}
	return nil, fmt.Errorf("expected an id or a list of ids, got %T", value)
}

// applyDefaults fills absent scalar attributes that declare a default.
func applyDefaults(def *entities.EntityDefinition, scalars map[string]interface{}) error {
	for _, field := range def.Fields {
		if field.Kind.IsRelation() || field.DefaultValue == nil {
			continue
		}
		if _, ok := scalars[field.Name]; ok {
			continue
		}
		coerced, err := entities.CoerceValue(field.Kind, field.DefaultValue)
		if err != nil {
			return entities.NewValidationError(field.Name, "default value does not match kind %s: %v", field.Kind, err)
		}
		scalars[field.Name] = coerced
	}
	return nil
}

// checkRequired verifies every required scalar field has a value.
func checkRequired(def *entities.EntityDefinition, scalars map[string]interface{}) error {
	for _, field := range def.Fields {
		if field.Kind.IsRelation() || !field.Required {
			continue
		}
		value, ok := scalars[field.Name]
		if !ok || value == nil {
			return entities.NewValidationError(field.Name, "field is required")
		}
	}
	return nil
}

func searchableFieldNames(def *entities.EntityDefinition) []string {
	var names []string
	for _, field := range def.Fields {
		if !field.Kind.IsRelation() && field.Searchable {
			names = append(names, field.Name)
		}
	}
	return names
}

func edgeTargets(edges []*entities.RelationEdge) []uuid.UUID {
	targets := make([]uuid.UUID, 0, len(edges))
	for _, edge := range edges {
		targets = append(targets, edge.TargetInstanceID)
	}
	return targets
}

func distinctTargets(edges []*entities.RelationEdge) []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(edges))
	var targets []uuid.UUID
	for _, edge := range edges {
		if seen[edge.TargetInstanceID] {
			continue
		}
		seen[edge.TargetInstanceID] = true
		targets = append(targets, edge.TargetInstanceID)
	}
	return targets
}
