package services

import (
	"context"
	"fmt"
	"sort"

	"github.com/asakaida/kiroku/internal/entities"
	"github.com/asakaida/kiroku/internal/repositories"
	"github.com/google/uuid"
)

// Map-backed repository fakes shared by the service tests.

type mockDefinitionRepository struct {
	defs   map[uuid.UUID]*entities.EntityDefinition
	fields *mockFieldRepository
}

func newMockDefinitionRepository(fields *mockFieldRepository) *mockDefinitionRepository {
	return &mockDefinitionRepository{
		defs:   make(map[uuid.UUID]*entities.EntityDefinition),
		fields: fields,
	}
}

func (m *mockDefinitionRepository) Create(ctx context.Context, def *entities.EntityDefinition) error {
	for _, d := range m.defs {
		if d.StorageKey == def.StorageKey {
			return fmt.Errorf("storage key %s: %w", def.StorageKey, entities.ErrConflict)
		}
	}
	if def.ID == uuid.Nil {
		def.ID = uuid.New()
	}
	m.defs[def.ID] = def
	return nil
}

func (m *mockDefinitionRepository) Update(ctx context.Context, def *entities.EntityDefinition) error {
	if _, ok := m.defs[def.ID]; !ok {
		return fmt.Errorf("definition %s: %w", def.ID, entities.ErrNotFound)
	}
	m.defs[def.ID] = def
	return nil
}

func (m *mockDefinitionRepository) Delete(ctx context.Context, id uuid.UUID) error {
	if _, ok := m.defs[id]; !ok {
		return fmt.Errorf("definition %s: %w", id, entities.ErrNotFound)
	}
	delete(m.defs, id)
	return nil
}

func (m *mockDefinitionRepository) GetByID(ctx context.Context, id uuid.UUID) (*entities.EntityDefinition, error) {
	def, ok := m.defs[id]
	if !ok {
		return nil, fmt.Errorf("definition %s: %w", id, entities.ErrNotFound)
	}
	return def, nil
}

func (m *mockDefinitionRepository) GetByStorageKey(ctx context.Context, key string) (*entities.EntityDefinition, error) {
	for _, d := range m.defs {
		if d.StorageKey == key {
			return d, nil
		}
	}
	return nil, fmt.Errorf("definition %s: %w", key, entities.ErrNotFound)
}

func (m *mockDefinitionRepository) GetWithFields(ctx context.Context, id uuid.UUID) (*entities.EntityDefinition, error) {
	def, err := m.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.fields != nil {
		fields, err := m.fields.ListByDefinition(ctx, id)
		if err != nil {
			return nil, err
		}
		def.Fields = fields
	}
	return def, nil
}

func (m *mockDefinitionRepository) List(ctx context.Context) ([]*entities.EntityDefinition, error) {
	result := make([]*entities.EntityDefinition, 0, len(m.defs))
	for _, d := range m.defs {
		result = append(result, d)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

type mockFieldRepository struct {
	fields map[uuid.UUID]*entities.Field
}

func newMockFieldRepository() *mockFieldRepository {
	return &mockFieldRepository{fields: make(map[uuid.UUID]*entities.Field)}
}

func (m *mockFieldRepository) Create(ctx context.Context, field *entities.Field) error {
	if field.ID == uuid.Nil {
		field.ID = uuid.New()
	}
	m.fields[field.ID] = field
	return nil
}

func (m *mockFieldRepository) CreatePair(ctx context.Context, source, paired *entities.Field) error {
	if source.ID == uuid.Nil {
		source.ID = uuid.New()
	}
	if paired.ID == uuid.Nil {
		paired.ID = uuid.New()
	}
	source.RelationFieldID = &paired.ID
	paired.RelationFieldID = &source.ID
	m.fields[source.ID] = source
	m.fields[paired.ID] = paired
	return nil
}

func (m *mockFieldRepository) CreateAttached(ctx context.Context, field *entities.Field, pairedID uuid.UUID) error {
	paired, ok := m.fields[pairedID]
	if !ok {
		return fmt.Errorf("field %s: %w", pairedID, entities.ErrNotFound)
	}
	if field.ID == uuid.Nil {
		field.ID = uuid.New()
	}
	field.RelationFieldID = &paired.ID
	paired.RelationFieldID = &field.ID
	m.fields[field.ID] = field
	return nil
}

func (m *mockFieldRepository) Update(ctx context.Context, field *entities.Field) error {
	if _, ok := m.fields[field.ID]; !ok {
		return fmt.Errorf("field %s: %w", field.ID, entities.ErrNotFound)
	}
	m.fields[field.ID] = field
	return nil
}

func (m *mockFieldRepository) Delete(ctx context.Context, id uuid.UUID) error {
	if _, ok := m.fields[id]; !ok {
		return fmt.Errorf("field %s: %w", id, entities.ErrNotFound)
	}
	delete(m.fields, id)
	return nil
}

func (m *mockFieldRepository) SetBackPointer(ctx context.Context, id uuid.UUID, target *uuid.UUID) error {
	field, ok := m.fields[id]
	if !ok {
		return fmt.Errorf("field %s: %w", id, entities.ErrNotFound)
	}
	field.RelationFieldID = target
	return nil
}

func (m *mockFieldRepository) GetByID(ctx context.Context, id uuid.UUID) (*entities.Field, error) {
	field, ok := m.fields[id]
	if !ok {
		return nil, fmt.Errorf("field %s: %w", id, entities.ErrNotFound)
	}
	return field, nil
}

func (m *mockFieldRepository) ListByDefinition(ctx context.Context, definitionID uuid.UUID) ([]*entities.Field, error) {
	var result []*entities.Field
	for _, f := range m.fields {
		if f.EntityDefinitionID == definitionID {
			result = append(result, f)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].DisplayIndex != result[j].DisplayIndex {
			return result[i].DisplayIndex < result[j].DisplayIndex
		}
		return result[i].Name < result[j].Name
	})
	return result, nil
}

type mockInstanceRepository struct {
	instances map[uuid.UUID]*entities.EntityInstance
	edges     *mockEdgeRepository
}

func newMockInstanceRepository(edges *mockEdgeRepository) *mockInstanceRepository {
	return &mockInstanceRepository{
		instances: make(map[uuid.UUID]*entities.EntityInstance),
		edges:     edges,
	}
}

func (m *mockInstanceRepository) Create(ctx context.Context, instance *entities.EntityInstance) error {
	if instance.ID == uuid.Nil {
		instance.ID = uuid.New()
	}
	m.instances[instance.ID] = instance
	return nil
}

func (m *mockInstanceRepository) Update(ctx context.Context, instance *entities.EntityInstance) error {
	if _, ok := m.instances[instance.ID]; !ok {
		return fmt.Errorf("instance %s: %w", instance.ID, entities.ErrNotFound)
	}
	m.instances[instance.ID] = instance
	return nil
}

func (m *mockInstanceRepository) Delete(ctx context.Context, id uuid.UUID) error {
	if _, ok := m.instances[id]; !ok {
		return fmt.Errorf("instance %s: %w", id, entities.ErrNotFound)
	}
	delete(m.instances, id)
	if m.edges != nil {
		m.edges.deleteByInstance(id)
	}
	return nil
}

func (m *mockInstanceRepository) DeleteByDefinition(ctx context.Context, definitionID uuid.UUID) error {
	for id, inst := range m.instances {
		if inst.EntityDefinitionID == definitionID {
			delete(m.instances, id)
			if m.edges != nil {
				m.edges.deleteByInstance(id)
			}
		}
	}
	return nil
}

func (m *mockInstanceRepository) GetByID(ctx context.Context, id uuid.UUID) (*entities.EntityInstance, error) {
	inst, ok := m.instances[id]
	if !ok {
		return nil, fmt.Errorf("instance %s: %w", id, entities.ErrNotFound)
	}
	return inst, nil
}

func (m *mockInstanceRepository) GetByIDs(ctx context.Context, ids []uuid.UUID) ([]*entities.EntityInstance, error) {
	var result []*entities.EntityInstance
	for _, id := range ids {
		if inst, ok := m.instances[id]; ok {
			result = append(result, inst)
		}
	}
	return result, nil
}

func (m *mockInstanceRepository) List(ctx context.Context, params *repositories.ListParams) ([]*entities.EntityInstance, error) {
	matched := m.match(params)
	sort.Slice(matched, func(i, j int) bool {
		less := matched[i].CreatedAt.Before(matched[j].CreatedAt)
		if params.OrderBy != "" {
			a := fmt.Sprintf("%v", matched[i].Data[params.OrderBy])
			b := fmt.Sprintf("%v", matched[j].Data[params.OrderBy])
			if a != b {
				less = a < b
			}
		}
		if params.OrderDesc {
			return !less
		}
		return less
	})
	offset := params.Offset
	if offset > len(matched) {
		offset = len(matched)
	}
	matched = matched[offset:]
	if params.Limit > 0 && params.Limit < len(matched) {
		matched = matched[:params.Limit]
	}
	return matched, nil
}

func (m *mockInstanceRepository) Count(ctx context.Context, params *repositories.ListParams) (int, error) {
	return len(m.match(params)), nil
}

func (m *mockInstanceRepository) CountByDefinition(ctx context.Context, definitionID uuid.UUID) (int, error) {
	count := 0
	for _, inst := range m.instances {
		if inst.EntityDefinitionID == definitionID {
			count++
		}
	}
	return count, nil
}

func (m *mockInstanceRepository) match(params *repositories.ListParams) []*entities.EntityInstance {
	var idSet map[uuid.UUID]bool
	if params.IDs != nil {
		idSet = make(map[uuid.UUID]bool, len(params.IDs))
		for _, id := range params.IDs {
			idSet[id] = true
		}
	}
	var result []*entities.EntityInstance
	for _, inst := range m.instances {
		if inst.EntityDefinitionID != params.DefinitionID {
			continue
		}
		if params.Project != "" && inst.Project != params.Project {
			continue
		}
		if idSet != nil && !idSet[inst.ID] {
			continue
		}
		if !matchConditions(inst, params.Conditions) {
			continue
		}
		result = append(result, inst)
	}
	return result
}

func matchConditions(inst *entities.EntityInstance, conditions []repositories.AttributeCondition) bool {
	for _, c := range conditions {
		value, ok := inst.Data[c.Name]
		if !ok {
			return false
		}
		got := fmt.Sprintf("%v", value)
		switch c.Operator {
		case entities.OpEq:
			if got != fmt.Sprintf("%v", c.Value) {
				return false
			}
		case entities.OpNeq:
			if got == fmt.Sprintf("%v", c.Value) {
				return false
			}
		case entities.OpIn:
			values, _ := c.Value.([]string)
			found := false
			for _, v := range values {
				if got == v {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		default:
			// Numeric and pattern operators are exercised against the
			// real store; the fake only supports equality forms.
			return false
		}
	}
	return true
}

type mockEdgeRepository struct {
	edges []*entities.RelationEdge
}

func newMockEdgeRepository() *mockEdgeRepository {
	return &mockEdgeRepository{}
}

func (m *mockEdgeRepository) Create(ctx context.Context, edge *entities.RelationEdge) error {
	for _, e := range m.edges {
		if e.SourceInstanceID == edge.SourceInstanceID && e.FieldID == edge.FieldID && e.TargetInstanceID == edge.TargetInstanceID {
			return nil
		}
	}
	if edge.ID == uuid.Nil {
		edge.ID = uuid.New()
	}
	m.edges = append(m.edges, edge)
	return nil
}

func (m *mockEdgeRepository) BatchCreate(ctx context.Context, edges []*entities.RelationEdge) error {
	for _, e := range edges {
		if err := m.Create(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func (m *mockEdgeRepository) Reconcile(ctx context.Context, sourceID uuid.UUID, field *entities.Field, targets []uuid.UUID) error {
	desired := make(map[uuid.UUID]bool, len(targets))
	for _, t := range targets {
		desired[t] = true
	}
	kept := m.edges[:0]
	for _, e := range m.edges {
		if e.SourceInstanceID == sourceID && e.FieldID == field.ID && !desired[e.TargetInstanceID] {
			continue
		}
		kept = append(kept, e)
	}
	m.edges = kept
	for _, t := range targets {
		edge := &entities.RelationEdge{
			SourceInstanceID: sourceID,
			TargetInstanceID: t,
			FieldID:          field.ID,
			ReverseFieldID:   field.RelationFieldID,
			Kind:             field.Kind,
		}
		if err := m.Create(ctx, edge); err != nil {
			return err
		}
	}
	return nil
}

func (m *mockEdgeRepository) ListBySource(ctx context.Context, sourceID, fieldID uuid.UUID) ([]*entities.RelationEdge, error) {
	var result []*entities.RelationEdge
	for _, e := range m.edges {
		if e.SourceInstanceID == sourceID && e.FieldID == fieldID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (m *mockEdgeRepository) ListBySources(ctx context.Context, sourceIDs []uuid.UUID, fieldID uuid.UUID) ([]*entities.RelationEdge, error) {
	sources := make(map[uuid.UUID]bool, len(sourceIDs))
	for _, id := range sourceIDs {
		sources[id] = true
	}
	var result []*entities.RelationEdge
	for _, e := range m.edges {
		if sources[e.SourceInstanceID] && e.FieldID == fieldID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (m *mockEdgeRepository) ListByTargets(ctx context.Context, fieldID uuid.UUID, targetIDs []uuid.UUID) ([]*entities.RelationEdge, error) {
	targets := make(map[uuid.UUID]bool, len(targetIDs))
	for _, id := range targetIDs {
		targets[id] = true
	}
	var result []*entities.RelationEdge
	for _, e := range m.edges {
		if e.FieldID == fieldID && targets[e.TargetInstanceID] {
			result = append(result, e)
		}
	}
	return result, nil
}

func (m *mockEdgeRepository) DeleteByField(ctx context.Context, fieldID uuid.UUID) error {
	kept := m.edges[:0]
	for _, e := range m.edges {
		if e.FieldID == fieldID {
			continue
		}
		kept = append(kept, e)
	}
	m.edges = kept
	return nil
}

func (m *mockEdgeRepository) deleteByInstance(id uuid.UUID) {
	kept := m.edges[:0]
	for _, e := range m.edges {
		if e.SourceInstanceID == id || e.TargetInstanceID == id {
			continue
		}
		kept = append(kept, e)
	}
	m.edges = kept
}
