package services

import (
	"context"
	"fmt"

	"github.com/asakaida/kiroku/internal/entities"
	"github.com/asakaida/kiroku/internal/repositories"
	"github.com/asakaida/kiroku/internal/services/authorization"
	"github.com/google/uuid"
)

// WriteEvent describes a successful mutation, passed to the write hook.
type WriteEvent struct {
	Action       entities.Action
	DefinitionID uuid.UUID
	InstanceID   uuid.UUID
}

// WriteHook is invoked after every successful write. Callers use it for
// audit logging and cache invalidation; a nil hook is ignored.
type WriteHook func(ctx context.Context, event WriteEvent)

// SchemaServiceInterface defines the interface for entity definition and
// field management operations
type SchemaServiceInterface interface {
	CreateDefinition(ctx context.Context, def *entities.EntityDefinition, caller *authorization.Caller) error
	UpdateDefinition(ctx context.Context, def *entities.EntityDefinition, caller *authorization.Caller) error
	DeleteDefinition(ctx context.Context, id uuid.UUID, cascade bool, caller *authorization.Caller) error
	GetDefinition(ctx context.Context, id uuid.UUID) (*entities.EntityDefinition, error)
	GetDefinitionWithFields(ctx context.Context, id uuid.UUID) (*entities.EntityDefinition, error)
	ListDefinitions(ctx context.Context) ([]*entities.EntityDefinition, error)
	CreateField(ctx context.Context, field *entities.Field, caller *authorization.Caller) error
	UpdateField(ctx context.Context, field *entities.Field, caller *authorization.Caller) error
	DeleteField(ctx context.Context, id uuid.UUID, caller *authorization.Caller) error
}

// SchemaService manages entity definitions and their fields
type SchemaService struct {
	defRepo   repositories.DefinitionRepository
	fieldRepo repositories.FieldRepository
	instRepo  repositories.InstanceRepository
	edgeRepo  repositories.EdgeRepository
	authz     authorization.Authorizer
	hook      WriteHook
}

// NewSchemaService creates a new SchemaService
func NewSchemaService(
	defRepo repositories.DefinitionRepository,
	fieldRepo repositories.FieldRepository,
	instRepo repositories.InstanceRepository,
	edgeRepo repositories.EdgeRepository,
	authz authorization.Authorizer,
	hook WriteHook,
) *SchemaService {
	return &SchemaService{
		defRepo:   defRepo,
		fieldRepo: fieldRepo,
		instRepo:  instRepo,
		edgeRepo:  edgeRepo,
		authz:     authz,
		hook:      hook,
	}
}

func (s *SchemaService) notify(ctx context.Context, event WriteEvent) {
	if s.hook != nil {
		s.hook(ctx, event)
	}
}

func (s *SchemaService) authorize(ctx context.Context, action entities.Action, def *entities.EntityDefinition, caller *authorization.Caller) error {
	allowed, err := s.authz.CanPerform(ctx, action, def, caller)
	if err != nil {
		return fmt.Errorf("failed to check permission: %w", err)
	}
	if !allowed {
		return fmt.Errorf("%s on %s: %w", action, def.StorageKey, entities.ErrPermissionDenied)
	}
	return nil
}

// CreateDefinition creates a new entity definition
func (s *SchemaService) CreateDefinition(ctx context.Context, def *entities.EntityDefinition, caller *authorization.Caller) error {
	if err := def.Validate(); err != nil {
		return err
	}
	if err := s.authorize(ctx, entities.ActionCreate, def, caller); err != nil {
		return err
	}
	if err := s.defRepo.Create(ctx, def); err != nil {
		return err
	}
	s.notify(ctx, WriteEvent{Action: entities.ActionCreate, DefinitionID: def.ID})
	return nil
}

// UpdateDefinition updates an entity definition. The storage key is
// immutable: instances already reference it.
func (s *SchemaService) UpdateDefinition(ctx context.Context, def *entities.EntityDefinition, caller *authorization.Caller) error {
	if err := def.Validate(); err != nil {
		return err
	}

	existing, err := s.defRepo.GetByID(ctx, def.ID)
	if err != nil {
		return err
	}
	if def.StorageKey != existing.StorageKey {
		return entities.NewValidationError("storageKey", "storage key is immutable")
	}
	if err := s.authorize(ctx, entities.ActionUpdate, existing, caller); err != nil {
		return err
	}

	if err := s.defRepo.Update(ctx, def); err != nil {
		return err
	}
	s.notify(ctx, WriteEvent{Action: entities.ActionUpdate, DefinitionID: def.ID})
	return nil
}

// DeleteDefinition deletes an entity definition. It fails with Conflict
// when instances of the type exist, unless cascade is requested; cascade
// destroys the instances (and their edges) first.
func (s *SchemaService) DeleteDefinition(ctx context.Context, id uuid.UUID, cascade bool, caller *authorization.Caller) error {
	def, err := s.defRepo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.authorize(ctx, entities.ActionDelete, def, caller); err != nil {
		return err
	}

	count, err := s.instRepo.CountByDefinition(ctx, id)
	if err != nil {
		return err
	}
	if count > 0 {
		if !cascade {
			return fmt.Errorf("definition %s has %d live instances: %w", def.StorageKey, count, entities.ErrConflict)
		}
		if err := s.instRepo.DeleteByDefinition(ctx, id); err != nil {
			return err
		}
	}

	if err := s.defRepo.Delete(ctx, id); err != nil {
		return err
	}
	s.notify(ctx, WriteEvent{Action: entities.ActionDelete, DefinitionID: id})
	return nil
}

// GetDefinition retrieves a definition without its fields
func (s *SchemaService) GetDefinition(ctx context.Context, id uuid.UUID) (*entities.EntityDefinition, error) {
	return s.defRepo.GetByID(ctx, id)
}

// GetDefinitionWithFields retrieves a definition with its fields sorted
// by display index
func (s *SchemaService) GetDefinitionWithFields(ctx context.Context, id uuid.UUID) (*entities.EntityDefinition, error) {
	return s.defRepo.GetWithFields(ctx, id)
}

// ListDefinitions retrieves all definitions
func (s *SchemaService) ListDefinitions(ctx context.Context) ([]*entities.EntityDefinition, error) {
	return s.defRepo.List(ctx)
}

// CreateField creates a field on an entity definition. For relation kinds
// the field either attaches to an existing paired field or the paired
// field is synthesized on the related definition; both paths are atomic,
// so a relation field is never left half-created.
func (s *SchemaService) CreateField(ctx context.Context, field *entities.Field, caller *authorization.Caller) error {
	if err := field.Validate(); err != nil {
		return err
	}

	def, err := s.defRepo.GetWithFields(ctx, field.EntityDefinitionID)
	if err != nil {
		return err
	}
	if err := s.authorize(ctx, entities.ActionUpdate, def, caller); err != nil {
		return err
	}
	if err := checkTitleUnique(def.Fields, field); err != nil {
		return err
	}

	if !field.Kind.IsRelation() {
		if err := s.fieldRepo.Create(ctx, field); err != nil {
			return err
		}
		s.notify(ctx, WriteEvent{Action: entities.ActionUpdate, DefinitionID: def.ID})
		return nil
	}

	related, err := s.defRepo.GetByID(ctx, *field.RelatedEntityDefinitionID)
	if err != nil {
		return fmt.Errorf("related definition: %w", err)
	}

	if field.RelationFieldID != nil {
		// Attach to an existing paired field.
		paired, err := s.fieldRepo.GetByID(ctx, *field.RelationFieldID)
		if err != nil {
			return fmt.Errorf("paired field: %w", err)
		}
		if paired.Kind != field.Kind.PairedKind() {
			return entities.NewValidationError(field.Name,
				"kind %s pairs with %s, but field %q is %s", field.Kind, field.Kind.PairedKind(), paired.Name, paired.Kind)
		}
		if paired.EntityDefinitionID != related.ID {
			return entities.NewValidationError(field.Name, "paired field belongs to a different definition")
		}
		if paired.RelationFieldID != nil {
			return fmt.Errorf("field %q is already paired: %w", paired.Name, entities.ErrConflict)
		}
		field.IsRelationSource = !paired.IsRelationSource
		if err := s.fieldRepo.CreateAttached(ctx, field, paired.ID); err != nil {
			return err
		}
	} else {
		// Synthesize the paired field on the related definition. Creating
		// a "one owns many" field also creates the "many belong to one"
		// field on the other side.
		field.IsRelationSource = true
		paired := &entities.Field{
			EntityDefinitionID:        related.ID,
			Name:                      def.StorageKey,
			Kind:                      field.Kind.PairedKind(),
			RelatedEntityDefinitionID: &def.ID,
			ShowOnEdit:                true,
		}
		if err := s.fieldRepo.CreatePair(ctx, field, paired); err != nil {
			return err
		}
	}

	s.notify(ctx, WriteEvent{Action: entities.ActionUpdate, DefinitionID: def.ID})
	return nil
}

// UpdateField updates a field. The kind is immutable; for relation fields
// the pairing invariant is re-checked after the change.
func (s *SchemaService) UpdateField(ctx context.Context, field *entities.Field, caller *authorization.Caller) error {
	if err := field.Validate(); err != nil {
		return err
	}

	existing, err := s.fieldRepo.GetByID(ctx, field.ID)
	if err != nil {
		return err
	}
	if field.Kind != existing.Kind {
		return entities.NewValidationError("kind", "field kind is immutable")
	}

	def, err := s.defRepo.GetWithFields(ctx, existing.EntityDefinitionID)
	if err != nil {
		return err
	}
	if err := s.authorize(ctx, entities.ActionUpdate, def, caller); err != nil {
		return err
	}
	if err := checkTitleUnique(def.Fields, field); err != nil {
		return err
	}

	if field.Kind.IsRelation() && field.RelationFieldID != nil {
		paired, err := s.fieldRepo.GetByID(ctx, *field.RelationFieldID)
		if err != nil {
			return fmt.Errorf("paired field: %w", err)
		}
		if err := entities.ValidatePair(field, paired); err != nil {
			return err
		}
	}

	if err := s.fieldRepo.Update(ctx, field); err != nil {
		return err
	}
	s.notify(ctx, WriteEvent{Action: entities.ActionUpdate, DefinitionID: def.ID})
	return nil
}

// DeleteField deletes a field. A relation field's edges are removed and
// the paired field's back-pointer is cleared.
func (s *SchemaService) DeleteField(ctx context.Context, id uuid.UUID, caller *authorization.Caller) error {
	field, err := s.fieldRepo.GetByID(ctx, id)
	if err != nil {
		return err
	}

	def, err := s.defRepo.GetByID(ctx, field.EntityDefinitionID)
	if err != nil {
		return err
	}
	if err := s.authorize(ctx, entities.ActionUpdate, def, caller); err != nil {
		return err
	}

	if field.Kind.IsRelation() {
		if err := s.edgeRepo.DeleteByField(ctx, field.ID); err != nil {
			return err
		}
		if field.RelationFieldID != nil {
			if err := s.fieldRepo.SetBackPointer(ctx, *field.RelationFieldID, nil); err != nil {
				return err
			}
		}
	}

	if err := s.fieldRepo.Delete(ctx, id); err != nil {
		return err
	}
	s.notify(ctx, WriteEvent{Action: entities.ActionUpdate, DefinitionID: def.ID})
	return nil
}

// checkTitleUnique rejects marking a second field as the title field.
func checkTitleUnique(fields []*entities.Field, candidate *entities.Field) error {
	if !candidate.IsTitle {
		return nil
	}
	for _, f := range fields {
		if f.IsTitle && f.ID != candidate.ID {
			return entities.NewValidationError(candidate.Name,
				"definition already has title field %q", f.Name)
		}
	}
	return nil
}
