package services

import (
	"context"
	"fmt"
	"time"

	"github.com/asakaida/kiroku/internal/entities"
	"github.com/asakaida/kiroku/internal/repositories"
	"github.com/asakaida/kiroku/pkg/cache"
	"github.com/google/uuid"
)

// DefaultOptionTTL is the title cache lifetime used when none is given.
const DefaultOptionTTL = 30 * time.Second

// OptionResolverInterface defines the interface for resolving instance
// ids to {id, title} display options
type OptionResolverInterface interface {
	ResolveOptions(ctx context.Context, def *entities.EntityDefinition, ids []uuid.UUID) ([]*entities.Option, error)
}

// OptionResolver resolves instance ids to display options by reading the
// related definition's title field.
//
// Titles are cached with TTL-only staleness: a write to the related
// instance does not invalidate its cached title, so a resolved title can
// lag behind by up to the TTL. Callers that need the current value must
// read the instance itself.
type OptionResolver struct {
	instRepo repositories.InstanceRepository
	cache    cache.Cache
	ttl      time.Duration
}

// NewOptionResolver creates a new OptionResolver. The cache may be nil,
// in which case every resolution hits the store.
func NewOptionResolver(instRepo repositories.InstanceRepository, c cache.Cache, ttl time.Duration) *OptionResolver {
	if ttl <= 0 {
		ttl = DefaultOptionTTL
	}
	return &OptionResolver{instRepo: instRepo, cache: c, ttl: ttl}
}

// ResolveOptions resolves the given instance ids of one definition to
// {id, title} pairs, preserving input order. Uncached ids are loaded in
// one batch query. An id without a title value, or one whose instance no
// longer exists, falls back to the id string so a stale link is still
// renderable.
func (r *OptionResolver) ResolveOptions(ctx context.Context, def *entities.EntityDefinition, ids []uuid.UUID) ([]*entities.Option, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	titleField := entities.TitleField(def.Fields)

	titles := make(map[uuid.UUID]string, len(ids))
	var missing []uuid.UUID
	for _, id := range ids {
		if _, ok := titles[id]; ok {
			continue
		}
		if r.cache != nil {
			if cached, ok := r.cache.Get(ctx, r.cacheKey(def.ID, id)); ok {
				if title, ok := cached.(string); ok {
					titles[id] = title
					continue
				}
			}
		}
		missing = append(missing, id)
	}

	if len(missing) > 0 {
		instances, err := r.instRepo.GetByIDs(ctx, missing)
		if err != nil {
			return nil, fmt.Errorf("failed to load instances for option resolution: %w", err)
		}
		for _, instance := range instances {
			title := instanceTitle(instance, titleField)
			titles[instance.ID] = title
			if r.cache != nil {
				if err := r.cache.Set(ctx, r.cacheKey(def.ID, instance.ID), title, r.ttl); err != nil {
					return nil, fmt.Errorf("failed to cache title: %w", err)
				}
			}
		}
	}

	options := make([]*entities.Option, 0, len(ids))
	for _, id := range ids {
		title, ok := titles[id]
		if !ok || title == "" {
			title = id.String()
		}
		options = append(options, &entities.Option{ID: id, Title: title})
	}
	return options, nil
}

func (r *OptionResolver) cacheKey(definitionID, instanceID uuid.UUID) string {
	return "option:" + definitionID.String() + ":" + instanceID.String()
}

func instanceTitle(instance *entities.EntityInstance, titleField *entities.Field) string {
	if titleField == nil {
		return ""
	}
	value, ok := instance.Data[titleField.Name]
	if !ok || value == nil {
		return ""
	}
	if s, ok := value.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", value)
}
