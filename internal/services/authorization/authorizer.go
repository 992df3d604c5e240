package authorization

import (
	"context"
	"fmt"

	"github.com/asakaida/kiroku/internal/entities"
)

// Caller identifies who is performing an operation. It is resolved by the
// surrounding transport layer and passed through; this package never
// inspects tokens or sessions.
type Caller struct {
	ID         string
	Roles      []string
	Attributes map[string]interface{}
}

// Authorizer decides whether a caller may perform an action on instances
// of an entity definition. Services receive it injected; production wires
// the CEL implementation, tests wire fakes.
type Authorizer interface {
	CanPerform(ctx context.Context, action entities.Action, def *entities.EntityDefinition, caller *Caller) (bool, error)
}

// CELAuthorizer evaluates the definition's per-operation permission
// expression. An absent or empty expression allows the action.
type CELAuthorizer struct {
	engine *CELEngine
}

// NewCELAuthorizer creates a CELAuthorizer.
func NewCELAuthorizer() (*CELAuthorizer, error) {
	engine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &CELAuthorizer{engine: engine}, nil
}

// CanPerform evaluates the permission expression guarding action on def.
func (a *CELAuthorizer) CanPerform(ctx context.Context, action entities.Action, def *entities.EntityDefinition, caller *Caller) (bool, error) {
	expression := def.Permission(action)
	if expression == "" {
		return true, nil
	}

	subject := map[string]interface{}{}
	if caller != nil {
		subject["id"] = caller.ID
		subject["roles"] = caller.Roles
		for k, v := range caller.Attributes {
			subject[k] = v
		}
	}

	allowed, err := a.engine.Evaluate(expression, &EvaluationContext{
		Resource: map[string]interface{}{
			"id":         def.ID.String(),
			"name":       def.Name,
			"storageKey": def.StorageKey,
			"tier":       string(def.Tier),
		},
		Subject: subject,
		Request: map[string]interface{}{
			"action": string(action),
		},
	})
	if err != nil {
		return false, fmt.Errorf("failed to evaluate permission for %s on %s: %w", action, def.StorageKey, err)
	}
	return allowed, nil
}

// AllowAll is an Authorizer that permits every operation. Useful for
// embedding and for callers that enforce permissions upstream.
type AllowAll struct{}

// CanPerform always returns true.
func (AllowAll) CanPerform(ctx context.Context, action entities.Action, def *entities.EntityDefinition, caller *Caller) (bool, error) {
	return true, nil
}
