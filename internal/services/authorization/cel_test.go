package authorization

import (
	"context"
	"testing"

	"github.com/asakaida/kiroku/internal/entities"
	"github.com/google/uuid"
)

func TestCELEngine_Evaluate(t *testing.T) {
	engine, err := NewCELEngine()
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	tests := []struct {
		name       string
		expression string
		context    *EvaluationContext
		want       bool
		wantErr    bool
	}{
		{
			name:       "subject role check",
			expression: `"admin" in subject.roles`,
			context: &EvaluationContext{
				Subject: map[string]interface{}{"roles": []string{"editor", "admin"}},
			},
			want: true,
		},
		{
			name:       "role missing",
			expression: `"admin" in subject.roles`,
			context: &EvaluationContext{
				Subject: map[string]interface{}{"roles": []string{"viewer"}},
			},
			want: false,
		},
		{
			name:       "resource attribute comparison",
			expression: `resource.tier == "primary" && request.action == "read"`,
			context: &EvaluationContext{
				Resource: map[string]interface{}{"tier": "primary"},
				Request:  map[string]interface{}{"action": "read"},
			},
			want: true,
		},
		{
			name:       "non-boolean result",
			expression: `resource.tier`,
			context: &EvaluationContext{
				Resource: map[string]interface{}{"tier": "primary"},
			},
			wantErr: true,
		},
		{
			name:       "compile error",
			expression: `subject.roles ==`,
			context:    &EvaluationContext{},
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := engine.Evaluate(tt.expression, tt.context)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Evaluate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCELEngine_ValidateExpression(t *testing.T) {
	engine, err := NewCELEngine()
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	if err := engine.ValidateExpression(`subject.id == "alice"`); err != nil {
		t.Errorf("unexpected error for valid expression: %v", err)
	}
	if err := engine.ValidateExpression(`subject.id`); err == nil {
		t.Error("expected error for non-boolean expression")
	}
	if err := engine.ValidateExpression(`== nonsense`); err == nil {
		t.Error("expected error for unparsable expression")
	}
}

func TestCELAuthorizer_CanPerform(t *testing.T) {
	authz, err := NewCELAuthorizer()
	if err != nil {
		t.Fatalf("failed to create authorizer: %v", err)
	}
	ctx := context.Background()

	def := &entities.EntityDefinition{
		ID:         uuid.New(),
		Name:       "Post",
		StorageKey: "posts",
		Tier:       entities.TierPrimary,
		Permissions: entities.Permissions{
			entities.ActionDelete: `"admin" in subject.roles`,
		},
	}

	t.Run("empty expression allows", func(t *testing.T) {
		allowed, err := authz.CanPerform(ctx, entities.ActionRead, def, &Caller{ID: "alice"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !allowed {
			t.Error("expected unguarded action to be allowed")
		}
	})

	t.Run("expression denies", func(t *testing.T) {
		allowed, err := authz.CanPerform(ctx, entities.ActionDelete, def, &Caller{ID: "alice", Roles: []string{"editor"}})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if allowed {
			t.Error("expected delete to be denied for non-admin")
		}
	})

	t.Run("expression allows", func(t *testing.T) {
		allowed, err := authz.CanPerform(ctx, entities.ActionDelete, def, &Caller{ID: "bob", Roles: []string{"admin"}})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !allowed {
			t.Error("expected delete to be allowed for admin")
		}
	})
}
