package authorization

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// CELEngine evaluates the permission expressions attached to entity
// definitions. An expression sees three maps: the caller (subject), the
// entity definition being acted on (resource), and request context.
type CELEngine struct {
	env *cel.Env
}

// EvaluationContext contains the context data for CEL evaluation
type EvaluationContext struct {
	Resource map[string]interface{} // Definition attributes (e.g., resource.storageKey, resource.tier)
	Subject  map[string]interface{} // Caller attributes (e.g., subject.id, subject.roles)
	Request  map[string]interface{} // Request context (e.g., request.action, request.project)
}

// NewCELEngine creates a new CEL engine with predefined declarations
func NewCELEngine() (*CELEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("resource", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("subject", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("request", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &CELEngine{env: env}, nil
}

// Evaluate evaluates a CEL expression with the given context
func (e *CELEngine) Evaluate(expression string, context *EvaluationContext) (bool, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return false, fmt.Errorf("failed to compile CEL expression: %w", issues.Err())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return false, fmt.Errorf("failed to create CEL program: %w", err)
	}

	vars := map[string]interface{}{
		"resource": map[string]interface{}{},
		"subject":  map[string]interface{}{},
		"request":  map[string]interface{}{},
	}
	if context.Resource != nil {
		vars["resource"] = context.Resource
	}
	if context.Subject != nil {
		vars["subject"] = context.Subject
	}
	if context.Request != nil {
		vars["request"] = context.Request
	}

	result, _, err := program.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("failed to evaluate CEL expression: %w", err)
	}

	boolResult, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression did not evaluate to boolean, got: %T", result.Value())
	}

	return boolResult, nil
}

// ValidateExpression validates a CEL expression without evaluating it
func (e *CELEngine) ValidateExpression(expression string) error {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("invalid CEL expression: %w", issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return fmt.Errorf("CEL expression must return boolean, got: %s", ast.OutputType())
	}

	return nil
}
