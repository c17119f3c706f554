package expressions

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/rendis/buildcore/pkg/schema"
)

// CELEngine evaluates only_if predicates. Expressions see two variables:
//   - unit: map(string, dyn) with id, action, tags, metadata and depends_on
//   - vars: map(string, dyn) with build-level variables
//
// Compiled programs are cached and shared across goroutines.
type CELEngine struct {
	env  *cel.Env
	vars map[string]any

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewCELEngine creates a CEL engine. vars is exposed to every expression.
func NewCELEngine(vars map[string]any) (*CELEngine, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)

	env, err := cel.NewEnv(
		cel.Variable("unit", mapType),
		cel.Variable("vars", mapType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	if vars == nil {
		vars = map[string]any{}
	}

	return &CELEngine{
		env:   env,
		vars:  vars,
		cache: make(map[string]cel.Program),
	}, nil
}

// Name returns the engine identifier.
func (e *CELEngine) Name() string {
	return "cel"
}

// Evaluate compiles (or retrieves from cache) expression and evaluates it.
// Missing variables default to empty maps.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty CEL expression")
	}

	prg, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	activation := map[string]any{"unit": map[string]any{}, "vars": e.vars}
	for _, key := range []string{"unit", "vars"} {
		if v, ok := data[key]; ok && v != nil {
			activation[key] = v
		}
	}

	out, _, err := prg.ContextEval(ctx, activation)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeEvaluation,
			"CEL evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out.Value(), nil
}

// Check compiles expression without evaluating it.
func (e *CELEngine) Check(expression string) error {
	_, err := e.getOrCompile(expression)
	return err
}

// OnlyIf evaluates the unit's only_if predicate. Units without one always run.
func (e *CELEngine) OnlyIf(ctx context.Context, unit schema.UnitDescriptor) (bool, error) {
	if unit.OnlyIf == "" {
		return true, nil
	}
	v, err := e.Evaluate(ctx, unit.OnlyIf, map[string]any{"unit": UnitVars(unit)})
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeEvaluation,
			"only_if %q returned %T, want bool", unit.OnlyIf, v).WithUnit(unit.ID)
	}
	return b, nil
}

// Excluder returns a predicate that reports true for units whose only_if
// evaluates to false.
func (e *CELEngine) Excluder() UnitPredicate {
	return func(ctx context.Context, unit schema.UnitDescriptor) (bool, error) {
		run, err := e.OnlyIf(ctx, unit)
		return !run, err
	}
}

// getOrCompile returns a cached compiled program or compiles and caches a new one.
func (e *CELEngine) getOrCompile(expression string) (cel.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL compile error in %q: %s", expression, issues.Err().Error()).
			WithCause(issues.Err()).
			WithDetails(map[string]any{"expression": expression})
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL program error for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = prg
	return prg, nil
}

var _ Engine = (*CELEngine)(nil)
