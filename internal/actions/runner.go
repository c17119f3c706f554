package actions

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/rendis/buildcore/internal/validation"
	"github.com/rendis/buildcore/pkg/schema"
)

// ExceptionHandler receives every failure raised while instantiating or
// running an action.
type ExceptionHandler interface {
	HandleException(target *Target, cause error)
}

// HandlerFunc adapts a function to ExceptionHandler.
type HandlerFunc func(target *Target, cause error)

func (f HandlerFunc) HandleException(target *Target, cause error) { f(target, cause) }

// Result is the outcome of one invocation: Output on success, Err otherwise.
type Result struct {
	Output *Output
	Err    error
}

// IsOk reports whether the invocation succeeded.
func (r Result) IsOk() bool { return r.Err == nil }

// Runner instantiates and invokes actions in isolation. No failure, panics
// included, propagates past Invoke.
type Runner struct {
	registry  *Registry
	validator *validation.JSONSchemaValidator
	logger    *slog.Logger
}

// NewRunner creates a Runner resolving tags through registry. validator may
// be nil, in which case parameter schemas are not enforced.
func NewRunner(registry *Registry, validator *validation.JSONSchemaValidator, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{registry: registry, validator: validator, logger: logger}
}

// Registry returns the registry the runner resolves tags against.
func (r *Runner) Registry() *Registry {
	return r.registry
}

// Invoke builds a fresh action for tag from params and runs it against
// target. Failures are passed to handler and returned in the Result.
func (r *Runner) Invoke(ctx context.Context, tag string, params schema.ParamSnapshot, target *Target, handler ExceptionHandler) Result {
	if target.Logger == nil {
		target.Logger = r.logger.With(slog.String("unit_id", target.UnitID), slog.String("action", tag))
	}

	action, err := r.instantiate(tag, params)
	if err != nil {
		return r.fail(target, handler, schema.NewErrorf(schema.ErrCodeActionInstantiation,
			"cannot instantiate action %q", tag).WithUnit(target.UnitID).WithCause(err))
	}

	out, err := execute(ctx, action, target)
	if err != nil {
		return r.fail(target, handler, schema.NewErrorf(schema.ErrCodeActionExecution,
			"action %q failed", tag).WithUnit(target.UnitID).WithCause(err))
	}
	return Result{Output: out}
}

func (r *Runner) fail(target *Target, handler ExceptionHandler, err error) Result {
	if handler != nil {
		handler.HandleException(target, err)
	}
	return Result{Err: err}
}

// instantiate materializes params for this call only and hands them to the
// registered factory.
func (r *Runner) instantiate(tag string, params schema.ParamSnapshot) (action Action, err error) {
	reg, err := r.registry.Get(tag)
	if err != nil {
		return nil, err
	}

	values, err := params.Isolate()
	if err != nil {
		return nil, err
	}
	if r.validator != nil && len(reg.ParamSchema) > 0 {
		if err := r.validator.ValidateParams(values, reg.ParamSchema); err != nil {
			return nil, err
		}
	}

	defer func() {
		if rec := recover(); rec != nil {
			action, err = nil, panicError(rec)
		}
	}()
	action, err = reg.Factory(Args{snapshot: params, values: values})
	if err == nil && action == nil {
		err = fmt.Errorf("factory returned no action")
	}
	return action, err
}

func execute(ctx context.Context, action Action, target *Target) (out *Output, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			out, err = nil, panicError(rec)
		}
	}()
	return action.Execute(ctx, target)
}

func panicError(rec any) error {
	if err, ok := rec.(error); ok {
		return fmt.Errorf("panic: %w\n%s", err, debug.Stack())
	}
	return fmt.Errorf("panic: %v\n%s", rec, debug.Stack())
}
