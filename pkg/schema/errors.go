package schema

import (
	"errors"
	"fmt"
	"strings"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation            = "VALIDATION_ERROR"
	ErrCodeNotFound              = "NOT_FOUND"
	ErrCodeConflict              = "CONFLICT"
	ErrCodeInvalidTransition     = "INVALID_TRANSITION"
	ErrCodeCycleDetected         = "CYCLE_DETECTED"
	ErrCodeMissingDependency     = "MISSING_DEPENDENCY"
	ErrCodeActionInstantiation   = "ACTION_INSTANTIATION_FAILURE"
	ErrCodeActionExecution       = "ACTION_EXECUTION_FAILURE"
	ErrCodeAggregateBuildFailure = "AGGREGATE_BUILD_FAILURE"
	ErrCodeCacheMismatch         = "CACHE_VERIFICATION_MISMATCH"
	ErrCodeUnsupported           = "UNSUPPORTED_OPERATION"
	ErrCodeCancelled             = "CANCELLED"
	ErrCodeStore                 = "STORE_ERROR"
	ErrCodeEvaluation            = "EVALUATION_ERROR"
	ErrCodePathDenied            = "PATH_DENIED"
)

// BuildError is the structured error type for all buildcore operations.
type BuildError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	UnitID  string         `json:"unit_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *BuildError) Error() string {
	if e.UnitID != "" {
		return fmt.Sprintf("[%s] unit %s: %s", e.Code, e.UnitID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *BuildError) Unwrap() error {
	return e.Cause
}

// NewError creates a new BuildError.
func NewError(code, message string) *BuildError {
	return &BuildError{Code: code, Message: message}
}

// NewErrorf creates a new BuildError with a formatted message.
func NewErrorf(code, format string, args ...any) *BuildError {
	return &BuildError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithUnit attaches a unit ID to the error.
func (e *BuildError) WithUnit(unitID string) *BuildError {
	e.UnitID = unitID
	return e
}

// WithCause attaches an underlying cause.
func (e *BuildError) WithCause(err error) *BuildError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *BuildError) WithDetails(details map[string]any) *BuildError {
	e.Details = details
	return e
}

// CycleDetected reports a dependency cycle. path lists each unit of the cycle
// once, in traversal order.
func CycleDetected(path []string) *BuildError {
	loop := append(append([]string{}, path...), path[0])
	return NewErrorf(ErrCodeCycleDetected, "dependency cycle: %s", strings.Join(loop, " -> ")).
		WithDetails(map[string]any{"path": append([]string{}, path...)})
}

// MissingDependency reports a reference from unitID to an id absent from the graph.
func MissingDependency(unitID, missingID string) *BuildError {
	return NewErrorf(ErrCodeMissingDependency, "depends on non-existent unit: %s", missingID).
		WithUnit(unitID).
		WithDetails(map[string]any{"missing_id": missingID})
}

// Unsupported reports a call on an operation the receiver does not implement.
func Unsupported(operation string) *BuildError {
	return NewErrorf(ErrCodeUnsupported, "%s is not supported", operation)
}

// AggregateFailure wraps every per-unit cause of a build into one error.
func AggregateFailure(causes []error) *BuildError {
	return NewErrorf(ErrCodeAggregateBuildFailure, "build failed with %d failure(s)", len(causes)).
		WithCause(errors.Join(causes...)).
		WithDetails(map[string]any{"failure_count": len(causes)})
}

// AsBuildError returns the first BuildError in err's chain.
func AsBuildError(err error) (*BuildError, bool) {
	var be *BuildError
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}

// IsCode reports whether any BuildError in err's tree carries code. Joined
// errors, such as the causes of an aggregate failure, are searched too.
func IsCode(err error, code string) bool {
	switch e := err.(type) {
	case nil:
		return false
	case *BuildError:
		if e == nil {
			return false
		}
		if e.Code == code {
			return true
		}
	case interface{ Unwrap() []error }:
		for _, inner := range e.Unwrap() {
			if IsCode(inner, code) {
				return true
			}
		}
		return false
	}
	return IsCode(errors.Unwrap(err), code)
}

// CyclePath extracts the cycle path from a CYCLE_DETECTED error.
func CyclePath(err error) ([]string, bool) {
	be, ok := AsBuildError(err)
	if !ok || be.Code != ErrCodeCycleDetected {
		return nil, false
	}
	path, ok := be.Details["path"].([]string)
	return path, ok
}

// RootCause follows single-cause wrapping down to the innermost error.
func RootCause(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}
