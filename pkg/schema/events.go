package schema

import (
	"log/slog"
	"time"
)

// EventKind identifies a lifecycle notification emitted during a build.
type EventKind string

const (
	EventGraphReady    EventKind = "graph_ready"
	EventBeforeExecute EventKind = "before_execute"
	EventAfterExecute  EventKind = "after_execute"
	EventLog           EventKind = "log"
)

// Event is a single lifecycle or log notification. Which fields are set
// depends on Kind: Planned for graph_ready, UnitID for the execute events,
// Outcome and Cause for after_execute, Level and Message for log.
type Event struct {
	Kind      EventKind  `json:"kind"`
	BuildID   string     `json:"build_id"`
	UnitID    string     `json:"unit_id,omitempty"`
	Planned   []string   `json:"planned,omitempty"`
	Outcome   UnitState  `json:"outcome,omitempty"`
	Cause     error      `json:"-"`
	Level     slog.Level `json:"level,omitempty"`
	Message   string     `json:"message,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// UnitState represents the lifecycle state of a work unit within one build.
type UnitState string

const (
	UnitStatePending                 UnitState = "pending"
	UnitStateReady                   UnitState = "ready"
	UnitStateExecuting               UnitState = "executing"
	UnitStateExecuted                UnitState = "executed"
	UnitStateUpToDate                UnitState = "up_to_date"
	UnitStateSkippedFailedDependency UnitState = "skipped_failed_dependency"
	UnitStateSkippedExcluded         UnitState = "skipped_excluded"
	UnitStateFailed                  UnitState = "failed"
)

// IsTerminal reports whether no further transition can leave s.
func (s UnitState) IsTerminal() bool {
	switch s {
	case UnitStateExecuted, UnitStateUpToDate, UnitStateFailed,
		UnitStateSkippedFailedDependency, UnitStateSkippedExcluded:
		return true
	}
	return false
}

// Satisfies reports whether a dependency in state s lets its dependents run.
func (s UnitState) Satisfies() bool {
	return s == UnitStateExecuted || s == UnitStateUpToDate || s == UnitStateSkippedExcluded
}

// Blocks reports whether a dependency in state s forces its dependents to be skipped.
func (s UnitState) Blocks() bool {
	return s == UnitStateFailed || s == UnitStateSkippedFailedDependency
}

// FailurePolicy controls how a build reacts to a failed unit.
type FailurePolicy string

const (
	FailFast FailurePolicy = "fail_fast"
	Continue FailurePolicy = "continue"
)

// ParseFailurePolicy accepts "fail_fast", "fail-fast" or "continue".
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch s {
	case "fail_fast", "fail-fast", "":
		return FailFast, nil
	case "continue":
		return Continue, nil
	}
	return "", NewErrorf(ErrCodeValidation, "unknown failure policy %q", s)
}
