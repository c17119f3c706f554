package schema

import (
	"encoding/json"
	"time"
)

// BuildReport summarizes the outcome of one build invocation.
type BuildReport struct {
	BuildID                 string        `json:"build_id"`
	PlannedOrder            []string      `json:"planned_order"`
	Executed                []string      `json:"executed"`
	UpToDate                []string      `json:"up_to_date"`
	SkippedFailedDependency []string      `json:"skipped_failed_dependency"`
	SkippedExcluded         []string      `json:"skipped_excluded"`
	Unexecuted              []string      `json:"unexecuted,omitempty"`
	Failures                []UnitFailure `json:"failures"`
	Policy                  FailurePolicy `json:"policy"`
	Cancelled               bool          `json:"cancelled,omitempty"`
	StartedAt               time.Time     `json:"started_at"`
	Duration                time.Duration `json:"duration_ns"`
}

// UnitFailure records why one unit failed. Cause keeps the full chain;
// its innermost error is what gets reported. IsAggregate marks failures
// reported as part of a grouped aggregate.
type UnitFailure struct {
	UnitID      string `json:"unit_id"`
	Cause       error  `json:"-"`
	IsAggregate bool   `json:"is_aggregate"`
}

// MarshalJSON renders Cause as the message of its innermost error.
func (f UnitFailure) MarshalJSON() ([]byte, error) {
	cause := ""
	if f.Cause != nil {
		cause = RootCause(f.Cause).Error()
	}
	return json.Marshal(struct {
		UnitID      string `json:"unit_id"`
		Cause       string `json:"cause"`
		IsAggregate bool   `json:"is_aggregate"`
	}{f.UnitID, cause, f.IsAggregate})
}

// Succeeded reports whether the build finished without failures or cancellation.
func (r *BuildReport) Succeeded() bool {
	return len(r.Failures) == 0 && !r.Cancelled
}

// Err returns nil for a successful build, the single failure under fail-fast,
// or an AGGREGATE_BUILD_FAILURE wrapping every cause.
func (r *BuildReport) Err() error {
	if len(r.Failures) == 0 {
		if r.Cancelled {
			return NewError(ErrCodeCancelled, "build cancelled")
		}
		return nil
	}
	if !r.Failures[0].IsAggregate {
		return r.Failures[0].err()
	}
	causes := make([]error, 0, len(r.Failures))
	for _, f := range r.Failures {
		causes = append(causes, f.err())
	}
	return AggregateFailure(causes)
}

// err returns the failure as a BuildError naming the unit, reusing Cause
// when it already is one.
func (f UnitFailure) err() error {
	if be, ok := f.Cause.(*BuildError); ok && be.UnitID == f.UnitID {
		return be
	}
	msg := "unit failed"
	if f.Cause != nil {
		msg = RootCause(f.Cause).Error()
	}
	return NewError(ErrCodeActionExecution, msg).WithUnit(f.UnitID).WithCause(f.Cause)
}

// StateOf returns the bucket a unit ended in, or UnitStatePending if it never
// reached a terminal state.
func (r *BuildReport) StateOf(unitID string) UnitState {
	buckets := []struct {
		ids   []string
		state UnitState
	}{
		{r.Executed, UnitStateExecuted},
		{r.UpToDate, UnitStateUpToDate},
		{r.SkippedFailedDependency, UnitStateSkippedFailedDependency},
		{r.SkippedExcluded, UnitStateSkippedExcluded},
	}
	for _, b := range buckets {
		for _, id := range b.ids {
			if id == unitID {
				return b.state
			}
		}
	}
	for _, f := range r.Failures {
		if f.UnitID == unitID {
			return UnitStateFailed
		}
	}
	return UnitStatePending
}
