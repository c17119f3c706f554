package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rendis/buildcore/pkg/schema"
)

// BuildStatus summarizes how a recorded build ended.
type BuildStatus string

const (
	BuildStatusSucceeded BuildStatus = "succeeded"
	BuildStatusFailed    BuildStatus = "failed"
	BuildStatusCancelled BuildStatus = "cancelled"
)

// UnitStateUnexecuted marks a unit that never reached a terminal state.
const UnitStateUnexecuted schema.UnitState = "unexecuted"

// BuildRecord is one row of build history.
type BuildRecord struct {
	ID        string               `json:"id"`
	Name      string               `json:"name,omitempty"`
	Policy    schema.FailurePolicy `json:"policy"`
	Status    BuildStatus          `json:"status"`
	StartedAt time.Time            `json:"started_at"`
	Duration  time.Duration        `json:"duration_ns"`
	Report    json.RawMessage      `json:"report,omitempty"`
	Outcomes  []UnitOutcome        `json:"outcomes,omitempty"`
}

// UnitOutcome is the final state of one unit in a recorded build.
type UnitOutcome struct {
	UnitID   string           `json:"unit_id"`
	Position int              `json:"position"`
	State    schema.UnitState `json:"state"`
	Cause    string           `json:"cause,omitempty"`
}

// BuildFilter narrows ListBuilds.
type BuildFilter struct {
	Status BuildStatus
	Since  time.Time
	Limit  int
}

// EventRecord is a persisted lifecycle event.
type EventRecord struct {
	BuildID   string           `json:"build_id"`
	Sequence  int64            `json:"sequence"`
	Kind      schema.EventKind `json:"kind"`
	UnitID    string           `json:"unit_id,omitempty"`
	Payload   json.RawMessage  `json:"payload"`
	Timestamp time.Time        `json:"timestamp"`
}

func statusOf(r *schema.BuildReport) BuildStatus {
	switch {
	case r.Cancelled:
		return BuildStatusCancelled
	case len(r.Failures) > 0:
		return BuildStatusFailed
	}
	return BuildStatusSucceeded
}

// DecodeReport rebuilds the stored report. Failure causes are persisted as
// text only, so they come back as plain errors carrying that text.
func (b *BuildRecord) DecodeReport() (*schema.BuildReport, error) {
	if len(b.Report) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "build %q has no stored report", b.ID)
	}
	var r schema.BuildReport
	if err := json.Unmarshal(b.Report, &r); err != nil {
		return nil, fmt.Errorf("decode report %s: %w", b.ID, err)
	}
	causes := make(map[string]string, len(b.Outcomes))
	for _, o := range b.Outcomes {
		if o.Cause != "" {
			causes[o.UnitID] = o.Cause
		}
	}
	for i, f := range r.Failures {
		if msg, ok := causes[f.UnitID]; ok {
			r.Failures[i].Cause = errors.New(msg)
		}
	}
	return &r, nil
}
