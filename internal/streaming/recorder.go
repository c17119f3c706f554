package streaming

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/rendis/buildcore/pkg/schema"
)

// Recorder collects which units a build planned, dispatched and skipped.
// A unit dispatched without having been planned is logged as a warning.
type Recorder struct {
	mu       sync.Mutex
	planned  []string
	executed []string
	skipped  []string
	failed   []string
	logger   *slog.Logger
}

// NewRecorder creates an empty Recorder.
func NewRecorder(logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{logger: logger}
}

// OnEvent implements Listener.
func (r *Recorder) OnEvent(e schema.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch e.Kind {
	case schema.EventGraphReady:
		r.planned = append(r.planned[:0], e.Planned...)
	case schema.EventBeforeExecute:
		if !slices.Contains(r.planned, e.UnitID) {
			r.logger.Warn("unit executed but was not planned", slog.String("unit_id", e.UnitID))
		}
		r.executed = append(r.executed, e.UnitID)
	case schema.EventAfterExecute:
		switch e.Outcome {
		case schema.UnitStateUpToDate, schema.UnitStateSkippedExcluded, schema.UnitStateSkippedFailedDependency:
			r.skipped = append(r.skipped, e.UnitID)
		case schema.UnitStateFailed:
			r.failed = append(r.failed, e.UnitID)
		}
	}
}

// Planned returns the units announced by the last graph_ready event.
func (r *Recorder) Planned() []string { return r.snapshot(&r.planned) }

// Executed returns units in the order they were dispatched.
func (r *Recorder) Executed() []string { return r.snapshot(&r.executed) }

// Skipped returns units that finished without running their action.
func (r *Recorder) Skipped() []string { return r.snapshot(&r.skipped) }

// Failed returns units whose action failed.
func (r *Recorder) Failed() []string { return r.snapshot(&r.failed) }

func (r *Recorder) snapshot(s *[]string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(*s)
}
