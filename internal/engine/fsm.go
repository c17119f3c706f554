package engine

import (
	"sync"

	"github.com/rendis/buildcore/pkg/schema"
)

// TransitionHook is called after a unit changes state.
type TransitionHook func(unit *Unit, from, to schema.UnitState)

// ValidUnitTransitions defines the allowed state transitions for units.
var ValidUnitTransitions = map[schema.UnitState][]schema.UnitState{
	schema.UnitStatePending: {
		schema.UnitStateReady,
		schema.UnitStateSkippedFailedDependency,
		schema.UnitStateSkippedExcluded,
	},
	schema.UnitStateReady: {
		schema.UnitStateExecuting,
		schema.UnitStateUpToDate,
		schema.UnitStateSkippedFailedDependency,
		schema.UnitStateSkippedExcluded,
		schema.UnitStateFailed, // exclusion predicate could not be evaluated
	},
	schema.UnitStateExecuting: {
		schema.UnitStateExecuted,
		schema.UnitStateFailed,
	},
}

// UnitFSM tracks the state of every unit of one graph. The scheduler's
// coordinator is its only writer; readers may take snapshots concurrently.
type UnitFSM struct {
	mu     sync.RWMutex
	graph  *Graph
	states []schema.UnitState
	after  []TransitionHook
}

// NewUnitFSM creates an FSM with every unit of g Pending.
func NewUnitFSM(g *Graph) *UnitFSM {
	states := make([]schema.UnitState, g.Len())
	for i := range states {
		states[i] = schema.UnitStatePending
	}
	return &UnitFSM{graph: g, states: states}
}

// OnTransition registers a hook called after every successful transition.
func (f *UnitFSM) OnTransition(hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.after = append(f.after, hook)
}

// Transition moves unit idx to state to, or fails with INVALID_TRANSITION.
func (f *UnitFSM) Transition(idx int, to schema.UnitState) error {
	f.mu.Lock()
	from := f.states[idx]
	if !isValidUnitTransition(from, to) {
		f.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid unit transition: %s -> %s", from, to).
			WithUnit(f.graph.units[idx].ID).
			WithDetails(map[string]any{"from": string(from), "to": string(to)})
	}
	f.states[idx] = to
	hooks := f.after
	f.mu.Unlock()

	for _, hook := range hooks {
		hook(f.graph.units[idx], from, to)
	}
	return nil
}

// State returns the current state of unit idx.
func (f *UnitFSM) State(idx int) schema.UnitState {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.states[idx]
}

// Snapshot returns the state of every unit keyed by id.
func (f *UnitFSM) Snapshot() map[string]schema.UnitState {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]schema.UnitState, len(f.states))
	for i, s := range f.states {
		out[f.graph.units[i].ID] = s
	}
	return out
}

func isValidUnitTransition(from, to schema.UnitState) bool {
	for _, a := range ValidUnitTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}
