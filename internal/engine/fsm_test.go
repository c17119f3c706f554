package engine

import (
	"testing"

	"github.com/rendis/buildcore/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnitFSM_HappyPath(t *testing.T) {
	g, err := BuildGraph([]schema.UnitDescriptor{u("a")})
	require.NoError(t, err)
	fsm := NewUnitFSM(g)

	var seen []schema.UnitState
	fsm.OnTransition(func(unit *Unit, from, to schema.UnitState) {
		assert.Equal(t, "a", unit.ID)
		seen = append(seen, to)
	})

	require.NoError(t, fsm.Transition(0, schema.UnitStateReady))
	require.NoError(t, fsm.Transition(0, schema.UnitStateExecuting))
	require.NoError(t, fsm.Transition(0, schema.UnitStateExecuted))

	assert.Equal(t, []schema.UnitState{schema.UnitStateReady, schema.UnitStateExecuting, schema.UnitStateExecuted}, seen)
	assert.Equal(t, map[string]schema.UnitState{"a": schema.UnitStateExecuted}, fsm.Snapshot())
}

func TestUnitFSM_RejectsIllegalTransitions(t *testing.T) {
	g, err := BuildGraph([]schema.UnitDescriptor{u("a")})
	require.NoError(t, err)

	cases := []struct {
		name string
		path []schema.UnitState
	}{
		{"pending straight to executing", []schema.UnitState{schema.UnitStateExecuting}},
		{"pending straight to up-to-date", []schema.UnitState{schema.UnitStateUpToDate}},
		{"executing to skipped", []schema.UnitState{schema.UnitStateReady, schema.UnitStateExecuting, schema.UnitStateSkippedFailedDependency}},
		{"leaving a terminal state", []schema.UnitState{schema.UnitStateReady, schema.UnitStateUpToDate, schema.UnitStateExecuting}},
		{"executing twice", []schema.UnitState{schema.UnitStateReady, schema.UnitStateExecuting, schema.UnitStateExecuted, schema.UnitStateExecuting}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fsm := NewUnitFSM(g)
			last := len(tc.path) - 1
			for _, s := range tc.path[:last] {
				require.NoError(t, fsm.Transition(0, s))
			}
			err := fsm.Transition(0, tc.path[last])
			assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition), "got %v", err)
		})
	}
}

func TestUnitFSM_SkipsFromPendingAndReady(t *testing.T) {
	g, err := BuildGraph([]schema.UnitDescriptor{u("a"), u("b")})
	require.NoError(t, err)
	fsm := NewUnitFSM(g)

	require.NoError(t, fsm.Transition(0, schema.UnitStateSkippedFailedDependency))
	require.NoError(t, fsm.Transition(1, schema.UnitStateReady))
	require.NoError(t, fsm.Transition(1, schema.UnitStateSkippedExcluded))
	assert.Equal(t, schema.UnitStateSkippedExcluded, fsm.State(1))
}
