package actions

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rendis/buildcore/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// counterAction mutates its own state and its argument map on every run.
type counterAction struct {
	count int
	args  map[string]any
	seen  *[]int
	mu    *sync.Mutex
}

func (a *counterAction) Execute(context.Context, *Target) (*Output, error) {
	a.count++
	a.mu.Lock()
	*a.seen = append(*a.seen, a.count)
	if label, ok := a.args["label"].(string); ok {
		*a.seen = append(*a.seen, len(label))
	}
	a.mu.Unlock()
	a.args["label"] = "mutated-by-previous-run"
	return &Output{}, nil
}

// recordingHandler captures every exception handed to it.
type recordingHandler struct {
	mu      sync.Mutex
	targets []string
	causes  []error
}

func (h *recordingHandler) HandleException(target *Target, cause error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.targets = append(h.targets, target.UnitID)
	h.causes = append(h.causes, cause)
}

func snapshot(t *testing.T, v any) schema.ParamSnapshot {
	t.Helper()
	p, err := schema.SnapshotParams(v)
	require.NoError(t, err)
	return p
}

func TestRunner_FreshInstancePerInvocation(t *testing.T) {
	reg := newTestRegistry(t)
	var seen []int
	var mu sync.Mutex
	require.NoError(t, reg.Register(Registration{
		Tag: "counter",
		Factory: func(args Args) (Action, error) {
			return &counterAction{args: args.Values(), seen: &seen, mu: &mu}, nil
		},
	}))
	runner := NewRunner(reg, nil, nil)
	params := snapshot(t, map[string]any{"label": "abc"})

	for i := 0; i < 2; i++ {
		res := runner.Invoke(context.Background(), "counter", params, &Target{UnitID: "u"}, nil)
		require.True(t, res.IsOk(), "%v", res.Err)
	}

	// Each run sees count=1 and the original 3-char label.
	assert.Equal(t, []int{1, 3, 1, 3}, seen)
}

func TestRunner_ConcurrentInvocationsDoNotShareState(t *testing.T) {
	reg := newTestRegistry(t)
	var seen []int
	var mu sync.Mutex
	require.NoError(t, reg.Register(Registration{
		Tag: "counter",
		Factory: func(args Args) (Action, error) {
			return &counterAction{args: args.Values(), seen: &seen, mu: &mu}, nil
		},
	}))
	runner := NewRunner(reg, nil, nil)
	params := snapshot(t, map[string]any{"label": "abcd"})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runner.Invoke(context.Background(), "counter", params, &Target{UnitID: "u"}, nil)
		}()
	}
	wg.Wait()

	require.Len(t, seen, 32)
	for i := 0; i < len(seen); i += 2 {
		assert.Equal(t, 1, seen[i])
		assert.Equal(t, 4, seen[i+1])
	}
}

func TestRunner_ExecutionErrorGoesToHandler(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, RegisterBuiltins(reg, BuiltinConfig{}))
	runner := NewRunner(reg, nil, nil)
	h := &recordingHandler{}

	res := runner.Invoke(context.Background(), "fail", snapshot(t, map[string]any{"message": "linker exploded"}), &Target{UnitID: "link"}, h)

	require.False(t, res.IsOk())
	assert.True(t, schema.IsCode(res.Err, schema.ErrCodeActionExecution))
	assert.Equal(t, "linker exploded", schema.RootCause(res.Err).Error())
	assert.Equal(t, []string{"link"}, h.targets)
	assert.Same(t, res.Err, h.causes[0])
}

func TestRunner_PanicsAreContained(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.Register(Registration{
		Tag:     "panicky-factory",
		Factory: func(Args) (Action, error) { panic("constructor blew up") },
	}))
	require.NoError(t, reg.Register(Registration{
		Tag: "panicky-run",
		Factory: func(Args) (Action, error) {
			return actionFunc(func() { panic(errors.New("run blew up")) }), nil
		},
	}))
	runner := NewRunner(reg, nil, nil)
	h := &recordingHandler{}

	var res Result
	assert.NotPanics(t, func() {
		res = runner.Invoke(context.Background(), "panicky-factory", schema.EmptyParams, &Target{UnitID: "a"}, h)
	})
	assert.True(t, schema.IsCode(res.Err, schema.ErrCodeActionInstantiation))
	assert.Contains(t, res.Err.Error(), "cannot instantiate")

	assert.NotPanics(t, func() {
		res = runner.Invoke(context.Background(), "panicky-run", schema.EmptyParams, &Target{UnitID: "b"}, h)
	})
	assert.True(t, schema.IsCode(res.Err, schema.ErrCodeActionExecution))
	assert.Equal(t, []string{"a", "b"}, h.targets)
}

func TestRunner_UnknownTagIsInstantiationFailure(t *testing.T) {
	runner := NewRunner(newTestRegistry(t), nil, nil)
	h := &recordingHandler{}

	res := runner.Invoke(context.Background(), "ghost", schema.EmptyParams, &Target{UnitID: "x"}, h)
	assert.True(t, schema.IsCode(res.Err, schema.ErrCodeActionInstantiation))
	assert.True(t, schema.IsCode(res.Err, schema.ErrCodeNotFound))
	assert.Len(t, h.causes, 1)
}

func TestRunner_EmptyParamsCoerceIsUnsupported(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, RegisterBuiltins(reg, BuiltinConfig{}))
	runner := NewRunner(reg, nil, nil)

	res := runner.Invoke(context.Background(), "fs.write", schema.EmptyParams, &Target{UnitID: "w"}, nil)
	assert.True(t, schema.IsCode(res.Err, schema.ErrCodeActionInstantiation))
	assert.True(t, schema.IsCode(res.Err, schema.ErrCodeUnsupported))
}

func TestRunner_ParamSchemaEnforced(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, RegisterBuiltins(reg, BuiltinConfig{}))
	runner := NewRunner(reg, reg.validator, nil)

	res := runner.Invoke(context.Background(), "fs.write", snapshot(t, map[string]any{"content": 12}), &Target{UnitID: "w"}, nil)
	assert.True(t, schema.IsCode(res.Err, schema.ErrCodeActionInstantiation))
	assert.True(t, schema.IsCode(res.Err, schema.ErrCodeValidation))
}

type actionFunc func()

func (f actionFunc) Execute(context.Context, *Target) (*Output, error) {
	f()
	return nil, nil
}
