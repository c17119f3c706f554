package schema

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildError_Format(t *testing.T) {
	err := NewError(ErrCodeActionExecution, "boom")
	assert.Equal(t, "[ACTION_EXECUTION_FAILURE] boom", err.Error())

	err = err.WithUnit("compile")
	assert.Equal(t, "[ACTION_EXECUTION_FAILURE] unit compile: boom", err.Error())
}

func TestCycleDetected_PathAndMessage(t *testing.T) {
	err := CycleDetected([]string{"a", "b", "c"})

	assert.Equal(t, ErrCodeCycleDetected, err.Code)
	assert.Contains(t, err.Message, "a -> b -> c -> a")

	path, ok := CyclePath(fmt.Errorf("build graph: %w", err))
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b", "c"}, path)
}

func TestMissingDependency(t *testing.T) {
	err := MissingDependency("b", "ghost")
	assert.True(t, IsCode(err, ErrCodeMissingDependency))
	assert.Equal(t, "b", err.UnitID)
	assert.Equal(t, "ghost", err.Details["missing_id"])
}

func TestIsCode_WalksChain(t *testing.T) {
	inner := NewError(ErrCodeUnsupported, "nope")
	outer := NewError(ErrCodeActionInstantiation, "factory").WithCause(inner)

	assert.True(t, IsCode(outer, ErrCodeActionInstantiation))
	assert.True(t, IsCode(outer, ErrCodeUnsupported))
	assert.False(t, IsCode(outer, ErrCodeStore))
	assert.False(t, IsCode(nil, ErrCodeStore))
}

func TestIsCode_SearchesAggregateCauses(t *testing.T) {
	failed := NewError(ErrCodeActionExecution, "exit 2").WithUnit("link")
	agg := AggregateFailure([]error{errors.New("plain"), fmt.Errorf("unit link: %w", failed)})

	assert.True(t, IsCode(agg, ErrCodeAggregateBuildFailure))
	assert.True(t, IsCode(agg, ErrCodeActionExecution))
	assert.True(t, IsCode(fmt.Errorf("build: %w", agg), ErrCodeActionExecution))
	assert.False(t, IsCode(agg, ErrCodeCycleDetected))

	var none *BuildError
	assert.False(t, IsCode(none, ErrCodeActionExecution))
}

func TestRootCause(t *testing.T) {
	base := errors.New("disk full")
	wrapped := NewError(ErrCodeActionExecution, "write").WithCause(fmt.Errorf("copy: %w", base))

	assert.Same(t, base, RootCause(wrapped))
	assert.Same(t, base, RootCause(base))
}

func TestAggregateFailure_JoinsCauses(t *testing.T) {
	a := errors.New("a failed")
	b := errors.New("b failed")
	err := AggregateFailure([]error{a, b})

	assert.Equal(t, ErrCodeAggregateBuildFailure, err.Code)
	assert.ErrorIs(t, err, a)
	assert.ErrorIs(t, err, b)
	assert.Equal(t, 2, err.Details["failure_count"])
}
