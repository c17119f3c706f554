package diagram

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rendis/buildcore/pkg/schema"
)

func TestRenderMermaidLinear(t *testing.T) {
	out := RenderMermaid(Build("ETL Pipeline", linearGraph(t), nil))

	assert.True(t, strings.HasPrefix(out, "graph TD\n"))
	assert.Contains(t, out, "%% ETL Pipeline")
	assert.Contains(t, out, `__start__(("Start"))`)
	assert.Contains(t, out, `fetch["fetch"]`)
	assert.Contains(t, out, "fetch --> transform")
	assert.Contains(t, out, "store --> __end__")
	assert.NotContains(t, out, "class fetch")
}

func TestRenderMermaidSoftEdgesAndSafeIDs(t *testing.T) {
	out := RenderMermaid(Build("", diamondGraph(t), nil))

	assert.Contains(t, out, "src --> lib_a")
	assert.Contains(t, out, "link -.->|after| docs")
}

func TestRenderMermaidStatusClasses(t *testing.T) {
	report := &schema.BuildReport{
		Executed:                []string{"fetch"},
		Failures:                []schema.UnitFailure{{UnitID: "transform"}},
		SkippedFailedDependency: []string{"store"},
	}
	out := RenderMermaid(Build("", linearGraph(t), report))

	assert.Contains(t, out, "classDef executed")
	assert.Contains(t, out, "class fetch executed")
	assert.Contains(t, out, "class transform failed")
	assert.Contains(t, out, "class store skipped")
}

func TestStatusClass(t *testing.T) {
	tests := map[schema.UnitState]string{
		schema.UnitStateExecuted:                "executed",
		schema.UnitStateUpToDate:                "uptodate",
		schema.UnitStateFailed:                  "failed",
		schema.UnitStateSkippedExcluded:         "skipped",
		schema.UnitStateSkippedFailedDependency: "skipped",
		schema.UnitStatePending:                 "pending",
		schema.UnitStateExecuting:               "",
	}
	for state, want := range tests {
		assert.Equal(t, want, statusClass(state), string(state))
	}
}
