package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/buildcore/internal/actions"
	"github.com/rendis/buildcore/internal/engine"
	"github.com/rendis/buildcore/internal/expressions"
	"github.com/rendis/buildcore/internal/fingerprint"
	"github.com/rendis/buildcore/internal/plan"
	"github.com/rendis/buildcore/internal/service"
	"github.com/rendis/buildcore/internal/store"
	"github.com/rendis/buildcore/internal/streaming"
	"github.com/rendis/buildcore/internal/validation"
)

// --- Test wiring ---

type recordingNotifier struct {
	mu       sync.Mutex
	payloads []map[string]any
}

func (n *recordingNotifier) Notify(_ context.Context, payload map[string]any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.payloads = append(n.payloads, payload)
	return nil
}

func (n *recordingNotifier) kinds() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.payloads))
	for _, p := range n.payloads {
		out = append(out, p["data"].(map[string]any)["kind"].(string))
	}
	return out
}

type testEnv struct {
	server   *BuildServer
	history  *store.HistoryStore
	notifier *recordingNotifier
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	db, err := store.Open(ctx, "file:"+filepath.Join(t.TempDir(), "buildcore.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	history := store.NewHistoryStore(db)
	eventLog := store.NewEventLog(db)

	v, err := validation.NewJSONSchemaValidator()
	require.NoError(t, err)
	reg := actions.NewRegistry(v)
	require.NoError(t, actions.RegisterBuiltins(reg, actions.BuiltinConfig{}))
	cel, err := expressions.NewCELEngine(nil)
	require.NoError(t, err)

	hub := streaming.NewHub()
	broadcaster := streaming.NewBroadcaster(store.NewEventSink(eventLog, nil), nil)
	broadcaster.SetListener(hub)

	workDir := t.TempDir()
	exec := engine.NewExecutor(actions.NewRunner(reg, v, nil), engine.ExecutorConfig{
		WorkDir:     workDir,
		Cache:       fingerprint.NewCache(fingerprint.NewMemoryBackend(), workDir, nil),
		Broadcaster: broadcaster,
	})
	builder := service.NewBuilder(service.Deps{
		Loader:   plan.NewLoader(v, reg, cel),
		Executor: exec,
		CEL:      cel,
		Filter:   expressions.NewExprEngine(),
		History:  history,
		Defaults: service.Defaults{Parallelism: 2},
	})

	s := NewBuildServer(BuildServerDeps{
		Builder:  builder,
		Registry: reg,
		History:  history,
		Events:   eventLog,
		Hub:      hub,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	notifier := &recordingNotifier{}
	s.notifier = notifier
	return &testEnv{server: s, history: history, notifier: notifier}
}

const sitePlan = `{
  "name": "site",
  "units": [
    {"id": "gen", "action": "fs.write", "params": {"content": "hello"},
     "outputs": [{"identity": "page", "path": "out/index.html"}]},
    {"id": "sum", "action": "hash.sha256", "depends_on": ["gen"],
     "inputs": [{"identity": "page", "path": "out/index.html"}],
     "outputs": [{"identity": "sum", "path": "out/index.sha256"}]},
    {"id": "notes", "action": "noop", "run_after": ["gen"]}
  ]
}`

func planArg(t *testing.T, doc string) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(doc), &m))
	return m
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func (e *testEnv) runSite(t *testing.T) string {
	t.Helper()
	result, err := e.server.handleRun(context.Background(), buildRequest("build.run", map[string]any{
		"plan": planArg(t, sitePlan),
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var out struct {
		BuildID string `json:"build_id"`
	}
	unmarshalResult(t, result, &out)
	return out.BuildID
}

// --- Tests ---

func TestValidateTool(t *testing.T) {
	env := newTestEnv(t)

	result, err := env.server.handleValidate(context.Background(), buildRequest("build.validate", map[string]any{
		"plan": planArg(t, sitePlan),
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var out struct {
		Valid    bool             `json:"valid"`
		Errors   []map[string]any `json:"errors"`
		Warnings []map[string]any `json:"warnings"`
	}
	unmarshalResult(t, result, &out)
	assert.True(t, out.Valid)
	assert.Empty(t, out.Errors)
	assert.NotEmpty(t, out.Warnings) // notes declares no inputs or outputs
}

func TestValidateToolReportsErrors(t *testing.T) {
	env := newTestEnv(t)

	result, err := env.server.handleValidate(context.Background(), buildRequest("build.validate", map[string]any{
		"plan": planArg(t, `{"units": [{"id": "a", "action": "does.not.exist"}]}`),
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var out struct {
		Valid  bool             `json:"valid"`
		Errors []map[string]any `json:"errors"`
	}
	unmarshalResult(t, result, &out)
	assert.False(t, out.Valid)
	require.Len(t, out.Errors, 1)
	assert.Equal(t, "units[0].action", out.Errors[0]["path"])
}

func TestValidateToolPlanFile(t *testing.T) {
	env := newTestEnv(t)
	path := filepath.Join(t.TempDir(), "plan.yaml")
	require.NoError(t, os.WriteFile(path, []byte("units:\n  - id: a\n    action: noop\n"), 0o644))

	result, err := env.server.handleValidate(context.Background(), buildRequest("build.validate", map[string]any{
		"plan_file": path,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Contains(t, extractText(t, result), `"valid":true`)
}

func TestValidateToolMissingPlan(t *testing.T) {
	env := newTestEnv(t)

	result, err := env.server.handleValidate(context.Background(), buildRequest("build.validate", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestPlanTool(t *testing.T) {
	env := newTestEnv(t)

	result, err := env.server.handlePlan(context.Background(), buildRequest("build.plan", map[string]any{
		"plan": planArg(t, sitePlan),
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var out struct {
		Order  []string      `json:"order"`
		Levels [][]string    `json:"levels"`
		Units  []plannedUnit `json:"units"`
	}
	unmarshalResult(t, result, &out)
	assert.Equal(t, []string{"gen", "sum", "notes"}, out.Order)
	assert.Equal(t, [][]string{{"gen", "notes"}, {"sum"}}, out.Levels)
	require.Len(t, out.Units, 3)
	assert.Equal(t, []string{"gen"}, out.Units[2].RunAfter)
}

func TestPlanToolTargets(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	result, err := env.server.handlePlan(ctx, buildRequest("build.plan", map[string]any{
		"plan":    planArg(t, sitePlan),
		"targets": []any{"sum"},
	}))
	require.NoError(t, err)
	assert.Contains(t, extractText(t, result), `"order":["gen","sum"]`)

	result, err = env.server.handlePlan(ctx, buildRequest("build.plan", map[string]any{
		"plan":    planArg(t, sitePlan),
		"targets": []any{"missing"},
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestRunTool(t *testing.T) {
	env := newTestEnv(t)

	result, err := env.server.handleRun(context.Background(), buildRequest("build.run", map[string]any{
		"plan":        planArg(t, sitePlan),
		"parallelism": float64(1),
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var out struct {
		BuildID   string `json:"build_id"`
		Succeeded bool   `json:"succeeded"`
		Report    struct {
			Executed []string `json:"executed"`
		} `json:"report"`
	}
	unmarshalResult(t, result, &out)
	assert.True(t, out.Succeeded)
	assert.Equal(t, []string{"gen", "sum", "notes"}, out.Report.Executed)

	rec, err := env.history.GetBuild(context.Background(), out.BuildID)
	require.NoError(t, err)
	assert.Equal(t, "site", rec.Name)
	assert.Equal(t, store.BuildStatusSucceeded, rec.Status)

	kinds := env.notifier.kinds()
	require.NotEmpty(t, kinds)
	assert.Equal(t, "graph_ready", kinds[0])
	assert.Contains(t, kinds, "after_execute")
}

func TestRunToolFailure(t *testing.T) {
	env := newTestEnv(t)

	result, err := env.server.handleRun(context.Background(), buildRequest("build.run", map[string]any{
		"plan":   planArg(t, `{"units": [{"id": "bad", "action": "fail", "params": {"message": "linker error"}}]}`),
		"policy": "continue",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var out struct {
		Succeeded bool   `json:"succeeded"`
		Error     string `json:"error"`
	}
	unmarshalResult(t, result, &out)
	assert.False(t, out.Succeeded)
	assert.Contains(t, out.Error, "AGGREGATE_BUILD_FAILURE")
}

func TestRunToolStartErrors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	result, err := env.server.handleRun(ctx, buildRequest("build.run", map[string]any{
		"plan":   planArg(t, sitePlan),
		"policy": "whenever",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = env.server.handleRun(ctx, buildRequest("build.run", map[string]any{
		"plan":    planArg(t, sitePlan),
		"exclude": "id ==",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestDiagramTool(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	result, err := env.server.handleDiagram(ctx, buildRequest("build.diagram", map[string]any{
		"plan":   planArg(t, sitePlan),
		"format": "mermaid",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	text := extractText(t, result)
	assert.Contains(t, text, "gen --> sum")
	assert.Contains(t, text, "gen -.->|after| notes")

	result, err = env.server.handleDiagram(ctx, buildRequest("build.diagram", map[string]any{
		"plan":   planArg(t, sitePlan),
		"format": "ascii",
	}))
	require.NoError(t, err)
	assert.Contains(t, extractText(t, result), "run after")
}

func TestDiagramToolImage(t *testing.T) {
	env := newTestEnv(t)

	result, err := env.server.handleDiagram(context.Background(), buildRequest("build.diagram", map[string]any{
		"plan":   planArg(t, sitePlan),
		"format": "image",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	png, err := base64.StdEncoding.DecodeString(extractText(t, result))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, png[:4])
}

func TestDiagramToolBuildOverlay(t *testing.T) {
	env := newTestEnv(t)
	buildID := env.runSite(t)

	result, err := env.server.handleDiagram(context.Background(), buildRequest("build.diagram", map[string]any{
		"plan":     planArg(t, sitePlan),
		"format":   "mermaid",
		"build_id": buildID,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Contains(t, extractText(t, result), "class gen executed")
}

func TestDiagramToolErrors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tests := []struct {
		name string
		args map[string]any
	}{
		{"missing format", map[string]any{"plan": planArg(t, sitePlan)}},
		{"bad format", map[string]any{"plan": planArg(t, sitePlan), "format": "gif"}},
		{"missing plan", map[string]any{"format": "ascii"}},
		{"unknown build", map[string]any{"plan": planArg(t, sitePlan), "format": "ascii", "build_id": "nope"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result, err := env.server.handleDiagram(ctx, buildRequest("build.diagram", tc.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
		})
	}
}

func TestHistoryTool(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	buildID := env.runSite(t)

	result, err := env.server.handleHistory(ctx, buildRequest("build.history", map[string]any{}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	var list struct {
		Builds []store.BuildRecord `json:"builds"`
	}
	unmarshalResult(t, result, &list)
	require.Len(t, list.Builds, 1)
	assert.Equal(t, buildID, list.Builds[0].ID)

	result, err = env.server.handleHistory(ctx, buildRequest("build.history", map[string]any{
		"status": "failed",
	}))
	require.NoError(t, err)
	unmarshalResult(t, result, &list)
	assert.Empty(t, list.Builds)

	result, err = env.server.handleHistory(ctx, buildRequest("build.history", map[string]any{
		"build_id": buildID,
		"events":   true,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	var one struct {
		Build  store.BuildRecord    `json:"build"`
		Events []*store.EventRecord `json:"events"`
	}
	unmarshalResult(t, result, &one)
	assert.Equal(t, buildID, one.Build.ID)
	require.NotEmpty(t, one.Events)
	assert.Equal(t, "graph_ready", string(one.Events[0].Kind))
}

func TestHistoryToolErrors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	result, err := env.server.handleHistory(ctx, buildRequest("build.history", map[string]any{"build_id": "nope"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = env.server.handleHistory(ctx, buildRequest("build.history", map[string]any{"since": "yesterday"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	bare := NewBuildServer(BuildServerDeps{})
	result, err = bare.handleHistory(ctx, buildRequest("build.history", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestActionsTool(t *testing.T) {
	env := newTestEnv(t)

	result, err := env.server.handleActions(context.Background(), buildRequest("build.actions", nil))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var out struct {
		Actions []actions.ActionInfo `json:"actions"`
	}
	unmarshalResult(t, result, &out)
	tags := make([]string, 0, len(out.Actions))
	for _, a := range out.Actions {
		tags = append(tags, a.Tag)
	}
	assert.Contains(t, tags, "fs.write")
	assert.Contains(t, tags, "jq")
}

// --- Test helpers ---

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	text := extractText(t, result)
	require.NoError(t, json.Unmarshal([]byte(text), target))
}
