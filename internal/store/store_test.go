package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/buildcore/internal/fingerprint"
	"github.com/rendis/buildcore/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	s, err := Open(context.Background(), "file:"+filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))

	var version int
	require.NoError(t, s.DB().QueryRow(`SELECT MAX(version) FROM schema_version`).Scan(&version))
	assert.Equal(t, len(migrations), version)
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements("-- only a comment;\nCREATE TABLE a (x INT);\n\n-- lead\nCREATE TABLE b (y INT);")
	require.Len(t, stmts, 2)
	assert.Contains(t, stmts[0], "CREATE TABLE a")
	assert.Contains(t, stmts[1], "CREATE TABLE b")
}

func TestLoadMigrations(t *testing.T) {
	ms, err := loadMigrations(fstest.MapFS{
		"migrations/002_events.sql":  {Data: []byte("CREATE TABLE e (x INT);")},
		"migrations/001_initial.sql": {Data: []byte("CREATE TABLE i (x INT);")},
	})
	require.NoError(t, err)
	require.Len(t, ms, 2)
	assert.Equal(t, "initial", ms[0].Name)
	assert.Equal(t, 2, ms[1].Version)

	_, err = loadMigrations(fstest.MapFS{"migrations/002_gap.sql": {Data: []byte("SELECT 1;")}})
	assert.Error(t, err)
	_, err = loadMigrations(fstest.MapFS{"migrations/initial.sql": {Data: []byte("SELECT 1;")}})
	assert.Error(t, err)
}

// --- Cache ---

func TestCacheStore_GetPut(t *testing.T) {
	ctx := context.Background()
	c := NewCacheStore(newTestStore(t))

	_, err := c.Get(ctx, "abc")
	assert.ErrorIs(t, err, fingerprint.ErrNotFound)

	require.NoError(t, c.Put(ctx, "abc", []byte(`{"v":1}`)))
	require.NoError(t, c.Put(ctx, "abc", []byte(`{"v":2}`)))

	data, err := c.Get(ctx, "abc")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(data))

	n, err := c.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCacheStore_Prune(t *testing.T) {
	ctx := context.Background()
	c := NewCacheStore(newTestStore(t))
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	c.now = func() time.Time { return base }
	require.NoError(t, c.Put(ctx, "old", []byte(`{}`)))
	c.now = func() time.Time { return base.Add(48 * time.Hour) }
	require.NoError(t, c.Put(ctx, "new", []byte(`{}`)))

	n, err := c.Prune(ctx, base.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = c.Get(ctx, "old")
	assert.ErrorIs(t, err, fingerprint.ErrNotFound)
	_, err = c.Get(ctx, "new")
	assert.NoError(t, err)
}

func TestCacheStore_BacksFingerprintCache(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cache := fingerprint.NewCache(NewCacheStore(newTestStore(t)), dir, nil)

	params, err := schema.SnapshotParams(map[string]any{"k": "v"})
	require.NoError(t, err)
	d, err := fingerprint.Compute(fingerprint.Material{Action: "noop@1", Params: params})
	require.NoError(t, err)

	runs := 0
	run := func(context.Context) error { runs++; return nil }
	for i := 0; i < 3; i++ {
		_, err := cache.Probe(ctx, d, nil, run)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, runs)
}

// --- History ---

func sampleReport(id string, started time.Time) *schema.BuildReport {
	return &schema.BuildReport{
		BuildID:                 id,
		PlannedOrder:            []string{"compile", "test", "lint", "docs"},
		Executed:                []string{"compile"},
		SkippedFailedDependency: nil,
		SkippedExcluded:         []string{"lint"},
		Unexecuted:              []string{"docs"},
		Failures: []schema.UnitFailure{{
			UnitID: "test",
			Cause:  schema.NewError(schema.ErrCodeActionExecution, "action failed").WithCause(errors.New("3 tests failed")),
		}},
		Policy:    schema.FailFast,
		StartedAt: started,
		Duration:  1500 * time.Millisecond,
	}
}

func TestHistoryStore_RecordAndGet(t *testing.T) {
	ctx := context.Background()
	h := NewHistoryStore(newTestStore(t))
	id := uuid.NewString()
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, h.RecordReport(ctx, "nightly", sampleReport(id, started)))

	b, err := h.GetBuild(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "nightly", b.Name)
	assert.Equal(t, BuildStatusFailed, b.Status)
	assert.Equal(t, schema.FailFast, b.Policy)
	assert.True(t, started.Equal(b.StartedAt))
	assert.Equal(t, 1500*time.Millisecond, b.Duration)
	assert.NotEmpty(t, b.Report)

	require.Len(t, b.Outcomes, 4)
	assert.Equal(t, UnitOutcome{UnitID: "compile", Position: 0, State: schema.UnitStateExecuted}, b.Outcomes[0])
	assert.Equal(t, UnitOutcome{UnitID: "test", Position: 1, State: schema.UnitStateFailed, Cause: "3 tests failed"}, b.Outcomes[1])
	assert.Equal(t, schema.UnitStateSkippedExcluded, b.Outcomes[2].State)
	assert.Equal(t, UnitStateUnexecuted, b.Outcomes[3].State)

	report, err := b.DecodeReport()
	require.NoError(t, err)
	assert.Equal(t, id, report.BuildID)
	assert.Equal(t, []string{"compile", "test", "lint", "docs"}, report.PlannedOrder)
	require.Len(t, report.Failures, 1)
	require.Error(t, report.Failures[0].Cause)
	assert.Equal(t, "3 tests failed", report.Failures[0].Cause.Error())
	assert.Equal(t, schema.UnitStateFailed, report.StateOf("test"))
}

func TestBuildRecord_DecodeReportWithoutReport(t *testing.T) {
	_, err := (&BuildRecord{ID: "b1"}).DecodeReport()
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestHistoryStore_Errors(t *testing.T) {
	ctx := context.Background()
	h := NewHistoryStore(newTestStore(t))

	_, err := h.GetBuild(ctx, "missing")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	err = h.RecordReport(ctx, "", &schema.BuildReport{})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	r := sampleReport("dup", time.Now())
	require.NoError(t, h.RecordReport(ctx, "", r))
	assert.True(t, schema.IsCode(h.RecordReport(ctx, "", r), schema.ErrCodeConflict))
}

func TestHistoryStore_ListAndDelete(t *testing.T) {
	ctx := context.Background()
	h := NewHistoryStore(newTestStore(t))
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	ok := &schema.BuildReport{BuildID: "ok", PlannedOrder: []string{"a"}, Executed: []string{"a"}, Policy: schema.Continue, StartedAt: base.Add(2 * time.Hour)}
	require.NoError(t, h.RecordReport(ctx, "", sampleReport("old", base)))
	require.NoError(t, h.RecordReport(ctx, "", sampleReport("mid", base.Add(time.Hour))))
	require.NoError(t, h.RecordReport(ctx, "", ok))

	all, err := h.ListBuilds(ctx, BuildFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"ok", "mid", "old"}, []string{all[0].ID, all[1].ID, all[2].ID})
	assert.Empty(t, all[0].Report, "listing omits reports")

	failed, err := h.ListBuilds(ctx, BuildFilter{Status: BuildStatusFailed, Limit: 1})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "mid", failed[0].ID)

	recent, err := h.ListBuilds(ctx, BuildFilter{Since: base.Add(90 * time.Minute)})
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, BuildStatusSucceeded, recent[0].Status)

	n, err := h.DeleteBefore(ctx, base.Add(90*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	_, err = h.GetBuild(ctx, "old")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

// --- Event log ---

func TestEventLog_AppendAndRead(t *testing.T) {
	ctx := context.Background()
	el := NewEventLog(newTestStore(t))

	events := []schema.Event{
		{Kind: schema.EventGraphReady, BuildID: "b1", Planned: []string{"a"}},
		{Kind: schema.EventBeforeExecute, BuildID: "b1", UnitID: "a"},
		{Kind: schema.EventAfterExecute, BuildID: "b1", UnitID: "a", Outcome: schema.UnitStateFailed,
			Cause: schema.NewError(schema.ErrCodeActionExecution, "x").WithCause(errors.New("disk full"))},
		{Kind: schema.EventLog, BuildID: "b2", Message: "other build"},
	}
	for _, e := range events {
		_, err := el.AppendEvent(ctx, e)
		require.NoError(t, err)
	}

	got, err := el.GetEvents(ctx, "b1", 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, int64(1), got[0].Sequence)
	assert.Equal(t, schema.EventAfterExecute, got[2].Kind)
	assert.Equal(t, "a", got[2].UnitID)
	assert.Contains(t, string(got[2].Payload), `"cause":"disk full"`)

	tail, err := el.GetEvents(ctx, "b1", 2)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, int64(3), tail[0].Sequence)

	_, err = el.AppendEvent(ctx, schema.Event{Kind: schema.EventLog})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestEventSink_PersistsBroadcastEvents(t *testing.T) {
	el := NewEventLog(newTestStore(t))
	sink := NewEventSink(el, nil)

	sink.OnEvent(schema.Event{Kind: schema.EventGraphReady, BuildID: "b"})
	sink.OnEvent(schema.Event{Kind: schema.EventLog}) // no build id: dropped, not fatal

	got, err := el.GetEvents(context.Background(), "b", 0)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
