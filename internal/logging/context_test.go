package logging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/rendis/buildcore/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, "", BuildID(ctx))
	assert.Equal(t, "", UnitID(ctx))

	ctx = WithBuildID(ctx, "b-1")
	ctx = WithUnitID(ctx, "compile")
	ctx = WithAction(ctx, "shell.exec")

	assert.Equal(t, "b-1", BuildID(ctx))
	assert.Equal(t, "compile", UnitID(ctx))
	assert.Equal(t, "shell.exec", Action(ctx))
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	ctx := WithUnitID(WithBuildID(context.Background(), "b-9"), "link")
	LogWith(ctx, logger).Info("hello")

	out := buf.String()
	assert.Contains(t, out, "build_id=b-9")
	assert.Contains(t, out, "unit_id=link")
	assert.NotContains(t, out, "action=")
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewTextHandler(&buf, nil)))

	ctx := WithBuildID(context.Background(), "b-2")
	logger.With("component", "scheduler").InfoContext(ctx, "tick")

	out := buf.String()
	assert.Contains(t, out, "build_id=b-2")
	assert.Contains(t, out, "component=scheduler")
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(&buf, "debug", "json")
	require.NoError(t, err)

	logger.DebugContext(WithUnitID(context.Background(), "u"), "x")
	assert.Contains(t, buf.String(), `"unit_id":"u"`)

	_, err = NewLogger(&buf, "loud", "text")
	assert.Error(t, err)
	_, err = NewLogger(&buf, "info", "xml")
	assert.Error(t, err)
}

func TestEventLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewEventLogger(slog.New(NewCorrelationHandler(slog.NewTextHandler(&buf, nil))))

	l.OnEvent(schema.Event{Kind: schema.EventGraphReady, BuildID: "b", Planned: []string{"a", "b"}})
	l.OnEvent(schema.Event{Kind: schema.EventAfterExecute, BuildID: "b", UnitID: "a", Outcome: schema.UnitStateFailed, Cause: errors.New("boom")})
	l.OnEvent(schema.Event{Kind: schema.EventLog, BuildID: "b", Level: slog.LevelWarn, Message: "cache miss"})

	out := buf.String()
	assert.Contains(t, out, "units=2")
	assert.Contains(t, out, "unit_id=a")
	assert.Contains(t, out, "error=boom")
	assert.Contains(t, out, "level=WARN")
	assert.Contains(t, out, "cache miss")
}
