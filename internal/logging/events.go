package logging

import (
	"context"
	"log/slog"

	"github.com/rendis/buildcore/pkg/schema"
)

// EventLogger renders build events as log records. It is the default
// primary observer of a build.
type EventLogger struct {
	logger *slog.Logger
}

// NewEventLogger creates an EventLogger writing to logger.
func NewEventLogger(logger *slog.Logger) *EventLogger {
	return &EventLogger{logger: logger}
}

// OnEvent logs e at a level matching its kind and outcome.
func (l *EventLogger) OnEvent(e schema.Event) {
	ctx := WithBuildID(context.Background(), e.BuildID)
	if e.UnitID != "" {
		ctx = WithUnitID(ctx, e.UnitID)
	}

	switch e.Kind {
	case schema.EventGraphReady:
		l.logger.InfoContext(ctx, "build planned", slog.Int("units", len(e.Planned)))
	case schema.EventBeforeExecute:
		l.logger.DebugContext(ctx, "unit dispatched")
	case schema.EventAfterExecute:
		if e.Outcome == schema.UnitStateFailed {
			l.logger.ErrorContext(ctx, "unit failed", slog.Any("error", e.Cause))
			return
		}
		l.logger.InfoContext(ctx, "unit finished", slog.String("outcome", string(e.Outcome)))
	case schema.EventLog:
		l.logger.Log(ctx, e.Level, e.Message)
	}
}
