package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	buildIDKey ctxKey = iota
	unitIDKey
	actionKey
)

// WithBuildID returns a context with the build ID set.
func WithBuildID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, buildIDKey, id)
}

// WithUnitID returns a context with the unit ID set.
func WithUnitID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, unitIDKey, id)
}

// WithAction returns a context with the action tag set.
func WithAction(ctx context.Context, tag string) context.Context {
	return context.WithValue(ctx, actionKey, tag)
}

// BuildID extracts the build ID from the context, or "" if absent.
func BuildID(ctx context.Context) string {
	v, _ := ctx.Value(buildIDKey).(string)
	return v
}

// UnitID extracts the unit ID from the context, or "" if absent.
func UnitID(ctx context.Context) string {
	v, _ := ctx.Value(unitIDKey).(string)
	return v
}

// Action extracts the action tag from the context, or "" if absent.
func Action(ctx context.Context) string {
	v, _ := ctx.Value(actionKey).(string)
	return v
}

// correlationAttrs lists the non-empty correlation IDs carried by ctx.
func correlationAttrs(ctx context.Context) []slog.Attr {
	var attrs []slog.Attr
	if v := BuildID(ctx); v != "" {
		attrs = append(attrs, slog.String("build_id", v))
	}
	if v := UnitID(ctx); v != "" {
		attrs = append(attrs, slog.String("unit_id", v))
	}
	if v := Action(ctx); v != "" {
		attrs = append(attrs, slog.String("action", v))
	}
	return attrs
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only non-empty values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	for _, a := range correlationAttrs(ctx) {
		logger = logger.With(a)
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, injecting correlation IDs from
// the context into every record. Callers log with logger.InfoContext(ctx, ...)
// and the IDs appear automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(correlationAttrs(ctx)...)
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
