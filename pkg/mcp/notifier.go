package mcp

import (
	"context"
	"sync"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/buildcore/internal/streaming"
	"github.com/rendis/buildcore/pkg/schema"
)

// Notifier pushes notifications to the client behind ctx.
type Notifier interface {
	Notify(ctx context.Context, payload map[string]any) error
}

// MCPNotifier implements Notifier with MCP logging notifications.
type MCPNotifier struct {
	mcpServer *server.MCPServer
}

// NewMCPNotifier creates a notifier that sends through mcpServer.
func NewMCPNotifier(mcpServer *server.MCPServer) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer}
}

// Notify sends payload as a notifications/message to the calling client.
func (n *MCPNotifier) Notify(ctx context.Context, payload map[string]any) error {
	return n.mcpServer.SendNotificationToClient(ctx, "notifications/message", payload)
}

// forwardEvents relays hub events of buildID to the client behind ctx until
// the returned stop function is called. stop delivers whatever the hub had
// already queued before returning. Delivery is best-effort.
func (s *BuildServer) forwardEvents(ctx context.Context, buildID string) (stop func()) {
	if s.hub == nil || s.notifier == nil {
		return func() {}
	}
	ch, cancel, err := s.hub.Subscribe(ctx, streaming.EventFilter{BuildID: buildID})
	if err != nil {
		s.logger.Debug("progress subscription failed", "build_id", buildID, "error", err)
		return func() {}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		failed := false
		for e := range ch {
			if failed {
				continue
			}
			if err := s.notifier.Notify(ctx, progressPayload(e)); err != nil {
				// No session to deliver to; keep draining so the hub never blocks on us.
				s.logger.Debug("progress notification dropped", "build_id", buildID, "error", err)
				failed = true
			}
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

// progressPayload renders an event as the params of a logging notification.
func progressPayload(e schema.Event) map[string]any {
	data := map[string]any{
		"kind":     string(e.Kind),
		"build_id": e.BuildID,
	}
	if e.UnitID != "" {
		data["unit_id"] = e.UnitID
	}
	level := "info"
	switch e.Kind {
	case schema.EventGraphReady:
		data["planned"] = e.Planned
	case schema.EventAfterExecute:
		data["outcome"] = string(e.Outcome)
		if e.Cause != nil {
			data["cause"] = schema.RootCause(e.Cause).Error()
			level = "error"
		}
	case schema.EventLog:
		data["message"] = e.Message
		level = mcpLevel(e.Level.String())
	}
	return map[string]any{
		"level":  level,
		"logger": "buildcore",
		"data":   data,
	}
}

func mcpLevel(slogLevel string) string {
	switch slogLevel {
	case "DEBUG":
		return "debug"
	case "WARN":
		return "warning"
	case "ERROR":
		return "error"
	}
	return "info"
}
