package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/buildcore/internal/actions"
	"github.com/rendis/buildcore/internal/service"
	"github.com/rendis/buildcore/internal/store"
	"github.com/rendis/buildcore/internal/streaming"
)

// HistoryReader reads recorded builds.
type HistoryReader interface {
	GetBuild(ctx context.Context, id string) (*store.BuildRecord, error)
	ListBuilds(ctx context.Context, filter store.BuildFilter) ([]*store.BuildRecord, error)
}

// EventReader reads persisted build events.
type EventReader interface {
	GetEvents(ctx context.Context, buildID string, since int64) ([]*store.EventRecord, error)
}

// BuildServerDeps holds the dependencies for creating a BuildServer.
// History, Events and Hub may be nil; the tools that need them then
// report that they are unavailable.
type BuildServerDeps struct {
	Builder  *service.Builder
	Registry *actions.Registry
	History  HistoryReader
	Events   EventReader
	Hub      *streaming.Hub
	Logger   *slog.Logger
}

// BuildServer wraps an MCP server with build tool handlers.
type BuildServer struct {
	builder   *service.Builder
	registry  *actions.Registry
	history   HistoryReader
	events    EventReader
	hub       *streaming.Hub
	notifier  Notifier
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewBuildServer creates a BuildServer with all tools registered.
func NewBuildServer(deps BuildServerDeps) *BuildServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &BuildServer{
		builder:  deps.Builder,
		registry: deps.Registry,
		history:  deps.History,
		events:   deps.Events,
		hub:      deps.Hub,
		logger:   logger,
	}

	mcpSrv := server.NewMCPServer(
		"buildcore",
		version,
		server.WithToolCapabilities(false),
		server.WithLogging(),
		server.WithRecovery(),
		server.WithInstructions("buildcore executes build plans: units with hard dependencies, soft ordering and declared inputs and outputs. Use build.validate to check a plan, build.plan to see its execution order, build.run to execute it (up-to-date units are skipped), build.diagram to render the graph and build.history to inspect past builds."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv)
	return s
}

// version is reported to MCP clients during initialization.
var version = "1.0.0"

// SetVersion overrides the server version advertised to clients. It must be
// called before NewBuildServer.
func SetVersion(v string) { version = v }

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *BuildServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *BuildServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *BuildServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: validateTool(), Handler: s.handleValidate},
		{Tool: planTool(), Handler: s.handlePlan},
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: diagramTool(), Handler: s.handleDiagram},
		{Tool: historyTool(), Handler: s.handleHistory},
		{Tool: actionsTool(), Handler: s.handleActions},
	}
}

// --- Tool definitions ---

func withPlan() []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithObject("plan", mcp.Description("Build plan document: {\"name\": ..., \"units\": [...]}")),
		mcp.WithString("plan_file", mcp.Description("Path of a JSON or YAML plan file, used when plan is absent")),
	}
}

func validateTool() mcp.Tool {
	opts := append([]mcp.ToolOption{
		mcp.WithDescription("Validate a build plan and report every error and warning"),
	}, withPlan()...)
	return mcp.NewTool("build.validate", opts...)
}

func planTool() mcp.Tool {
	opts := append([]mcp.ToolOption{
		mcp.WithDescription("Compute the execution order and dependency levels of a build plan"),
		mcp.WithArray("targets", mcp.WithStringItems(), mcp.Description("Units to build together with their dependencies (default: all)")),
	}, withPlan()...)
	return mcp.NewTool("build.plan", opts...)
}

func runTool() mcp.Tool {
	opts := append([]mcp.ToolOption{
		mcp.WithDescription("Execute a build plan, skipping units that are up to date"),
		mcp.WithArray("targets", mcp.WithStringItems(), mcp.Description("Units to build together with their dependencies (default: all)")),
		mcp.WithString("policy", mcp.Enum("fail_fast", "continue"), mcp.Description("Failure policy (default from server config)")),
		mcp.WithNumber("parallelism", mcp.Description("Maximum units executing at once")),
		mcp.WithString("exclude", mcp.Description("Filter expression over id, action, tags, metadata; matching units are skipped")),
		mcp.WithString("name", mcp.Description("Name recorded in build history (default: plan name)")),
	}, withPlan()...)
	return mcp.NewTool("build.run", opts...)
}

func diagramTool() mcp.Tool {
	opts := append([]mcp.ToolOption{
		mcp.WithDescription("Render the execution graph of a build plan"),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("ascii", "mermaid", "image"),
			mcp.Description("Output format; image returns a base64 PNG"),
		),
		mcp.WithArray("targets", mcp.WithStringItems(), mcp.Description("Units to include together with their dependencies")),
		mcp.WithString("build_id", mcp.Description("Overlay the unit states of a recorded build")),
	}, withPlan()...)
	return mcp.NewTool("build.diagram", opts...)
}

func historyTool() mcp.Tool {
	return mcp.NewTool("build.history",
		mcp.WithDescription("List recorded builds or inspect one build"),
		mcp.WithString("build_id", mcp.Description("Build to inspect; lists builds when absent")),
		mcp.WithString("status", mcp.Enum("succeeded", "failed", "cancelled"), mcp.Description("Only list builds with this status")),
		mcp.WithString("since", mcp.Description("Only list builds started at or after this RFC 3339 time")),
		mcp.WithNumber("limit", mcp.Description("Maximum builds to list (default 50)")),
		mcp.WithBoolean("events", mcp.Description("Include the build's recorded events")),
	)
}

func actionsTool() mcp.Tool {
	return mcp.NewTool("build.actions",
		mcp.WithDescription("List the registered actions and their parameter schemas"),
	)
}
