package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/buildcore/internal/diagram"
	"github.com/rendis/buildcore/internal/plan"
	"github.com/rendis/buildcore/internal/service"
	"github.com/rendis/buildcore/internal/store"
	"github.com/rendis/buildcore/pkg/schema"
)

// handleValidate reports every issue of a plan without building it.
func (s *BuildServer) handleValidate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	doc, err := planDoc(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	_, result := s.builder.Validate(doc)
	return marshalResult(map[string]any{
		"valid":    result.Valid(),
		"errors":   result.Errors,
		"warnings": result.Warnings,
	})
}

type plannedUnit struct {
	ID        string   `json:"id"`
	Action    string   `json:"action"`
	DependsOn []string `json:"depends_on,omitempty"`
	RunAfter  []string `json:"run_after,omitempty"`
}

// handlePlan returns the planned order and dependency levels.
func (s *BuildServer) handlePlan(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	doc, err := planDoc(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	planned, err := s.builder.Plan(doc, req.GetStringSlice("targets", nil))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("plan failed: %v", err)), nil
	}

	g := planned.Graph
	units := make([]plannedUnit, 0, g.Len())
	for _, id := range g.Order() {
		u, _ := g.Unit(id)
		units = append(units, plannedUnit{
			ID:        id,
			Action:    u.Action,
			DependsOn: g.Deps(id),
			RunAfter:  g.RunAfter(id),
		})
	}
	return marshalResult(map[string]any{
		"name":   planned.Plan.Name,
		"order":  g.Order(),
		"levels": g.Levels(),
		"units":  units,
	})
}

// handleRun executes a plan and streams its events to the caller as
// logging notifications while it runs.
func (s *BuildServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	doc, err := planDoc(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	buildID := uuid.NewString()
	stop := s.forwardEvents(ctx, buildID)
	report, runErr := s.builder.Run(ctx, service.Request{
		BuildID:     buildID,
		Name:        req.GetString("name", ""),
		Plan:        doc,
		Targets:     req.GetStringSlice("targets", nil),
		Exclude:     req.GetString("exclude", ""),
		Policy:      req.GetString("policy", ""),
		Parallelism: req.GetInt("parallelism", 0),
	})
	stop()
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("build failed to start: %v", runErr)), nil
	}

	result := map[string]any{
		"build_id":  report.BuildID,
		"succeeded": report.Succeeded(),
		"report":    report,
	}
	if err := report.Err(); err != nil {
		result["error"] = err.Error()
	}
	return marshalResult(result)
}

// handleDiagram renders a plan's graph, optionally with the unit states of
// a recorded build.
func (s *BuildServer) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}
	if format != "ascii" && format != "mermaid" && format != "image" {
		return mcp.NewToolResultError("format must be ascii, mermaid, or image"), nil
	}

	doc, err := planDoc(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	planned, err := s.builder.Plan(doc, req.GetStringSlice("targets", nil))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("plan failed: %v", err)), nil
	}

	var report *schema.BuildReport
	if buildID := req.GetString("build_id", ""); buildID != "" {
		if s.history == nil {
			return mcp.NewToolResultError("build history is not enabled"), nil
		}
		rec, getErr := s.history.GetBuild(ctx, buildID)
		if getErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("build lookup failed: %v", getErr)), nil
		}
		if report, err = rec.DecodeReport(); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("build report unreadable: %v", err)), nil
		}
	}

	model := diagram.Build(planned.Plan.Name, planned.Graph, report)
	switch format {
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	default:
		png, imgErr := diagram.RenderImage(ctx, model)
		if imgErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", imgErr)), nil
		}
		return mcp.NewToolResultText(base64.StdEncoding.EncodeToString(png)), nil
	}
}

// handleHistory lists recorded builds, or returns one build with its events.
func (s *BuildServer) handleHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.history == nil {
		return mcp.NewToolResultError("build history is not enabled"), nil
	}

	if buildID := req.GetString("build_id", ""); buildID != "" {
		rec, err := s.history.GetBuild(ctx, buildID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("build lookup failed: %v", err)), nil
		}
		result := map[string]any{"build": rec}
		if req.GetBool("events", false) && s.events != nil {
			events, evErr := s.events.GetEvents(ctx, buildID, 0)
			if evErr != nil {
				return mcp.NewToolResultError(fmt.Sprintf("event query failed: %v", evErr)), nil
			}
			result["events"] = events
		}
		return marshalResult(result)
	}

	filter := store.BuildFilter{
		Status: store.BuildStatus(req.GetString("status", "")),
		Limit:  req.GetInt("limit", 0),
	}
	if since := req.GetString("since", ""); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("since must be an RFC 3339 time: %v", err)), nil
		}
		filter.Since = t
	}
	builds, err := s.history.ListBuilds(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"builds": builds})
}

// handleActions lists the registered actions.
func (s *BuildServer) handleActions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.registry == nil {
		return mcp.NewToolResultError("action registry is not available"), nil
	}
	return marshalResult(map[string]any{"actions": s.registry.List()})
}

// --- Helpers ---

// planDoc returns the JSON plan from the inline plan argument or plan_file.
func planDoc(req mcp.CallToolRequest) ([]byte, error) {
	if inline := mcp.ParseStringMap(req, "plan", nil); inline != nil {
		data, err := json.Marshal(inline)
		if err != nil {
			return nil, fmt.Errorf("invalid plan: %w", err)
		}
		return data, nil
	}
	if path := req.GetString("plan_file", ""); path != "" {
		return plan.ReadFile(path)
	}
	return nil, fmt.Errorf("plan or plan_file is required")
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
