package panel

import (
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/rendis/buildcore/internal/diagram"
	"github.com/rendis/buildcore/internal/service"
	"github.com/rendis/buildcore/pkg/schema"
)

// handleRunBuild runs the plan in the body and answers with its report once
// the build finishes. Progress is available on the live streams under the
// build id returned in the X-Build-ID header.
func (s *PanelServer) handleRunBuild(w http.ResponseWriter, r *http.Request) {
	if s.deps.Builder == nil {
		writeError(w, http.StatusServiceUnavailable, "builds are not enabled")
		return
	}
	doc, err := readPlan(r)
	if err != nil {
		writeBuildError(w, err)
		return
	}

	q := r.URL.Query()
	buildID := uuid.NewString()
	w.Header().Set("X-Build-ID", buildID)
	report, err := s.deps.Builder.Run(r.Context(), service.Request{
		BuildID:     buildID,
		Name:        q.Get("name"),
		Plan:        doc,
		Targets:     queryList(r, "targets"),
		Exclude:     q.Get("exclude"),
		Policy:      q.Get("policy"),
		Parallelism: queryInt(r, "parallelism", 0),
	})
	if err != nil {
		writeBuildError(w, err)
		return
	}

	status := http.StatusOK
	if !report.Succeeded() {
		status = http.StatusUnprocessableEntity
	}
	resp := map[string]any{"build_id": report.BuildID, "succeeded": report.Succeeded(), "report": report}
	if err := report.Err(); err != nil {
		resp["error"] = err.Error()
	}
	writeJSON(w, status, resp)
}

// handlePlan returns the planned order and levels of the plan in the body.
func (s *PanelServer) handlePlan(w http.ResponseWriter, r *http.Request) {
	if s.deps.Builder == nil {
		writeError(w, http.StatusServiceUnavailable, "builds are not enabled")
		return
	}
	doc, err := readPlan(r)
	if err != nil {
		writeBuildError(w, err)
		return
	}
	planned, err := s.deps.Builder.Plan(doc, queryList(r, "targets"))
	if err != nil {
		writeBuildError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":   planned.Plan.Name,
		"order":  planned.Graph.Order(),
		"levels": planned.Graph.Levels(),
	})
}

// handleDiagram renders the plan in the body as ascii, mermaid, png, svg or
// dot, optionally overlaid with the states of ?build_id.
func (s *PanelServer) handleDiagram(w http.ResponseWriter, r *http.Request) {
	if s.deps.Builder == nil {
		writeError(w, http.StatusServiceUnavailable, "builds are not enabled")
		return
	}
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "mermaid"
	}

	doc, err := readPlan(r)
	if err != nil {
		writeBuildError(w, err)
		return
	}
	planned, err := s.deps.Builder.Plan(doc, queryList(r, "targets"))
	if err != nil {
		writeBuildError(w, err)
		return
	}

	var report *schema.BuildReport
	if buildID := r.URL.Query().Get("build_id"); buildID != "" {
		if s.deps.History == nil {
			writeError(w, http.StatusServiceUnavailable, "build history is not enabled")
			return
		}
		rec, err := s.deps.History.GetBuild(r.Context(), buildID)
		if err != nil {
			writeBuildError(w, err)
			return
		}
		if report, err = rec.DecodeReport(); err != nil {
			writeBuildError(w, err)
			return
		}
	}

	model := diagram.Build(planned.Plan.Name, planned.Graph, report)
	switch format {
	case "ascii":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprint(w, diagram.RenderASCII(model))
	case "mermaid":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprint(w, diagram.RenderMermaid(model))
	case "png", "svg", "dot":
		data, err := diagram.RenderGraphviz(r.Context(), model, diagram.Format(format))
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("render failed: %v", err))
			return
		}
		w.Header().Set("Content-Type", contentTypes[format])
		w.Write(data)
	default:
		writeError(w, http.StatusBadRequest, "format must be ascii, mermaid, png, svg or dot")
	}
}

var contentTypes = map[string]string{
	"png": "image/png",
	"svg": "image/svg+xml",
	"dot": "text/vnd.graphviz",
}
