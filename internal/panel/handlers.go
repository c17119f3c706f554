package panel

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rendis/buildcore/internal/store"
)

// handleActions lists the registered actions.
func (s *PanelServer) handleActions(w http.ResponseWriter, r *http.Request) {
	if s.deps.Registry == nil {
		writeError(w, http.StatusServiceUnavailable, "action registry is not available")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"actions": s.deps.Registry.List()})
}

// handleListBuilds lists recorded builds, newest first.
func (s *PanelServer) handleListBuilds(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeError(w, http.StatusServiceUnavailable, "build history is not enabled")
		return
	}

	filter := store.BuildFilter{
		Status: store.BuildStatus(r.URL.Query().Get("status")),
		Limit:  queryInt(r, "limit", 0),
	}
	if since := r.URL.Query().Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an RFC 3339 time")
			return
		}
		filter.Since = t
	}

	builds, err := s.deps.History.ListBuilds(r.Context(), filter)
	if err != nil {
		writeBuildError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"builds": builds, "count": len(builds)})
}

// handleGetBuild returns one recorded build with its unit outcomes.
func (s *PanelServer) handleGetBuild(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeError(w, http.StatusServiceUnavailable, "build history is not enabled")
		return
	}
	b, err := s.deps.History.GetBuild(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeBuildError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// handleBuildEvents returns the persisted events of a build after ?since.
func (s *PanelServer) handleBuildEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		writeError(w, http.StatusServiceUnavailable, "event log is not enabled")
		return
	}
	events, err := s.deps.Events.GetEvents(r.Context(), chi.URLParam(r, "id"), int64(queryInt(r, "since", 0)))
	if err != nil {
		writeBuildError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}
