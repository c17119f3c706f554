// Package panel serves the HTTP view of builds: history, persisted and live
// events, and plan/diagram/run endpoints backed by the shared builder.
package panel

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

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

// PanelDeps holds the dependencies for the panel server. Every field but
// Logger may be nil; routes needing a missing dependency answer 503.
type PanelDeps struct {
	Builder  *service.Builder
	Registry *actions.Registry
	History  HistoryReader
	Events   EventReader
	Hub      *streaming.Hub
	Metrics  http.Handler
	Logger   *slog.Logger
}

// PanelServer serves the build panel API.
type PanelServer struct {
	deps PanelDeps
}

// NewPanelServer creates a new PanelServer.
func NewPanelServer(deps PanelDeps) *PanelServer {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &PanelServer{deps: deps}
}

// Handler returns the HTTP handler for the panel routes.
func (s *PanelServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/actions", s.handleActions)
		r.Get("/builds", s.handleListBuilds)
		r.Post("/builds", s.handleRunBuild)
		r.Get("/builds/{id}", s.handleGetBuild)
		r.Get("/builds/{id}/events", s.handleBuildEvents)
		r.Post("/plan", s.handlePlan)
		r.Post("/diagram", s.handleDiagram)
	})

	// Live streams.
	r.Get("/sse/events", s.handleSSEGlobal)
	r.Get("/sse/builds/{id}", s.handleSSEBuild)
	r.Get("/ws/builds/{id}", s.handleWSBuild)

	return r
}

// ListenAndServe serves the panel on addr until ctx is cancelled.
func (s *PanelServer) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	s.deps.Logger.Info("panel listening", "addr", addr)
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *PanelServer) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.deps.Logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
