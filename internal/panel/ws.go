package panel

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/rendis/buildcore/internal/streaming"
)

const wsWriteTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleWSBuild streams the live events of one build over a websocket.
// Messages from the client are ignored; a close or read error ends the
// stream.
func (s *PanelServer) handleWSBuild(w http.ResponseWriter, r *http.Request) {
	if s.deps.Hub == nil {
		writeError(w, http.StatusServiceUnavailable, "live events are not enabled")
		return
	}
	buildID := chi.URLParam(r, "id")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Subscribe before the handshake so no event after it is missed.
	ch, unsubscribe, err := s.deps.Hub.Subscribe(ctx, streaming.EventFilter{BuildID: buildID})
	if err != nil {
		s.deps.Logger.Error("websocket subscribe failed", "build_id", buildID, "error", err)
		writeError(w, http.StatusInternalServerError, "subscribe failed")
		return
	}
	defer unsubscribe()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.deps.Logger.Error("websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	s.deps.Logger.Debug("websocket connection established", "build_id", buildID, "client", r.RemoteAddr)

	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(viewOf(event)); err != nil {
				s.deps.Logger.Debug("websocket write failed", "build_id", buildID, "error", err)
				return
			}
		}
	}
}
