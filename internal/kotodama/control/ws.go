package control

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bdobrica/Kotodama/internal/kotodama/auth"
	"github.com/bdobrica/Kotodama/internal/kotodama/hub"
)

const wsWriteWait = 10 * time.Second

func (s *Server) upgrader() websocket.Upgrader {
	origin := s.cfg.AllowedOrigin
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			o := r.Header.Get("Origin")
			return origin == "*" || o == "" || o == origin
		},
	}
}

// handleEventsWS streams the same events as /events over a WebSocket, one
// JSON envelope per text frame.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s.handlers.Subscribe == nil {
		writeError(w, http.StatusServiceUnavailable, "events unavailable")
		return
	}
	userID := auth.UserID(r.Context())

	up := s.upgrader()
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("ws: upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	// The reader only exists to notice the client closing the socket.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	sink := hub.NewChannelSink(hub.DefaultSinkBuffer)
	id := s.handlers.Subscribe(r.Context(), userID, sink)
	defer func() {
		if s.handlers.Unsubscribe != nil {
			s.handlers.Unsubscribe(userID, id)
		}
		sink.Close()
	}()

	ticker := time.NewTicker(s.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-s.closing:
			return
		case ev, ok := <-sink.Events():
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				slog.Debug("ws: write failed", "user_id", userID, "err", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
