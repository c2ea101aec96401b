package control

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/bdobrica/Kotodama/internal/kotodama/auth"
	"github.com/bdobrica/Kotodama/internal/kotodama/hub"
)

// sseWriter writes Server-Sent Events frames and flushes after each one.
type sseWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	return &sseWriter{w: w, rc: http.NewResponseController(w)}
}

func (s *sseWriter) writeEvent(eventType string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", eventType, payload); err != nil {
		return err
	}
	return s.rc.Flush()
}

func (s *sseWriter) writeHeartbeat() error {
	if _, err := fmt.Fprint(s.w, ": heartbeat\n\n"); err != nil {
		return err
	}
	return s.rc.Flush()
}

// handleEvents streams the user's hub events until the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.handlers.Subscribe == nil {
		writeError(w, http.StatusServiceUnavailable, "events unavailable")
		return
	}
	userID := auth.UserID(r.Context())

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sse := newSSEWriter(w)
	if err := sse.rc.Flush(); err != nil {
		slog.Warn("sse: streaming not supported", "err", err)
		return
	}

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
		case <-r.Context().Done():
			return
		case <-s.closing:
			return
		case ev, ok := <-sink.Events():
			if !ok {
				return
			}
			if err := sse.writeEvent(ev.Type, ev); err != nil {
				slog.Debug("sse: write failed", "user_id", userID, "err", err)
				return
			}
		case <-ticker.C:
			if err := sse.writeHeartbeat(); err != nil {
				return
			}
		}
	}
}
