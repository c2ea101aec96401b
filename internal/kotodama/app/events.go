package app

import (
	"context"
	"log/slog"

	"github.com/bdobrica/Kotodama/internal/kotodama/hub"
	"github.com/bdobrica/Kotodama/internal/kotodama/session"
)

// Phases reported to the dashboard.
const (
	PhaseWaitingCredential = "waiting_credential"
	PhaseCredentialReady   = "credential_ready"
	PhaseAuthenticated     = "authenticated"
	PhaseReady             = "ready"
)

type phasePayload struct {
	Phase string `json:"phase"`
}

type qrPayload struct {
	DataURL string `json:"dataUrl"`
}

type statusPayload struct {
	Connected bool   `json:"connected"`
	Reason    string `json:"reason,omitempty"`
}

type aiStatusPayload struct {
	Enabled bool `json:"enabled"`
}

// wire connects a new session's events to hub broadcasts and the reply
// pipeline. The session manager calls it once per user.
func (a *App) wire(s *session.Session) {
	userID := s.UserID

	s.On(session.EventCredential, func(ctx context.Context, ev session.Event) {
		a.hub.Publish(userID, hub.TypePhase, phasePayload{Phase: PhaseCredentialReady})
		a.hub.Publish(userID, hub.TypeQR, qrPayload{DataURL: ev.DataURL})
	})
	s.On(session.EventAuthenticated, func(ctx context.Context, ev session.Event) {
		a.hub.Publish(userID, hub.TypePhase, phasePayload{Phase: PhaseAuthenticated})
		a.hub.Publish(userID, hub.TypeStatus, statusPayload{Connected: true})
	})
	s.On(session.EventReady, func(ctx context.Context, ev session.Event) {
		a.hub.Publish(userID, hub.TypePhase, phasePayload{Phase: PhaseReady})
		a.hub.Publish(userID, hub.TypeStatus, statusPayload{Connected: true})
	})
	s.On(session.EventDisconnected, func(ctx context.Context, ev session.Event) {
		slog.Info("session disconnected", "user_id", userID, "reason", ev.Reason)
		a.hub.Publish(userID, hub.TypeStatus, statusPayload{Connected: false, Reason: ev.Reason})
	})
	s.On(session.EventMessage, func(ctx context.Context, ev session.Event) {
		if ev.Message != nil {
			a.handleMessage(ctx, userID, ev.Message)
		}
	})
}

// Subscribe attaches sink to the user's event stream, makes sure the user's
// session is running and sends the current status. A failed session start
// is logged; the subscriber stays attached and sees later events.
func (a *App) Subscribe(ctx context.Context, userID string, sink hub.Sink) string {
	id := a.hub.AddSubscriber(userID, sink)
	slog.Debug("subscriber attached", "user_id", userID, "subscriber_id", id, "subscribers", a.hub.Count(userID))

	if _, err := a.sessions.Ensure(ctx, userID); err != nil {
		slog.Warn("session bootstrap failed", "user_id", userID, "err", err)
	}

	ready := a.sessions.IsReady(userID)
	phase := PhaseWaitingCredential
	if ready {
		phase = PhaseReady
	}
	a.hub.Publish(userID, hub.TypeStatus, statusPayload{Connected: ready})
	a.hub.Publish(userID, hub.TypePhase, phasePayload{Phase: phase})
	a.hub.Publish(userID, hub.TypeAIStatus, aiStatusPayload{Enabled: a.AIEnabled(userID)})
	return id
}
