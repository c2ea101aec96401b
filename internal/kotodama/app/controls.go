package app

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/bdobrica/Kotodama/internal/kotodama/ai"
	"github.com/bdobrica/Kotodama/internal/kotodama/control"
	"github.com/bdobrica/Kotodama/internal/kotodama/hub"
	"github.com/bdobrica/Kotodama/internal/kotodama/session"
	"github.com/bdobrica/Kotodama/internal/kotodama/settings"
)

// AIEnabled reports whether auto-reply is on for the user. It is off until
// the user turns it on.
func (a *App) AIEnabled(userID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.aiEnabled[userID]
}

// Status ensures the user's session is running and reports its state.
func (a *App) Status(ctx context.Context, userID string) control.StatusResponse {
	if _, err := a.sessions.Ensure(ctx, userID); err != nil {
		slog.Debug("status: session start failed", "user_id", userID, "err", err)
	}
	return control.StatusResponse{
		Connected: a.sessions.IsReady(userID),
		AIEnabled: a.AIEnabled(userID),
		HasAPIKey: a.ai.Config(userID).HasAPIKey,
	}
}

// SetAIEnabled toggles auto-reply and broadcasts the new state.
func (a *App) SetAIEnabled(ctx context.Context, userID string, enabled bool) (bool, error) {
	a.mu.Lock()
	a.aiEnabled[userID] = enabled
	a.mu.Unlock()

	if _, err := a.settings.UpdateAI(ctx, userID, func(s *settings.AI) { s.Enabled = enabled }); err != nil {
		slog.Warn("persist ai flag", "user_id", userID, "err", err)
	}
	a.hub.Publish(userID, hub.TypeAIStatus, aiStatusPayload{Enabled: enabled})
	return enabled, nil
}

// AIConfig returns the user's key-free AI configuration.
func (a *App) AIConfig(userID string) ai.View {
	return a.ai.Config(userID)
}

// SetAIConfig applies and persists an AI configuration update.
func (a *App) SetAIConfig(ctx context.Context, userID string, upd ai.Update) (ai.View, error) {
	a.ai.Configure(userID, upd)

	_, err := a.settings.UpdateAI(ctx, userID, func(s *settings.AI) {
		if upd.APIKey != nil {
			s.GeminiKey = strings.TrimSpace(*upd.APIKey)
		}
		if upd.Prompt != nil {
			s.Prompt = strings.TrimSpace(*upd.Prompt)
		}
		if upd.GroqAPIKey != nil {
			s.GroqKey = strings.TrimSpace(*upd.GroqAPIKey)
		}
	})
	if err != nil {
		slog.Warn("persist ai config", "user_id", userID, "err", err)
	}
	return a.ai.Config(userID), nil
}

// Metrics returns the user's usage counters with cost estimates.
func (a *App) Metrics(userID string) control.MetricsResponse {
	s := a.meter.Snapshot(userID)
	return control.MetricsResponse{
		APICallsGemini:  s.CallsGemini,
		APICallsGroq:    s.CallsGroq,
		APICalls:        s.Calls(),
		TimeSavedSec:    s.TimeSavedSeconds,
		EstCost:         s.EstimatedCost(a.cfg.Pricing),
		SuccessRate:     s.SuccessRate(),
		Attempts:        s.Attempts,
		Successes:       s.Successes,
		OutTokensGemini: s.OutTokensGemini,
		OutTokensGroq:   s.OutTokensGroq,
	}
}

// Disconnect stops the user's session. With logout the linked device is
// removed too, so the next connection needs a fresh credential scan.
func (a *App) Disconnect(ctx context.Context, userID string, logout bool) error {
	err := a.sessions.Disconnect(ctx, userID, logout)
	if errors.Is(err, session.ErrNotStarted) {
		if logout {
			return a.settings.ForgetDevice(ctx, userID)
		}
		return nil
	}
	return err
}
