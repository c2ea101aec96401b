package app

import (
	"context"
	"strings"

	"github.com/bdobrica/Kotodama/common/trace"
	"github.com/bdobrica/Kotodama/internal/kotodama/chatfilter"
	"github.com/bdobrica/Kotodama/internal/kotodama/memory"
	"github.com/bdobrica/Kotodama/internal/kotodama/metrics"
	"github.com/bdobrica/Kotodama/internal/kotodama/observability"
	"github.com/bdobrica/Kotodama/internal/kotodama/session"
)

// handleMessage runs the auto-reply pipeline for one inbound message.
// Errors are logged; nothing is returned to the session.
func (a *App) handleMessage(ctx context.Context, userID string, msg *session.InboundMessage) {
	if msg.FromMe || !a.AIEnabled(userID) || !chatfilter.IsPersonal(msg.Chat) {
		return
	}

	ctx = trace.New(ctx)
	log := observability.WithTrace(ctx).With("user_id", userID, "chat", msg.Chat.ID)

	key := memory.Key(userID, msg.Chat.ID)
	a.memory.Add(key, memory.RoleUser, msg.Text)
	history := a.memory.Recent(key)

	a.meter.IncAttempt(userID)
	reply := a.ai.ReplyFor(ctx, userID, msg.Text, senderName(msg), history)
	if reply == nil {
		log.Debug("no reply produced")
		return
	}

	if err := a.sessions.SendMessage(ctx, userID, msg.Chat.ID, reply.Text); err != nil {
		log.Error("auto-reply send failed", "err", err)
		return
	}
	a.memory.Add(key, memory.RoleAssistant, reply.Text)
	a.meter.IncSuccess(userID)
	a.meter.AddUsage(userID, reply.Provider, reply.OutputTokens, metrics.TimeSaved(reply.Text))
	log.Info("auto-reply sent", "provider", reply.Provider, "out_tokens", reply.OutputTokens)
}

// senderName prefers the contact's display name and falls back to the
// phone number part of the sender id.
func senderName(msg *session.InboundMessage) string {
	if msg.SenderName != "" {
		return msg.SenderName
	}
	user, _, _ := strings.Cut(msg.SenderID, "@")
	user, _, _ = strings.Cut(user, ":")
	return user
}
