package session

import (
	"context"
	"time"

	"github.com/bdobrica/Kotodama/internal/kotodama/chatfilter"
)

// State is the lifecycle state of a user's session.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateAwaitingLink  State = "awaiting_link"
	StateLinked        State = "linked"
	StateReady         State = "ready"
	StateDisconnected  State = "disconnected"
)

// EventKind is the closed set of signals a session dispatches.
type EventKind string

const (
	EventCredential    EventKind = "credential"
	EventAuthenticated EventKind = "authenticated"
	EventReady         EventKind = "ready"
	EventDisconnected  EventKind = "disconnected"
	EventMessage       EventKind = "message"
)

// InboundMessage is a text message received by a user's account.
type InboundMessage struct {
	ID         string
	Chat       chatfilter.Chat
	SenderID   string
	SenderName string
	Text       string
	FromMe     bool
	Timestamp  time.Time
}

// Event is a signal from the engine. Engines fill Code for credentials; the
// session renders it into DataURL before handlers see it.
type Event struct {
	Kind    EventKind
	Code    string
	DataURL string
	Reason  string
	Message *InboundMessage
}

// Handler receives dispatched events. ctx lives as long as the manager.
type Handler func(ctx context.Context, ev Event)

// Engine is one user's connection to the messaging network.
type Engine interface {
	// Start connects, emitting a credential event when the account must be
	// linked. It returns once the connection attempt has been made.
	Start(ctx context.Context) error
	Send(ctx context.Context, conversationID, text string) error
	// Stop disconnects and releases resources. The linked device is kept.
	Stop(ctx context.Context) error
}

// Unlinker is implemented by engines that can remove the linked device.
type Unlinker interface {
	Unlink(ctx context.Context) error
}

// EngineFactory builds the engine for a user. emit must be used for every
// signal the engine produces; it is safe to call from any goroutine.
type EngineFactory func(userID string, emit func(Event)) (Engine, error)
