// Package hub fans events out to the live push connections of each user.
//
// A push connection registers a Sink. Publish delivers an Event to every sink
// of one user, synchronously and in registration order. Publishes for the
// same user are serialized so every sink sees the same sequence. A failing
// sink only loses its own copy.
package hub

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types pushed to clients.
const (
	TypeConnected = "connected"
	TypeQR        = "qr"
	TypePhase     = "phase"
	TypeStatus    = "status"
	TypeAIStatus  = "ai_status"
)

var (
	// ErrSinkFull is returned by ChannelSink when its buffer is full.
	ErrSinkFull = errors.New("hub: sink buffer full")
	// ErrSinkClosed is returned by ChannelSink after Close.
	ErrSinkClosed = errors.New("hub: sink closed")
)

// Event is the envelope written to clients. TS is milliseconds since epoch.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
	TS      int64  `json:"ts"`
	UserID  string `json:"userId"`
}

// Sink receives events for one connection. Send must not block for long.
type Sink interface {
	Send(ev Event) error
}

type subscriber struct {
	id   string
	sink Sink
}

type userSet struct {
	publishMu sync.Mutex
	subs      []subscriber
}

// Hub is the per-user subscriber registry. It is safe for concurrent use.
type Hub struct {
	mu    sync.Mutex
	users map[string]*userSet
	now   func() time.Time
}

// New returns an empty Hub.
func New() *Hub {
	return &Hub{users: make(map[string]*userSet), now: time.Now}
}

func (h *Hub) envelope(userID, typ string, payload any) Event {
	return Event{Type: typ, Payload: payload, TS: h.now().UnixMilli(), UserID: userID}
}

// AddSubscriber registers sink for userID and immediately sends it a
// connected event carrying the new subscriber id.
func (h *Hub) AddSubscriber(userID string, sink Sink) string {
	id := uuid.NewString()
	set := h.join(userID, subscriber{id: id, sink: sink})
	defer set.publishMu.Unlock()

	ev := h.envelope(userID, TypeConnected, map[string]string{"subscriberId": id})
	if err := sink.Send(ev); err != nil {
		slog.Warn("hub: connected event not delivered", "user_id", userID, "subscriber_id", id, "err", err)
	}
	return id
}

// join appends sub to the user's current set and returns that set with its
// publishMu held. A set dropped by RemoveSubscriber while join waited for
// publishMu is abandoned and the lookup starts over.
func (h *Hub) join(userID string, sub subscriber) *userSet {
	for {
		h.mu.Lock()
		set, ok := h.users[userID]
		if !ok {
			set = &userSet{}
			h.users[userID] = set
		}
		h.mu.Unlock()

		set.publishMu.Lock()
		h.mu.Lock()
		if h.users[userID] == set {
			set.subs = append(set.subs, sub)
			h.mu.Unlock()
			return set
		}
		h.mu.Unlock()
		set.publishMu.Unlock()
	}
}

// RemoveSubscriber unregisters a subscriber. Unknown ids are ignored. The
// user's set is dropped with its last subscriber.
func (h *Hub) RemoveSubscriber(userID, id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.users[userID]
	if !ok {
		return
	}
	for i, s := range set.subs {
		if s.id == id {
			set.subs = append(set.subs[:i:i], set.subs[i+1:]...)
			break
		}
	}
	if len(set.subs) == 0 {
		delete(h.users, userID)
	}
}

// Count returns the number of live subscribers of userID.
func (h *Hub) Count(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.users[userID]; ok {
		return len(set.subs)
	}
	return 0
}

// Publish sends an event to every subscriber of userID.
func (h *Hub) Publish(userID, typ string, payload any) {
	h.mu.Lock()
	set, ok := h.users[userID]
	h.mu.Unlock()
	if !ok {
		return
	}

	set.publishMu.Lock()
	defer set.publishMu.Unlock()

	h.mu.Lock()
	subs := append([]subscriber(nil), set.subs...)
	h.mu.Unlock()

	ev := h.envelope(userID, typ, payload)
	for _, s := range subs {
		if err := s.sink.Send(ev); err != nil {
			slog.Warn("hub: delivery failed", "user_id", userID, "subscriber_id", s.id, "type", typ, "err", err)
		}
	}
}
