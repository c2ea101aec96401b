// Package memory keeps the last few turns of every conversation so the reply
// pipeline can give the model some context. It is in-process only and is
// lost on restart.
package memory

import (
	"sync"
	"time"
)

// DefaultLimit is the number of turns kept per conversation.
const DefaultLimit = 10

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is a single message in a conversation.
type Turn struct {
	Role      Role
	Text      string
	Timestamp time.Time
}

// Key builds the conversation id for a chat of a user. Scoping by user keeps
// two tenants talking to the same contact from sharing history.
func Key(userID, chatID string) string {
	return userID + "/" + chatID
}

// Store is a bounded FIFO of turns per conversation id.
// It is safe for concurrent use.
type Store struct {
	mu    sync.Mutex
	limit int
	now   func() time.Time
	convs map[string][]Turn
}

// NewStore returns a Store keeping at most limit turns per conversation.
// limit ≤ 0 means DefaultLimit.
func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Store{
		limit: limit,
		now:   time.Now,
		convs: make(map[string][]Turn),
	}
}

// Add appends a turn, evicting the oldest once the limit is exceeded.
// Empty conversation ids and empty texts are ignored.
func (s *Store) Add(conversationID string, role Role, text string) {
	if conversationID == "" || text == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	turns := append(s.convs[conversationID], Turn{Role: role, Text: text, Timestamp: s.now()})
	if len(turns) > s.limit {
		turns = turns[len(turns)-s.limit:]
	}
	s.convs[conversationID] = turns
}

// Recent returns a copy of the stored turns, oldest first. Unknown ids yield
// an empty slice.
func (s *Store) Recent(conversationID string) []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()

	turns := s.convs[conversationID]
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out
}

// Clear forgets a conversation.
func (s *Store) Clear(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.convs, conversationID)
}
