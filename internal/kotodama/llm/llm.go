// Package llm wraps the chat-completion providers used by the reply
// pipeline behind one small interface.
//
// Two adapters exist: Gemini (google.golang.org/genai), the primary, and Groq
// (an OpenAI-compatible endpoint driven through eino's openai ChatModel), the
// fallback. Adapters translate provider rate-limit failures into
// *RateLimitError so callers can back off without knowing which SDK produced
// the error.
package llm

import (
	"context"
	"errors"
)

// Provider names. They double as the metric labels.
const (
	NameGemini = "gemini"
	NameGroq   = "groq"
)

// ErrEmptyKey is returned by the constructors when no API key is supplied.
var ErrEmptyKey = errors.New("llm: api key is empty")

// Role of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one chat turn sent to a provider.
type Message struct {
	Role    Role
	Content string
}

// System, User and Assistant are shorthand constructors.
func System(s string) Message    { return Message{Role: RoleSystem, Content: s} }
func User(s string) Message      { return Message{Role: RoleUser, Content: s} }
func Assistant(s string) Message { return Message{Role: RoleAssistant, Content: s} }

// Client produces one completion for a conversation.
//
// Implementations must be safe for concurrent use and must honour ctx
// cancellation where the underlying SDK allows it.
type Client interface {
	Name() string
	Complete(ctx context.Context, msgs []Message) (string, error)
}
