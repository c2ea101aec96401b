package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

const (
	DefaultGroqBaseURL     = "https://api.groq.com/openai/v1"
	DefaultGroqModel       = "llama-3.1-8b-instant"
	DefaultGroqTemperature = 0.5
)

// GroqConfig configures the Groq adapter.
type GroqConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
}

// Groq is a Client for Groq's OpenAI-compatible chat completions endpoint.
type Groq struct {
	chat model.BaseChatModel
}

// NewGroq builds a Groq client. It does not contact the API.
func NewGroq(ctx context.Context, cfg GroqConfig) (*Groq, error) {
	if cfg.APIKey == "" {
		return nil, ErrEmptyKey
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultGroqBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultGroqModel
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = DefaultGroqTemperature
	}
	temp := cfg.Temperature
	chat, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
		APIKey:      cfg.APIKey,
		BaseURL:     cfg.BaseURL,
		Model:       cfg.Model,
		Temperature: &temp,
	})
	if err != nil {
		return nil, fmt.Errorf("groq: new chat model: %w", err)
	}
	return &Groq{chat: chat}, nil
}

func (g *Groq) Name() string { return NameGroq }

func (g *Groq) Complete(ctx context.Context, msgs []Message) (string, error) {
	in := make([]*schema.Message, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			in = append(in, schema.SystemMessage(m.Content))
		case RoleAssistant:
			in = append(in, schema.AssistantMessage(m.Content, nil))
		default:
			in = append(in, schema.UserMessage(m.Content))
		}
	}
	out, err := g.chat.Generate(ctx, in)
	if err != nil {
		if rl, ok := AsRateLimit(err); ok {
			rl.Provider = NameGroq
			return "", rl
		}
		return "", fmt.Errorf("groq: %w", err)
	}
	if out == nil {
		return "", nil
	}
	return strings.TrimSpace(out.Content), nil
}
