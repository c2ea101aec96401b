package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"
)

// DefaultGeminiModel is used when GeminiConfig.Model is empty.
const DefaultGeminiModel = "gemini-2.0-flash"

// GeminiConfig configures the Gemini adapter.
type GeminiConfig struct {
	APIKey string
	Model  string
	// BaseURL overrides the API endpoint. Tests point it at httptest.
	BaseURL string
}

// Gemini is a Client backed by the Gemini API.
type Gemini struct {
	client *genai.Client
	model  string
}

// NewGemini builds a Gemini client. It does not contact the API.
func NewGemini(ctx context.Context, cfg GeminiConfig) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, ErrEmptyKey
	}
	if cfg.Model == "" {
		cfg.Model = DefaultGeminiModel
	}
	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini: new client: %w", err)
	}
	return &Gemini{client: client, model: cfg.Model}, nil
}

func (g *Gemini) Name() string { return NameGemini }

// Complete sends msgs as a single generateContent call. System messages
// become the system instruction; assistant turns are sent with the "model"
// role.
func (g *Gemini) Complete(ctx context.Context, msgs []Message) (string, error) {
	var (
		contents []*genai.Content
		system   []string
	)
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
		case RoleAssistant:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	var cfg *genai.GenerateContentConfig
	if len(system) > 0 {
		cfg = &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(strings.Join(system, "\n"), genai.RoleUser),
		}
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil {
		return "", classifyGeminiError(err)
	}
	return resp.Text(), nil
}

// classifyGeminiError turns a 429 / RESOURCE_EXHAUSTED API error into a
// *RateLimitError carrying the RetryInfo delay.
func classifyGeminiError(err error) error {
	apiErr, ok := asAPIError(err)
	if !ok {
		if rl, ok := AsRateLimit(err); ok {
			rl.Provider = NameGemini
			return rl
		}
		return fmt.Errorf("gemini: %w", err)
	}
	if apiErr.Code != http.StatusTooManyRequests && apiErr.Status != "RESOURCE_EXHAUSTED" {
		return fmt.Errorf("gemini: %w", err)
	}
	rl := &RateLimitError{Provider: NameGemini, Err: err}
	for _, d := range apiErr.Details {
		if s, ok := d["retryDelay"].(string); ok {
			if delay, ok := ParseRetryDelay(s); ok {
				rl.RetryAfter = delay
				break
			}
		}
	}
	if rl.RetryAfter == 0 {
		rl.RetryAfter, _ = RetryDelayFromText(apiErr.Message)
	}
	return rl
}

// asAPIError accepts both the value and pointer forms of genai.APIError.
func asAPIError(err error) (genai.APIError, bool) {
	var v genai.APIError
	if errors.As(err, &v) {
		return v, true
	}
	var p *genai.APIError
	if errors.As(err, &p) && p != nil {
		return *p, true
	}
	return genai.APIError{}, false
}
