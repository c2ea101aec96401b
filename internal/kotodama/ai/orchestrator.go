// Package ai produces auto-replies for inbound messages.
//
// Each user may configure a primary (Gemini) key, a fallback (Groq) key and a
// persona prompt. ReplyFor tries the primary under a deadline, then the
// fallback. A rate-limited primary puts the user into a cooldown during which
// no provider is called at all.
package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bdobrica/Kotodama/common/redact"
	"github.com/bdobrica/Kotodama/internal/kotodama/llm"
	"github.com/bdobrica/Kotodama/internal/kotodama/memory"
	"github.com/bdobrica/Kotodama/internal/kotodama/metrics"
	"github.com/bdobrica/Kotodama/internal/kotodama/observability"
)

const (
	DefaultTimeout  = 8 * time.Second
	DefaultCooldown = 60 * time.Second
)

// ErrTimeout is returned by the primary call when the deadline fires first.
var ErrTimeout = errors.New("ai: provider call timed out")

// ClientFactory builds a provider client for an API key.
type ClientFactory func(ctx context.Context, apiKey string) (llm.Client, error)

// Options configures an Orchestrator. Zero values get the package defaults.
type Options struct {
	DefaultPrompt   string
	GlobalAPIKey    string
	Timeout         time.Duration
	DefaultCooldown time.Duration
	NewPrimary      ClientFactory
	NewSecondary    ClientFactory
	Now             func() time.Time
}

// Reply is a generated answer. OutputTokens is an estimate.
type Reply struct {
	Text         string
	Provider     string
	OutputTokens int64
}

// Update changes a user's configuration. Nil fields are left untouched; a
// non-nil empty string clears the setting.
type Update struct {
	APIKey     *string
	Prompt     *string
	GroqAPIKey *string
}

// View is the key-free projection of a user's configuration.
type View struct {
	HasAPIKey  bool   `json:"hasApiKey"`
	HasGroqKey bool   `json:"hasGroqKey"`
	Prompt     string `json:"prompt"`
}

type userConfig struct {
	apiKey        string
	groqKey       string
	prompt        string
	primary       llm.Client
	secondary     llm.Client
	cooldownUntil time.Time
}

// Orchestrator holds per-user provider configuration.
// It is safe for concurrent use.
type Orchestrator struct {
	opts Options

	mu     sync.Mutex
	users  map[string]*userConfig
	global llm.Client
}

// New returns an Orchestrator.
func New(opts Options) *Orchestrator {
	if opts.DefaultPrompt == "" {
		opts.DefaultPrompt = DefaultPrompt
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.DefaultCooldown <= 0 {
		opts.DefaultCooldown = DefaultCooldown
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{
		opts:  opts,
		users: make(map[string]*userConfig),
	}
}

func (o *Orchestrator) user(userID string) *userConfig {
	u, ok := o.users[userID]
	if !ok {
		u = &userConfig{}
		o.users[userID] = u
	}
	return u
}

// Configure applies an update. Changing the primary key, even to the same
// value, lifts any cooldown.
func (o *Orchestrator) Configure(userID string, upd Update) {
	o.mu.Lock()
	defer o.mu.Unlock()

	u := o.user(userID)
	if upd.APIKey != nil {
		u.apiKey = strings.TrimSpace(*upd.APIKey)
		u.primary = nil
		u.cooldownUntil = time.Time{}
	}
	if upd.Prompt != nil {
		u.prompt = strings.TrimSpace(*upd.Prompt)
	}
	if upd.GroqAPIKey != nil {
		u.groqKey = strings.TrimSpace(*upd.GroqAPIKey)
		u.secondary = nil
	}
}

// Config returns the user's view. HasAPIKey is also true when a global key
// is configured.
func (o *Orchestrator) Config(userID string) View {
	o.mu.Lock()
	defer o.mu.Unlock()

	v := View{Prompt: o.opts.DefaultPrompt, HasAPIKey: o.opts.GlobalAPIKey != ""}
	if u, ok := o.users[userID]; ok {
		if u.prompt != "" {
			v.Prompt = u.prompt
		}
		v.HasAPIKey = v.HasAPIKey || u.apiKey != ""
		v.HasGroqKey = u.groqKey != ""
	}
	return v
}

// CooldownUntil returns the end of the user's cooldown (zero when none).
func (o *Orchestrator) CooldownUntil(userID string) time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	if u, ok := o.users[userID]; ok {
		return u.cooldownUntil
	}
	return time.Time{}
}

type plan struct {
	prompt    string
	primary   llm.Client
	secondary llm.Client
	keys      []string
}

// plan resolves the clients for one call, building them on first use.
// It reports false when the user is cooling down.
func (o *Orchestrator) plan(ctx context.Context, userID string) (plan, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	u := o.user(userID)
	if o.opts.Now().Before(u.cooldownUntil) {
		return plan{}, false
	}

	p := plan{prompt: o.opts.DefaultPrompt, keys: []string{u.apiKey, u.groqKey, o.opts.GlobalAPIKey}}
	if u.prompt != "" {
		p.prompt = u.prompt
	}

	switch {
	case u.apiKey != "" && o.opts.NewPrimary != nil:
		if u.primary == nil {
			c, err := o.opts.NewPrimary(ctx, u.apiKey)
			if err != nil {
				slog.Warn("ai: build primary client", "user_id", userID, "err", redact.Error(err, p.keys...))
			}
			u.primary = c
		}
		p.primary = u.primary
	case o.opts.GlobalAPIKey != "" && o.opts.NewPrimary != nil:
		if o.global == nil {
			c, err := o.opts.NewPrimary(ctx, o.opts.GlobalAPIKey)
			if err != nil {
				slog.Warn("ai: build global primary client", "err", redact.Error(err, p.keys...))
			}
			o.global = c
		}
		p.primary = o.global
	}

	if u.groqKey != "" && o.opts.NewSecondary != nil {
		if u.secondary == nil {
			c, err := o.opts.NewSecondary(ctx, u.groqKey)
			if err != nil {
				slog.Warn("ai: build fallback client", "user_id", userID, "err", redact.Error(err, p.keys...))
			}
			u.secondary = c
		}
		p.secondary = u.secondary
	}
	return p, true
}

func (o *Orchestrator) coolDown(userID string, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.user(userID).cooldownUntil = o.opts.Now().Add(d)
}

// ReplyFor returns a reply for text, or nil when no provider produced one.
// Provider failures are logged, never returned.
func (o *Orchestrator) ReplyFor(ctx context.Context, userID, text, senderName string, history []memory.Turn) *Reply {
	log := observability.WithTrace(ctx).With("user_id", userID)

	p, ok := o.plan(ctx, userID)
	if !ok {
		log.Debug("ai: cooling down, skipping reply")
		return nil
	}

	if p.primary != nil {
		prompt := BuildPrompt(p.prompt, senderName, text, history)
		out, err := callWithDeadline(ctx, o.opts.Timeout, func(ctx context.Context) (string, error) {
			return p.primary.Complete(ctx, []llm.Message{llm.User(prompt)})
		})
		switch {
		case err != nil:
			if rl, ok := llm.AsRateLimit(err); ok {
				delay := rl.RetryAfter
				if delay <= 0 {
					delay = o.opts.DefaultCooldown
				}
				o.coolDown(userID, delay)
				log.Warn("ai: primary rate-limited, cooling down", "cooldown", delay)
			} else {
				log.Warn("ai: primary failed, trying fallback", "err", redact.Error(err, p.keys...))
			}
		case strings.TrimSpace(out) != "":
			return newReply(out, p.primary.Name())
		}
	}

	if p.secondary == nil {
		return nil
	}
	out, err := p.secondary.Complete(ctx, BuildMessages(p.prompt, senderName, text, history))
	if err != nil {
		log.Error("ai: fallback failed", "err", redact.Error(err, p.keys...))
		return nil
	}
	if strings.TrimSpace(out) == "" {
		return nil
	}
	return newReply(out, p.secondary.Name())
}

func newReply(text, provider string) *Reply {
	text = strings.TrimSpace(text)
	return &Reply{Text: text, Provider: provider, OutputTokens: metrics.OutputTokens(text)}
}

// callWithDeadline runs fn in its own goroutine and returns whichever comes
// first, its result or the deadline. A result arriving after the deadline is
// dropped.
func callWithDeadline(ctx context.Context, d time.Duration, fn func(context.Context) (string, error)) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		text string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		text, err := fn(ctx)
		ch <- result{text, err}
	}()

	select {
	case r := <-ch:
		return r.text, r.err
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
	}
}
