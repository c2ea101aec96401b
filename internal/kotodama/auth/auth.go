// Package auth resolves bearer tokens to user ids by asking the identity
// provider (Supabase GoTrue) who the token belongs to.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bdobrica/Kotodama/common/retry"
)

var (
	// ErrUnauthorized means the token is missing, malformed or rejected.
	ErrUnauthorized = errors.New("auth: unauthorized")
	// ErrNotConfigured means no identity provider URL or key was supplied.
	ErrNotConfigured = errors.New("auth: identity provider not configured")
)

// DefaultCacheTTL bounds how long a verified token is trusted without
// asking the provider again.
const DefaultCacheTTL = 30 * time.Second

const (
	maxUserResponseBytes = 64 * 1024
	maxCachedTokens      = 10000
)

// Verifier maps a token to a user id.
type Verifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// Config configures a Supabase verifier.
type Config struct {
	URL        string
	AnonKey    string
	CacheTTL   time.Duration
	HTTPClient *http.Client
	Retry      retry.Config
}

type cached struct {
	userID  string
	expires time.Time
}

// Supabase verifies tokens against GET <url>/auth/v1/user.
type Supabase struct {
	url     string
	anonKey string
	ttl     time.Duration
	client  *http.Client
	retry   retry.Config
	now     func() time.Time

	mu    sync.Mutex
	cache map[string]cached
}

// NewSupabase builds a verifier. An empty URL or key makes every Verify call
// fail with ErrNotConfigured.
func NewSupabase(cfg Config) *Supabase {
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig
	}
	return &Supabase{
		url:     strings.TrimRight(cfg.URL, "/"),
		anonKey: cfg.AnonKey,
		ttl:     cfg.CacheTTL,
		client:  cfg.HTTPClient,
		retry:   cfg.Retry,
		now:     time.Now,
		cache:   make(map[string]cached),
	}
}

// Verify returns the user id owning token.
func (s *Supabase) Verify(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrUnauthorized
	}
	if s.url == "" || s.anonKey == "" {
		return "", ErrNotConfigured
	}
	if id, ok := s.lookupCache(token); ok {
		return id, nil
	}

	var userID string
	err := retry.Do(ctx, s.retry, func() error {
		id, err := s.fetchUser(ctx, token)
		if err != nil {
			return err
		}
		userID = id
		return nil
	})
	if err != nil {
		return "", err
	}

	s.remember(token, userID)
	return userID, nil
}

// remember caches a verified token. Expired entries are swept on every
// insert; past maxCachedTokens live entries new tokens are not cached.
func (s *Supabase) remember(token, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for t, c := range s.cache {
		if now.After(c.expires) {
			delete(s.cache, t)
		}
	}
	if len(s.cache) >= maxCachedTokens {
		return
	}
	s.cache[token] = cached{userID: userID, expires: now.Add(s.ttl)}
}

func (s *Supabase) lookupCache(token string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cache[token]
	if !ok {
		return "", false
	}
	if s.now().After(c.expires) {
		delete(s.cache, token)
		return "", false
	}
	return c.userID, true
}

func (s *Supabase) fetchUser(ctx context.Context, token string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url+"/auth/v1/user", nil)
	if err != nil {
		return "", retry.Permanent(fmt.Errorf("auth: build request: %w", err))
	}
	req.Header.Set("apikey", s.anonKey)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("auth: identity provider: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUserResponseBytes))
	if err != nil {
		return "", fmt.Errorf("auth: read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return "", fmt.Errorf("auth: identity provider returned %d", resp.StatusCode)
	default:
		return "", retry.Permanent(ErrUnauthorized)
	}

	var user struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &user); err != nil || user.ID == "" {
		return "", retry.Permanent(ErrUnauthorized)
	}
	return user.ID, nil
}

// TokenFromRequest reads "Authorization: Bearer <token>", falling back to the
// token query parameter used by EventSource and WebSocket clients.
func TokenFromRequest(r *http.Request) string {
	const prefix = "Bearer "
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return r.URL.Query().Get("token")
}

type ctxKey struct{}

// WithUserID stores the authenticated user id in ctx.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, userID)
}

// UserID returns the id stored by WithUserID, or "".
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}
