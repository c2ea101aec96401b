// Package control implements the HTTP API used by the dashboard.
//
// Every route except /health requires a bearer token, resolved to a user id
// by an auth.Verifier. Push endpoints also accept ?token= because browsers
// cannot set headers on EventSource or WebSocket requests.
//
// Endpoints:
//
//	GET  /health               → HealthResponse (no auth)
//	GET  /events               → Server-Sent Events stream
//	GET  /events/ws            → WebSocket stream of the same events
//	GET  /status               → StatusResponse
//	POST /controls/ai          → {"enabled": bool} → {"ok": true, "enabled": bool}
//	GET  /controls/ai-config   → ai.View
//	POST /controls/ai-config   → {"apiKey"?, "groqApiKey"?, "prompt"?} → {"ok": true, ...ai.View}
//	GET  /metrics              → MetricsResponse
//	POST /session/disconnect   → {"logout"?: bool} → {"ok": true}
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/bdobrica/Kotodama/internal/kotodama/ai"
	"github.com/bdobrica/Kotodama/internal/kotodama/auth"
	"github.com/bdobrica/Kotodama/internal/kotodama/hub"
)

// DefaultHeartbeat is the interval between keep-alive frames on push streams.
const DefaultHeartbeat = 30 * time.Second

const maxBodyBytes = 64 * 1024

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Connected bool `json:"connected"`
	AIEnabled bool `json:"aiEnabled"`
	HasAPIKey bool `json:"hasApiKey"`
}

// MetricsResponse is returned by GET /metrics.
type MetricsResponse struct {
	APICallsGemini  int64   `json:"apiCallsGemini"`
	APICallsGroq    int64   `json:"apiCallsGroq"`
	APICalls        int64   `json:"apiCalls"`
	TimeSavedSec    int64   `json:"timeSavedSec"`
	EstCost         float64 `json:"estCost"`
	SuccessRate     float64 `json:"successRate"`
	Attempts        int64   `json:"attempts"`
	Successes       int64   `json:"successes"`
	OutTokensGemini int64   `json:"outTokensGemini"`
	OutTokensGroq   int64   `json:"outTokensGroq"`
}

// Handlers bundles the callbacks the server delegates to.
type Handlers struct {
	Version  string
	Verifier auth.Verifier

	// Subscribe registers sink for the user's events and returns its id.
	Subscribe   func(ctx context.Context, userID string, sink hub.Sink) string
	Unsubscribe func(userID, subscriberID string)

	Status       func(ctx context.Context, userID string) StatusResponse
	SetAIEnabled func(ctx context.Context, userID string, enabled bool) (bool, error)
	AIConfig     func(userID string) ai.View
	SetAIConfig  func(ctx context.Context, userID string, upd ai.Update) (ai.View, error)
	Metrics      func(userID string) MetricsResponse
	// Disconnect tears down the user's session; logout also unlinks the device.
	Disconnect func(ctx context.Context, userID string, logout bool) error
}

// Config holds listener settings.
type Config struct {
	Addr string
	// AllowedOrigin is the dashboard origin permitted by CORS and the
	// WebSocket origin check. "*" allows any origin.
	AllowedOrigin string
	Heartbeat     time.Duration
}

// Server is the dashboard HTTP server.
type Server struct {
	cfg      Config
	handlers Handlers
	router   chi.Router
	server   *http.Server

	// closing is closed on shutdown to end open push streams.
	closing   chan struct{}
	closeOnce sync.Once
}

// New creates a Server. It does not listen until Start is called.
func New(cfg Config, h Handlers) *Server {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}
	if cfg.AllowedOrigin == "" {
		cfg.AllowedOrigin = "*"
	}
	s := &Server{cfg: cfg, handlers: h, closing: make(chan struct{})}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{cfg.AllowedOrigin},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/events", s.handleEvents)
		r.Get("/events/ws", s.handleEventsWS)
		r.Get("/status", s.handleStatus)
		r.Post("/controls/ai", s.handleSetAI)
		r.Get("/controls/ai-config", s.handleGetAIConfig)
		r.Post("/controls/ai-config", s.handleSetAIConfig)
		r.Get("/metrics", s.handleMetrics)
		r.Post("/session/disconnect", s.handleDisconnect)
	})
	s.router = r

	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: push streams stay open indefinitely.
	}
	s.server.RegisterOnShutdown(s.closeStreams)
	return s
}

func (s *Server) closeStreams() {
	s.closeOnce.Do(func() { close(s.closing) })
}

// Start begins listening. It returns once the listener is bound.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("control listen %s: %w", s.cfg.Addr, err)
	}
	slog.Info("control server listening", "addr", ln.Addr().String())
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("control server error", "err", err)
		}
	}()
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		slog.Warn("control server shutdown", "err", err)
	}
}

// TestHandler exposes the router for httptest.NewServer.
func (s *Server) TestHandler() http.Handler {
	return s.router
}

// requestLogger logs one line per request through slog.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// authMiddleware resolves the bearer token to a user id.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := auth.TokenFromRequest(r)
		if token == "" {
			writeAuthError(w, "missing_token")
			return
		}
		if s.handlers.Verifier == nil {
			writeAuthError(w, "no verifier configured")
			return
		}
		userID, err := s.handlers.Verifier.Verify(r.Context(), token)
		if err != nil {
			slog.Warn("auth rejected", "path", r.URL.Path, "err", err)
			writeAuthError(w, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithUserID(r.Context(), userID)))
	})
}

func writeAuthError(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized", "message": msg})
}

// --- handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Version: s.handlers.Version})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.handlers.Status == nil {
		writeError(w, http.StatusServiceUnavailable, "status unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.handlers.Status(r.Context(), auth.UserID(r.Context())))
}

func (s *Server) handleSetAI(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeObject(w, r)
	if !ok {
		return
	}
	enabled := truthy(body["enabled"])
	if s.handlers.SetAIEnabled == nil {
		writeError(w, http.StatusServiceUnavailable, "ai controls unavailable")
		return
	}
	got, err := s.handlers.SetAIEnabled(r.Context(), auth.UserID(r.Context()), enabled)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true, "enabled": got})
}

func (s *Server) handleGetAIConfig(w http.ResponseWriter, r *http.Request) {
	if s.handlers.AIConfig == nil {
		writeError(w, http.StatusServiceUnavailable, "ai config unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.handlers.AIConfig(auth.UserID(r.Context())))
}

type aiConfigResponse struct {
	OK bool `json:"ok"`
	ai.View
}

func (s *Server) handleSetAIConfig(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeObject(w, r)
	if !ok {
		return
	}
	if s.handlers.SetAIConfig == nil {
		writeError(w, http.StatusServiceUnavailable, "ai config unavailable")
		return
	}
	upd := ai.Update{
		APIKey:     stringField(body, "apiKey"),
		Prompt:     stringField(body, "prompt"),
		GroqAPIKey: stringField(body, "groqApiKey"),
	}
	view, err := s.handlers.SetAIConfig(r.Context(), auth.UserID(r.Context()), upd)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, aiConfigResponse{OK: true, View: view})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.handlers.Metrics == nil {
		writeError(w, http.StatusServiceUnavailable, "metrics unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.handlers.Metrics(auth.UserID(r.Context())))
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeObject(w, r)
	if !ok {
		return
	}
	if s.handlers.Disconnect == nil {
		writeError(w, http.StatusServiceUnavailable, "disconnect unavailable")
		return
	}
	if err := s.handlers.Disconnect(r.Context(), auth.UserID(r.Context()), truthy(body["logout"])); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// --- request helpers ---

// decodeObject reads an optional JSON object body. An empty body decodes to
// an empty map; anything else that is not an object is a 400.
func decodeObject(w http.ResponseWriter, r *http.Request) (map[string]json.RawMessage, bool) {
	body := map[string]json.RawMessage{}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return nil, false
	}
	if body == nil {
		body = map[string]json.RawMessage{}
	}
	return body, true
}

// stringField returns the field when it is present and a JSON string.
// Other types are treated as absent.
func stringField(body map[string]json.RawMessage, key string) *string {
	raw, ok := body[key]
	if !ok {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil
	}
	return &s
}

// truthy applies loose boolean coercion: false, 0, "", null and absent are
// false; everything else is true.
func truthy(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	default:
		return true
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
