// Package app wires the Kotodama subsystems: per-user messaging sessions,
// the push event hub, the AI reply pipeline, settings persistence and the
// dashboard HTTP API.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/bdobrica/Kotodama/common/version"
	"github.com/bdobrica/Kotodama/internal/kotodama/ai"
	"github.com/bdobrica/Kotodama/internal/kotodama/auth"
	"github.com/bdobrica/Kotodama/internal/kotodama/control"
	"github.com/bdobrica/Kotodama/internal/kotodama/hub"
	"github.com/bdobrica/Kotodama/internal/kotodama/llm"
	"github.com/bdobrica/Kotodama/internal/kotodama/memory"
	"github.com/bdobrica/Kotodama/internal/kotodama/metrics"
	"github.com/bdobrica/Kotodama/internal/kotodama/observability"
	"github.com/bdobrica/Kotodama/internal/kotodama/session"
	"github.com/bdobrica/Kotodama/internal/kotodama/settings"
	"github.com/bdobrica/Kotodama/internal/kotodama/store"
	"github.com/bdobrica/Kotodama/internal/kotodama/whatsapp"
)

// Config holds the application configuration, normally assembled from the
// environment and the optional config file by cmd/kotodama.
type Config struct {
	// Addr is the HTTP listen address, e.g. ":4000".
	Addr          string
	AllowedOrigin string

	SupabaseURL     string
	SupabaseAnonKey string

	// DatabasePath holds settings and the user→device table.
	DatabasePath string
	// DevicePath holds the messaging network's device keys.
	DevicePath string
	// MasterKey seals provider keys at rest. Nil keeps them in memory only.
	MasterKey []byte

	// GeminiAPIKey is the global key used when a user has none.
	GeminiAPIKey  string
	GeminiModel   string
	GeminiBaseURL string
	GroqModel     string
	GroqBaseURL   string

	Persona     string
	Pricing     metrics.Pricing
	AITimeout   time.Duration
	AICooldown  time.Duration
	MemoryLimit int

	// Test seams. Nil fields use the real implementations.
	NewEngine    session.EngineFactory
	NewPrimary   ai.ClientFactory
	NewSecondary ai.ClientFactory
	Verifier     auth.Verifier
}

// App is the running service.
type App struct {
	cfg *Config

	db       *store.Store
	settings *settings.Store
	sessions *session.Manager
	hub      *hub.Hub
	ai       *ai.Orchestrator
	memory   *memory.Store
	meter    *metrics.Meter
	control  *control.Server

	mu        sync.Mutex
	aiEnabled map[string]bool

	stopOnce sync.Once
}

// New opens storage, restores persisted settings and builds every
// subsystem. Nothing is started until Run.
func New(cfg *Config) (*App, error) {
	ctx := context.Background()

	db, err := store.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	a := &App{
		cfg:       cfg,
		db:        db,
		settings:  settings.New(db, cfg.MasterKey),
		hub:       hub.New(),
		memory:    memory.NewStore(cfg.MemoryLimit),
		meter:     metrics.NewMeter(),
		aiEnabled: make(map[string]bool),
	}

	newEngine := cfg.NewEngine
	if newEngine == nil {
		container, err := whatsapp.OpenContainer(ctx, cfg.DevicePath,
			observability.NewWALogger(slog.Default(), "whatsmeow").Sub("Database"))
		if err != nil {
			db.Close()
			return nil, err
		}
		newEngine = whatsapp.NewFactory(whatsapp.Config{
			Container: container,
			Devices:   a.settings,
			Log:       observability.NewWALogger(slog.Default(), "whatsmeow"),
		})
	}
	a.sessions = session.NewManager(session.Options{
		NewEngine: newEngine,
		OnCreate:  a.wire,
	})

	a.ai = ai.New(ai.Options{
		DefaultPrompt:   cfg.Persona,
		GlobalAPIKey:    cfg.GeminiAPIKey,
		Timeout:         cfg.AITimeout,
		DefaultCooldown: cfg.AICooldown,
		NewPrimary:      firstFactory(cfg.NewPrimary, a.newGemini),
		NewSecondary:    firstFactory(cfg.NewSecondary, a.newGroq),
	})

	if err := a.restore(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if !a.settings.Sealing() {
		slog.Warn("KOTODAMA_MASTER_KEY not set; provider keys are kept in memory only")
	}

	verifier := cfg.Verifier
	if verifier == nil {
		verifier = auth.NewSupabase(auth.Config{URL: cfg.SupabaseURL, AnonKey: cfg.SupabaseAnonKey})
	}
	a.control = control.New(control.Config{
		Addr:          cfg.Addr,
		AllowedOrigin: cfg.AllowedOrigin,
	}, control.Handlers{
		Version:      version.Version,
		Verifier:     verifier,
		Subscribe:    a.Subscribe,
		Unsubscribe:  a.hub.RemoveSubscriber,
		Status:       a.Status,
		SetAIEnabled: a.SetAIEnabled,
		AIConfig:     a.AIConfig,
		SetAIConfig:  a.SetAIConfig,
		Metrics:      a.Metrics,
		Disconnect:   a.Disconnect,
	})
	return a, nil
}

func firstFactory(override, fallback ai.ClientFactory) ai.ClientFactory {
	if override != nil {
		return override
	}
	return fallback
}

func (a *App) newGemini(ctx context.Context, key string) (llm.Client, error) {
	g, err := llm.NewGemini(ctx, llm.GeminiConfig{APIKey: key, Model: a.cfg.GeminiModel, BaseURL: a.cfg.GeminiBaseURL})
	if err != nil {
		return nil, err
	}
	return g, nil
}

func (a *App) newGroq(ctx context.Context, key string) (llm.Client, error) {
	g, err := llm.NewGroq(ctx, llm.GroqConfig{APIKey: key, Model: a.cfg.GroqModel, BaseURL: a.cfg.GroqBaseURL})
	if err != nil {
		return nil, err
	}
	return g, nil
}

// restore loads persisted per-user settings into memory.
func (a *App) restore(ctx context.Context) error {
	rows, err := a.settings.ListAI(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	for _, s := range rows {
		a.aiEnabled[s.UserID] = s.Enabled
		a.ai.Configure(s.UserID, ai.Update{
			APIKey:     nonEmpty(s.GeminiKey),
			Prompt:     nonEmpty(s.Prompt),
			GroqAPIKey: nonEmpty(s.GroqKey),
		})
	}
	slog.Info("settings restored", "users", len(rows))
	return nil
}

func nonEmpty(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}

// Handler returns the HTTP handler, for tests.
func (a *App) Handler() http.Handler {
	return a.control.TestHandler()
}

// Run starts the HTTP server and blocks until SIGINT or SIGTERM.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("kotodama starting", "version", version.Info(), "addr", a.cfg.Addr)
	if err := a.control.Start(ctx); err != nil {
		a.Stop()
		return err
	}

	<-ctx.Done()
	slog.Info("shutdown signal received")
	a.Stop()
	return nil
}

// Stop shuts the HTTP server down, stops every session in parallel and
// closes the database. It is safe to call more than once.
func (a *App) Stop() {
	a.stopOnce.Do(func() {
		a.control.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		a.sessions.StopAll(ctx)

		if err := a.db.Close(); err != nil {
			slog.Warn("close database", "err", err)
		}
		slog.Info("kotodama stopped")
	})
}
