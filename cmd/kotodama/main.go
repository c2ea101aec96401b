// Kotodama is the multi-tenant auto-reply service.
//
// Configuration comes from environment variables, optionally layered over a
// YAML file named by KOTODAMA_CONFIG_FILE. Environment variables win.
//
// Environment variables:
//
//	PORT                     - HTTP port (default 4000)
//	ALLOWED_ORIGIN           - dashboard origin for CORS (default http://localhost:5173)
//	SUPABASE_URL             - identity provider URL (alias VITE_SUPABASE_URL)
//	SUPABASE_ANON_KEY        - identity provider public key (alias VITE_SUPABASE_ANON_KEY)
//	GEMINI_API_KEY           - global primary-provider key used when a user has none
//	GEMINI_MODEL             - primary model (default gemini-2.0-flash)
//	GROQ_MODEL               - fallback model (default llama-3.1-8b-instant)
//	GROQ_BASE_URL            - fallback endpoint (default https://api.groq.com/openai/v1)
//	PRICE_GEMINI_OUT_PER_1K  - dollars per 1K primary output tokens (default 0)
//	PRICE_GROQ_OUT_PER_1K    - dollars per 1K fallback output tokens (default 0)
//	KOTODAMA_DB_PATH         - settings database (default ./data/kotodama.db)
//	AUTH_DATA_PATH           - linked-device store (default ./data/devices.db)
//	KOTODAMA_MASTER_KEY      - 64 hex chars; encrypts stored provider keys
//	KOTODAMA_CONFIG_FILE     - optional YAML config file
//	AI_TIMEOUT               - primary provider deadline (default 8s)
//	MEMORY_LIMIT             - turns remembered per conversation (default 10)
//	LOG_LEVEL                - debug, info, warn, error (default info)
//	LOG_FORMAT               - text or json (default text)
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/bdobrica/Kotodama/common/crypto"
	"github.com/bdobrica/Kotodama/common/environment"
	"github.com/bdobrica/Kotodama/common/version"
	"github.com/bdobrica/Kotodama/internal/kotodama/ai"
	"github.com/bdobrica/Kotodama/internal/kotodama/app"
	"github.com/bdobrica/Kotodama/internal/kotodama/config"
	"github.com/bdobrica/Kotodama/internal/kotodama/memory"
	"github.com/bdobrica/Kotodama/internal/kotodama/metrics"
	"github.com/bdobrica/Kotodama/internal/kotodama/observability"
)

func main() {
	observability.Setup(environment.StringOr("LOG_LEVEL", "info"), environment.StringOr("LOG_FORMAT", "text"))

	file, err := config.Load(os.Getenv("KOTODAMA_CONFIG_FILE"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	cfg := loadConfig(file)

	masterKey, err := crypto.ParseMasterKey(os.Getenv("KOTODAMA_MASTER_KEY"))
	switch {
	case errors.Is(err, crypto.ErrNoMasterKey):
	case err != nil:
		fmt.Fprintf(os.Stderr, "Error: %v\nGenerate a key with: openssl rand -hex 32\n", err)
		os.Exit(1)
	default:
		cfg.MasterKey = masterKey
	}

	if cfg.SupabaseURL == "" || cfg.SupabaseAnonKey == "" {
		slog.Warn("SUPABASE_URL or SUPABASE_ANON_KEY not set; every authenticated request will be rejected")
	}
	for _, p := range []string{cfg.DatabasePath, cfg.DevicePath} {
		if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
			fmt.Fprintf(os.Stderr, "Error: create data directory: %v\n", err)
			os.Exit(1)
		}
	}

	slog.Info("starting kotodama", "version", version.Info())
	kotodama, err := app.New(cfg)
	if err != nil {
		slog.Error("failed to initialize kotodama", "err", err)
		os.Exit(1)
	}
	if err := kotodama.Run(); err != nil {
		slog.Error("kotodama exited with error", "err", err)
		os.Exit(1)
	}
}

func loadConfig(f *config.File) *app.Config {
	port := environment.IntOr("PORT", orInt(f.Server.Port, 4000))
	return &app.Config{
		Addr:          fmt.Sprintf(":%d", port),
		AllowedOrigin: environment.StringOr("ALLOWED_ORIGIN", orString(f.Server.AllowedOrigin, "http://localhost:5173")),

		SupabaseURL:     environment.FirstOf("", "SUPABASE_URL", "VITE_SUPABASE_URL"),
		SupabaseAnonKey: environment.FirstOf("", "SUPABASE_ANON_KEY", "VITE_SUPABASE_ANON_KEY"),

		DatabasePath: environment.StringOr("KOTODAMA_DB_PATH", "./data/kotodama.db"),
		DevicePath:   environment.StringOr("AUTH_DATA_PATH", "./data/devices.db"),

		GeminiAPIKey:  os.Getenv("GEMINI_API_KEY"),
		GeminiModel:   environment.StringOr("GEMINI_MODEL", f.Gemini.Model),
		GeminiBaseURL: f.Gemini.BaseURL,
		GroqModel:     environment.StringOr("GROQ_MODEL", f.Groq.Model),
		GroqBaseURL:   environment.StringOr("GROQ_BASE_URL", f.Groq.BaseURL),

		Persona: orString(f.Persona, ai.DefaultPrompt),
		Pricing: metrics.Pricing{
			GeminiPer1K: environment.FloatOr("PRICE_GEMINI_OUT_PER_1K", f.Pricing.GeminiOutPer1K),
			GroqPer1K:   environment.FloatOr("PRICE_GROQ_OUT_PER_1K", f.Pricing.GroqOutPer1K),
		},
		AITimeout:   environment.DurationOr("AI_TIMEOUT", orDuration(time.Duration(f.AI.Timeout), ai.DefaultTimeout)),
		AICooldown:  orDuration(time.Duration(f.AI.Cooldown), ai.DefaultCooldown),
		MemoryLimit: environment.IntOr("MEMORY_LIMIT", orInt(f.Memory.Limit, memory.DefaultLimit)),
	}
}

func orString(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func orInt(v, def int) int {
	if v != 0 {
		return v
	}
	return def
}

func orDuration(v, def time.Duration) time.Duration {
	if v != 0 {
		return v
	}
	return def
}
