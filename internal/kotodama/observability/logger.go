// Package observability provides structured logging helpers for Kotodama.
//
// It wraps log/slog with trace ID propagation so that every log line emitted
// during one auto-reply run carries the trace context.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/bdobrica/Kotodama/common/trace"
)

// ParseLevel maps "debug", "warn", "error" to slog levels; anything else is
// info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewHandler builds the slog handler for the given format ("json" or text).
func NewHandler(w io.Writer, level, format string) slog.Handler {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// Setup configures the global slog logger according to the provided level and
// format strings (e.g. level="info", format="json").
func Setup(level, format string) {
	slog.SetDefault(slog.New(NewHandler(os.Stdout, level, format)))
}

// WithTrace returns a child logger that always includes the trace_id from ctx.
func WithTrace(ctx context.Context) *slog.Logger {
	traceID := trace.FromContext(ctx)
	if traceID == "" {
		return slog.Default()
	}
	return slog.With("trace_id", traceID)
}
