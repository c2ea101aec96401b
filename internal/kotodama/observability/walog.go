package observability

import (
	"context"
	"fmt"
	"log/slog"

	waLog "go.mau.fi/whatsmeow/util/log"
)

// WALogger adapts slog to whatsmeow's logging interface. Nested Sub calls
// join module names with a dot, e.g. "whatsmeow.Client.Socket".
type WALogger struct {
	base   *slog.Logger
	log    *slog.Logger
	module string
}

var _ waLog.Logger = (*WALogger)(nil)

// NewWALogger returns a whatsmeow logger writing to l (slog.Default when nil).
func NewWALogger(l *slog.Logger, module string) *WALogger {
	if l == nil {
		l = slog.Default()
	}
	return &WALogger{base: l, log: l.With("module", module), module: module}
}

func (w *WALogger) Errorf(msg string, args ...interface{}) {
	w.log.Error(fmt.Sprintf(msg, args...))
}

func (w *WALogger) Warnf(msg string, args ...interface{}) {
	w.log.Warn(fmt.Sprintf(msg, args...))
}

func (w *WALogger) Infof(msg string, args ...interface{}) {
	w.log.Info(fmt.Sprintf(msg, args...))
}

// Debugf only formats when debug is enabled; whatsmeow logs every frame here.
func (w *WALogger) Debugf(msg string, args ...interface{}) {
	if !w.log.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	w.log.Debug(fmt.Sprintf(msg, args...))
}

func (w *WALogger) Sub(module string) waLog.Logger {
	name := module
	if w.module != "" {
		name = w.module + "." + module
	}
	return NewWALogger(w.base, name)
}
