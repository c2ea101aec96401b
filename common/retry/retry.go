// Package retry runs short network calls (the identity verifier lookup and
// the session engine's initial connect) with exponential backoff.
//
//	err := retry.Do(ctx, retry.Config{MaxAttempts: 3, InitialDelay: 200 * time.Millisecond}, func() error {
//	    return verifier.lookup(ctx, token)
//	})
//
// A function that knows its failure cannot be fixed by trying again wraps the
// error with Permanent; Do stops immediately and returns the unwrapped error.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Config controls the backoff schedule.
type Config struct {
	// MaxAttempts is the total number of calls including the first.
	// Values below 1 mean a single attempt.
	MaxAttempts int
	// InitialDelay is the pause before the second attempt; each later pause
	// doubles, capped at MaxDelay.
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// ShouldRetry classifies errors. Nil retries everything not marked
	// Permanent.
	ShouldRetry func(err error) bool
}

// DefaultConfig suits calls to a nearby HTTP API.
var DefaultConfig = Config{
	MaxAttempts:  3,
	InitialDelay: 200 * time.Millisecond,
	MaxDelay:     5 * time.Second,
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. Permanent(nil) is nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err (or anything it wraps) was marked Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Do calls fn until it succeeds, returns a permanent error, the attempts run
// out, or ctx is cancelled. The last error from fn is returned, joined with
// the context error when cancellation cut the loop short.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = DefaultConfig.InitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultConfig.MaxDelay
	}

	delay := cfg.InitialDelay
	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return errors.Join(lastErr, err)
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		var p *permanentError
		if errors.As(lastErr, &p) {
			return p.err
		}
		if cfg.ShouldRetry != nil && !cfg.ShouldRetry(lastErr) {
			return lastErr
		}
		if attempt >= cfg.MaxAttempts {
			return lastErr
		}

		slog.Debug("retry: attempt failed", "attempt", attempt, "max", cfg.MaxAttempts, "err", lastErr, "delay", delay)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return errors.Join(lastErr, ctx.Err())
		case <-t.C:
		}
		delay = min(delay*2, cfg.MaxDelay)
	}
}
