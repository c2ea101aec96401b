package llm

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// RateLimitError reports that a provider refused the call because of quota
// or request-rate limits. RetryAfter is zero when the provider gave no hint.
type RateLimitError struct {
	Provider   string
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	msg := "rate limited"
	if e.Provider != "" {
		msg = e.Provider + ": " + msg
	}
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %s)", e.RetryAfter)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// retryDelayRe matches a RetryInfo detail embedded in an error body, e.g.
// "retryDelay": "17s".
var retryDelayRe = regexp.MustCompile(`retryDelay"?\s*:\s*"(\d+(?:\.\d+)?)(ms|s)"`)

// ParseRetryDelay parses a protobuf-style duration as found in a RetryInfo
// detail ("2s", "1.5s", "250ms").
func ParseRetryDelay(s string) (time.Duration, bool) {
	s = strings.TrimSpace(s)
	unit := time.Second
	switch {
	case strings.HasSuffix(s, "ms"):
		unit = time.Millisecond
		s = strings.TrimSuffix(s, "ms")
	case strings.HasSuffix(s, "s"):
		s = strings.TrimSuffix(s, "s")
	default:
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 0 {
		return 0, false
	}
	return time.Duration(f * float64(unit)), true
}

// RetryDelayFromText extracts a retryDelay hint from free-form error text.
func RetryDelayFromText(text string) (time.Duration, bool) {
	m := retryDelayRe.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	return ParseRetryDelay(m[1] + m[2])
}

// looksRateLimited reports whether an error message describes a 429.
func looksRateLimited(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "429") || strings.Contains(lower, "too many requests")
}

// AsRateLimit classifies err. A *RateLimitError in the chain is returned as
// is; otherwise an error whose text mentions 429 or "too many requests" is
// converted, with the retry delay scraped from the text when present.
func AsRateLimit(err error) (*RateLimitError, bool) {
	if err == nil {
		return nil, false
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl, true
	}
	msg := err.Error()
	if !looksRateLimited(msg) {
		return nil, false
	}
	d, _ := RetryDelayFromText(msg)
	return &RateLimitError{RetryAfter: d, Err: err}, true
}
