// Package environment reads Kotodama configuration from environment variables.
//
// Every helper returns either the parsed value or the supplied default, so
// cmd/kotodama can build its configuration in one pass without branching on
// each lookup. Parse failures fall back to the default rather than aborting;
// values that must be present are checked by the caller.
package environment

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// StringOr returns the value of the named environment variable, or defaultValue
// if the variable is unset or empty.
func StringOr(name, defaultValue string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return defaultValue
}

// FirstOf returns the first non-empty value among the named variables, or
// defaultValue when none is set. It supports legacy aliases such as
// VITE_SUPABASE_URL being accepted in place of SUPABASE_URL.
func FirstOf(defaultValue string, names ...string) string {
	for _, n := range names {
		if v := strings.TrimSpace(os.Getenv(n)); v != "" {
			return v
		}
	}
	return defaultValue
}

// BoolOr parses the named environment variable as a boolean using
// strconv.ParseBool. Returns defaultValue if unset or unparsable.
func BoolOr(name string, defaultValue bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultValue
	}
	return b
}

// IntOr parses the named environment variable as a decimal integer.
func IntOr(name string, defaultValue int) int {
	v := os.Getenv(name)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultValue
	}
	return n
}

// FloatOr parses the named environment variable as a float64. Used for the
// per-1K-token prices, which are fractional dollar amounts.
func FloatOr(name string, defaultValue float64) float64 {
	v := os.Getenv(name)
	if v == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultValue
	}
	return f
}

// DurationOr parses the named environment variable as a time.Duration ("8s",
// "500ms"). A bare integer is read as seconds.
func DurationOr(name string, defaultValue time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return defaultValue
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultValue
	}
	return d
}
