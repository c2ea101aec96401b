// Package redact strips provider API keys and bearer tokens from text before
// it reaches a log line.
//
// Provider SDKs sometimes echo the request URL (which may carry ?key=...) or
// the offending credential in their error messages. Every error that crosses
// the reply pipeline is passed through String with the keys in scope before
// it is logged. Redaction is best-effort; it does not replace keeping secrets
// out of log call-sites.
package redact

import "strings"

const placeholder = "[REDACTED]"

// minSecretLen is the shortest value String will replace. Shorter values
// would produce spurious matches on ordinary words.
const minSecretLen = 4

// String replaces every occurrence of each sensitive value in s with
// [REDACTED]. Empty and very short values are skipped.
//
//	safe := redact.String(err.Error(), geminiKey, groqKey)
func String(s string, sensitiveValues ...string) string {
	for _, v := range sensitiveValues {
		if len(v) < minSecretLen {
			continue
		}
		s = strings.ReplaceAll(s, v, placeholder)
	}
	return s
}

// Error is String applied to err.Error(). A nil error yields "".
func Error(err error, sensitiveValues ...string) string {
	if err == nil {
		return ""
	}
	return String(err.Error(), sensitiveValues...)
}

// Mask returns a short fingerprint of a key suitable for logs: the last four
// characters prefixed with an ellipsis. Keys too short to mask return
// [REDACTED].
func Mask(key string) string {
	if len(key) < 8 {
		return placeholder
	}
	return "…" + key[len(key)-4:]
}
