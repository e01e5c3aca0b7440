// Package redact detects and strips secret material from text before it
// crosses an outward boundary.
//
// # Threat model
//
// Secrets (bot tokens, vendor API keys, private keys, credentials) must
// never appear in:
//   - Chat replies streamed out of the agent
//   - Tool results and provider responses surfaced to the agent
//   - Error messages, log lines, and audit records
//
// Two mechanisms cooperate. Filter is pattern-driven: a two-tier table
// (critical / high) scanned in four layers (raw, base64, hex, URL-encoded)
// plus Shannon-entropy detection, with ChunkBuffer as its streaming face.
// String and Map are value-driven helpers for call sites that already hold
// the sensitive value. Pattern matching is best-effort and is NOT a
// substitute for keeping secrets out of log call-sites in the first place.
package redact

import (
	"strings"
)

const placeholder = "[REDACTED]"

// String replaces every occurrence of each sensitive value in s with
// [REDACTED].  Values shorter than 4 characters are skipped to avoid
// spurious redaction of common substrings.
//
// Example:
//
//	safe := redact.String(logLine, apiKey, sessionToken)
func String(s string, sensitiveValues ...string) string {
	for _, v := range sensitiveValues {
		if len(v) < 4 {
			continue
		}
		s = strings.ReplaceAll(s, v, placeholder)
	}
	return s
}

// Map returns a shallow copy of m with values replaced by [REDACTED] for
// every key whose name suggests it contains a secret (password, token, key,
// secret, credential, auth).  Non-string values are left unchanged.
func Map(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if isSensitiveKey(k) {
			if str, ok := v.(string); ok && str != "" {
				out[k] = placeholder
				continue
			}
		}
		out[k] = v
	}
	return out
}

// isSensitiveKey returns true when the key name suggests it holds a secret.
func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, word := range []string{"password", "passwd", "token", "secret", "key", "credential", "auth", "apikey"} {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}
