// Package redact strips credential-shaped substrings from model "thinking"
// text before it is streamed or stored. Raw chain-of-thought must never reach
// the wire or storage; only the redacted, truncated summary survives.
package redact

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Placeholder replaces every credential-shaped match.
const Placeholder = "[REDACTED]"

// SafeFallback replaces the entire text when redaction itself fails. Leaking
// nothing beats leaking something.
const SafeFallback = "[thinking unavailable]"

// credentialPatterns match secrets commonly pasted or echoed into reasoning
// text: labeled secrets, bearer tokens, vendor API keys, userinfo in
// connection URLs, and long opaque blobs.
var credentialPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(api[_-]?key|access[_-]?key|secret|token|password|passwd|credential)s?\s*[:=]\s*\S+`),
	regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9\-._~+/]+=*`),
	regexp.MustCompile(`\bsk-[A-Za-z0-9_\-]{16,}\b`),
	regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
	regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{20,}\b`),
	regexp.MustCompile(`\beyJ[A-Za-z0-9_\-]{10,}\.[A-Za-z0-9_\-]{10,}\.[A-Za-z0-9_\-]+\b`), // JWT
	regexp.MustCompile(`[a-z][a-z0-9+.\-]*://[^/\s:@]+:[^@\s]+@`),                          // user:pass@ in URLs
	regexp.MustCompile(`\b[0-9a-fA-F]{32,}\b`),
	regexp.MustCompile(`\b[A-Za-z0-9+/]{40,}={0,2}\b`),
}

// Text replaces every credential-shaped substring with Placeholder. On any
// internal failure it returns SafeFallback instead of the input.
func Text(s string) (out string) {
	defer func() {
		if recover() != nil {
			out = SafeFallback
		}
	}()
	out = s
	for _, re := range credentialPatterns {
		out = re.ReplaceAllString(out, Placeholder)
	}
	return out
}

// Summary redacts s and truncates the result to maxRunes, appending an
// ellipsis when cut. It is what gets persisted as a message's thinking
// summary.
func Summary(s string, maxRunes int) string {
	out := Text(s)
	if maxRunes <= 0 || utf8.RuneCountInString(out) <= maxRunes {
		return out
	}
	runes := []rune(out)
	return strings.TrimRight(string(runes[:maxRunes]), " ") + "…"
}
