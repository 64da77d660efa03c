// Package shared holds small helpers used across the bridge, primarily
// secret redaction for logs, audit records, and generated artifacts.
package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPatterns matches common secret shapes in log lines, events, and
// generated artifact contents. Patterns with two capture groups keep the
// first group as a prefix and redact only the value.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|bearer)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	regexp.MustCompile(`sk_live_[A-Za-z0-9]{16,}`),
	regexp.MustCompile(`AKIA[A-Z0-9]{16}`),
	regexp.MustCompile(`(?i)(token|secret)\s*[:=]\s*"?([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})"?`),
}

// sensitiveEnvTokens flag environment variable names whose values should
// never appear in output.
var sensitiveEnvTokens = []string{
	"api_key", "apikey", "secret", "token", "password", "credential",
}

// Redact replaces secret-bearing substrings with [REDACTED]. Used by the
// logger, the audit trail, and the content_security quality gate.
func Redact(input string) string {
	if input == "" {
		return input
	}
	out := input
	for _, pat := range secretPatterns {
		out = pat.ReplaceAllStringFunc(out, func(match string) string {
			if sub := pat.FindStringSubmatch(match); len(sub) >= 3 {
				return sub[1] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return out
}

// ContainsSecret reports whether the input matches any known secret pattern.
func ContainsSecret(input string) bool {
	return Redact(input) != input
}

// RedactEnvValue returns [REDACTED] when the key name looks secret,
// otherwise the value unchanged.
func RedactEnvValue(key, value string) string {
	lower := strings.ToLower(key)
	for _, token := range sensitiveEnvTokens {
		if strings.Contains(lower, token) {
			return redactedPlaceholder
		}
	}
	return value
}
