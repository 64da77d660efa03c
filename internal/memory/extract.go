package memory

import (
	"strings"
	"unicode"
)

// maxSummaryLen bounds the rolling summary carried between snapshots.
const maxSummaryLen = 500

// maxKeyPoints bounds how many key points a snapshot retains.
const maxKeyPoints = 10

// ExtractEntities pulls likely proper nouns and path-like tokens out of a
// message: capitalized words, quoted strings, and anything containing a
// slash or dot that looks like a file or endpoint.
func ExtractEntities(message string) []string {
	seen := map[string]bool{}
	var out []string
	add := func(e string) {
		e = strings.Trim(e, ".,;:!?\"'`")
		if e == "" || seen[e] {
			return
		}
		seen[e] = true
		out = append(out, e)
	}

	for _, quoted := range betweenQuotes(message) {
		add(quoted)
	}
	for _, word := range strings.Fields(message) {
		trimmed := strings.Trim(word, ".,;:!?\"'`()")
		if trimmed == "" {
			continue
		}
		runes := []rune(trimmed)
		if unicode.IsUpper(runes[0]) && len(runes) > 1 {
			add(trimmed)
			continue
		}
		if strings.Contains(trimmed, "/") || looksLikePath(trimmed) {
			add(trimmed)
		}
	}
	return out
}

func looksLikePath(s string) bool {
	idx := strings.LastIndex(s, ".")
	if idx <= 0 || idx == len(s)-1 {
		return false
	}
	ext := s[idx+1:]
	if len(ext) > 5 {
		return false
	}
	for _, r := range ext {
		if !unicode.IsLower(r) {
			return false
		}
	}
	return true
}

func betweenQuotes(s string) []string {
	var out []string
	for {
		start := strings.IndexAny(s, "\"`")
		if start < 0 {
			break
		}
		quote := s[start]
		rest := s[start+1:]
		end := strings.IndexByte(rest, quote)
		if end < 0 {
			break
		}
		if end > 0 {
			out = append(out, rest[:end])
		}
		s = rest[end+1:]
	}
	return out
}

// KeyPoint reduces a message to its first sentence, truncated. It is the
// unit appended to a snapshot's key point list.
func KeyPoint(message string) string {
	message = strings.TrimSpace(message)
	for i, r := range message {
		if r == '.' || r == '!' || r == '?' || r == '\n' {
			message = message[:i]
			break
		}
	}
	const limit = 120
	if len(message) > limit {
		message = message[:limit]
	}
	return strings.TrimSpace(message)
}

// RollSummary folds a new message into the previous rolling summary,
// keeping the tail when the combined text exceeds the bound. The tail is
// kept rather than the head because recent turns matter more.
func RollSummary(previous, message string) string {
	point := KeyPoint(message)
	if point == "" {
		return previous
	}
	combined := point
	if previous != "" {
		combined = previous + "; " + point
	}
	if len(combined) > maxSummaryLen {
		combined = combined[len(combined)-maxSummaryLen:]
		if idx := strings.Index(combined, "; "); idx >= 0 {
			combined = combined[idx+2:]
		}
	}
	return combined
}

// mergeKeyPoints appends a point and drops the oldest beyond the bound.
func mergeKeyPoints(existing []string, point string) []string {
	if point == "" {
		return existing
	}
	for _, p := range existing {
		if p == point {
			return existing
		}
	}
	merged := append(append([]string(nil), existing...), point)
	if len(merged) > maxKeyPoints {
		merged = merged[len(merged)-maxKeyPoints:]
	}
	return merged
}

// mergeEntities unions new entities into the existing set, preserving order.
func mergeEntities(existing, fresh []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, e := range existing {
		if !seen[e] {
			seen[e] = true
			out = append(out, e)
		}
	}
	for _, e := range fresh {
		if !seen[e] {
			seen[e] = true
			out = append(out, e)
		}
	}
	return out
}
