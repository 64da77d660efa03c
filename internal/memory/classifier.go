package memory

import "strings"

// ContextLevel says how much conversation context a message needs before an
// agent can act on it. Assembling full context (transcript, snapshots,
// workspace state) is the expensive path, so small talk is kept cheap.
type ContextLevel string

const (
	LevelMinimal  ContextLevel = "minimal"
	LevelModerate ContextLevel = "moderate"
	LevelFull     ContextLevel = "full"
)

// Classification is the result of inspecting a single message.
type Classification struct {
	IsGreeting           bool         `json:"is_greeting"`
	IsCasualConversation bool         `json:"is_casual_conversation"`
	IsWorkTask           bool         `json:"is_work_task"`
	Level                ContextLevel `json:"context_level"`
}

// shortMessageLimit is the rune count under which a message with no work
// signal gets only a light summary instead of full assembly.
const shortMessageLimit = 80

// workKeywords mark a message as a real work request. Any hit forces full
// context regardless of greetings or length.
var workKeywords = []string{
	"build", "fix", "debug", "implement", "create", "write", "refactor",
	"deploy", "install", "configure", "migrate", "update", "delete",
	"rename", "review", "test", "benchmark", "optimize", "investigate",
	"file", "component", "function", "module", "package", "endpoint",
	"api", "query", "database", "schema", "bug", "error", "crash",
	"failing", "broken", "regression", "stacktrace", "compile",
}

var greetingPrefixes = []string{
	"hi", "hey", "hello", "yo", "howdy", "good morning", "good afternoon",
	"good evening", "morning", "evening",
}

var casualPhrases = []string{
	"how are you", "how's it going", "hows it going", "what's up",
	"whats up", "how was your", "what do you think", "do you like",
	"nice to meet", "thanks", "thank you", "appreciate it", "no worries",
	"sounds good", "cool", "great job", "well done",
}

// Classify is a pure function of the message text. Work-keyword detection
// takes precedence over every other heuristic: "fix the login page" is a
// work task even when it opens with "hey".
func Classify(message string) Classification {
	normalized := strings.ToLower(strings.TrimSpace(message))
	c := Classification{
		IsGreeting:           isGreeting(normalized),
		IsCasualConversation: isCasual(normalized),
		IsWorkTask:           hasWorkSignal(normalized),
	}

	switch {
	case c.IsWorkTask:
		c.Level = LevelFull
	case c.IsGreeting || c.IsCasualConversation:
		c.Level = LevelMinimal
	case len([]rune(normalized)) < shortMessageLimit:
		c.Level = LevelModerate
	default:
		c.Level = LevelFull
	}
	return c
}

func hasWorkSignal(normalized string) bool {
	for _, word := range tokenize(normalized) {
		for _, kw := range workKeywords {
			if word == kw {
				return true
			}
		}
	}
	return false
}

func isGreeting(normalized string) bool {
	for _, prefix := range greetingPrefixes {
		if normalized == prefix || strings.HasPrefix(normalized, prefix+" ") ||
			strings.HasPrefix(normalized, prefix+",") || strings.HasPrefix(normalized, prefix+"!") {
			return true
		}
	}
	return false
}

func isCasual(normalized string) bool {
	for _, phrase := range casualPhrases {
		if strings.Contains(normalized, phrase) {
			return true
		}
	}
	return false
}

// tokenize splits on anything that is not a letter or digit, so "API?" and
// "bug," still match their keywords.
func tokenize(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'))
	})
}
