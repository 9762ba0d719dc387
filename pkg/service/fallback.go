package service

import "strings"

// Canned replies served when no agent can be constructed at all. Normal
// per-request agent errors use the single generic apology instead.
const (
	fallbackGreeting = "Hello! How can I help you today?"
	fallbackHelp     = "I'm here to help! Ask me a question or tell me what you need."
	fallbackWeather  = "I can't look up live weather right now, but I'm happy to help with anything else."
	fallbackGeneric  = "I received your message but I'm currently unable to process it. Please try again later."
)

// fallbackReply picks a canned reply for the user text. Keyword checks are
// case-insensitive and applied in priority order: greeting, help, weather,
// generic.
func fallbackReply(text string) string {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "hello") || strings.Contains(lower, "hi"):
		return fallbackGreeting
	case strings.Contains(lower, "help"):
		return fallbackHelp
	case strings.Contains(lower, "weather"):
		return fallbackWeather
	default:
		return fallbackGeneric
	}
}
