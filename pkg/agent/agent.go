// Package agent defines the boundary to the language-model agent and its
// eino-backed implementation. The chat core consumes the interfaces here and
// never touches provider SDKs directly.
package agent

import (
	"context"
)

// Message is one turn of the history handed to an agent invocation.
type Message struct {
	Role    string // system, user, assistant
	Content string
}

// Message roles
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// TokenKind discriminates the shapes a token callback payload can take.
type TokenKind int

const (
	// TokenKindText is a plain text fragment.
	TokenKindText TokenKind = iota
	// TokenKindStructured is a decoded object (e.g. {type: "text", text: ...}).
	TokenKindStructured
	// TokenKindRawJSON is an undecoded JSON string.
	TokenKindRawJSON
)

// TokenEvent is the tagged payload delivered for each emitted token.
// Exactly one of Text, Structured, Raw is meaningful, selected by Kind.
type TokenEvent struct {
	Kind       TokenKind
	Text       string
	Structured map[string]any
	Raw        string
}

// TextToken wraps a plain text fragment.
func TextToken(s string) TokenEvent {
	return TokenEvent{Kind: TokenKindText, Text: s}
}

// StructuredToken wraps a decoded object payload.
func StructuredToken(fields map[string]any) TokenEvent {
	return TokenEvent{Kind: TokenKindStructured, Structured: fields}
}

// RawJSONToken wraps an undecoded JSON string payload.
func RawJSONToken(raw string) TokenEvent {
	return TokenEvent{Kind: TokenKindRawJSON, Raw: raw}
}

// TokenHandler receives token callbacks during a streaming invocation.
// Implementations must tolerate zero OnToken calls before OnStreamEnd.
type TokenHandler interface {
	OnToken(ev TokenEvent)
	OnStreamEnd()
}

// InvokeConfig carries per-invocation settings.
type InvokeConfig struct {
	// ConversationID correlates the invocation with a conversation; the
	// agent owns whatever memory it keeps under this id.
	ConversationID string
	// StreamID correlates token callbacks with one streaming request.
	StreamID string
	// DirectResponse bypasses tool routing and asks the model directly.
	DirectResponse bool
	// Streaming enables token callbacks through Handler.
	Streaming bool
	// Handler receives tokens when Streaming is set. May be nil otherwise.
	Handler TokenHandler
}

// Agent produces a text answer for a message history, optionally streaming
// tokens through the configured handler first.
type Agent interface {
	Invoke(ctx context.Context, history []Message, cfg InvokeConfig) (string, error)
}

// Provider constructs an Agent per request. An error from Acquire means the
// agent is unavailable (misconfiguration, unreachable backend); callers
// degrade to canned replies rather than failing.
type Provider interface {
	Acquire(ctx context.Context) (Agent, error)
}
