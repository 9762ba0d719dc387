package service

import (
	"log/slog"
	"sync"

	"github.com/loomchat/loomchat/pkg/agent"
)

// streamEmptyFallback is injected by the bridge when a stream ends having
// produced no usable content.
const streamEmptyFallback = "I'm having trouble generating a response right now. Please try asking again."

// deliveryAttempts bounds chunk and completion delivery. One retry, then
// the failure is logged and swallowed so the stream can continue.
const deliveryAttempts = 2

// StreamOptions are the caller-supplied delivery callbacks for a streaming
// request. Chunk and completion handlers may be invoked more than once on
// rare fault paths; callers must tolerate that. Completion is the signal
// worked hardest to arrive exactly once.
type StreamOptions struct {
	// OnStart fires once, before any chunk, with the correlation ids for
	// this stream.
	OnStart    func(streamID, messageID, conversationID string)
	OnChunk    func(text string) error
	OnComplete func() error
	OnError    func(err error)
}

// invokeWithRetry runs fn up to maxAttempts times. Delivery failures never
// propagate; the last error is logged and dropped.
func invokeWithRetry(logger *slog.Logger, what string, maxAttempts int, fn func() error) {
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err = fn(); err == nil {
			return
		}
		if attempt < maxAttempts {
			logger.Warn("Delivery failed, retrying", "what", what, "attempt", attempt, "error", err)
		}
	}
	logger.Error("Delivery failed after retries", "what", what, "attempts", maxAttempts, "error", err)
}

// TokenCallbackBridge adapts the agent's token/stream-end callbacks to the
// caller's chunk/complete contract and keeps the stream's state current.
type TokenCallbackBridge struct {
	streamID string
	states   *StreamingStateStore
	opts     StreamOptions
	logger   *slog.Logger

	mu     sync.Mutex
	tokens int
}

// NewTokenCallbackBridge wires a bridge to one stream's state entry.
func NewTokenCallbackBridge(streamID string, states *StreamingStateStore, opts StreamOptions, logger *slog.Logger) *TokenCallbackBridge {
	return &TokenCallbackBridge{
		streamID: streamID,
		states:   states,
		opts:     opts,
		logger:   logger,
	}
}

// OnToken normalizes one token, delivers it, then records it. Delivery
// comes first so the caller sees the chunk even if state updates are moot;
// recording is skipped once the state is complete so a late token cannot
// corrupt finalized content.
func (b *TokenCallbackBridge) OnToken(ev agent.TokenEvent) {
	b.mu.Lock()
	b.tokens++
	b.mu.Unlock()

	text := normalizeToken(ev)
	if text == "" {
		return
	}

	if b.opts.OnChunk != nil {
		invokeWithRetry(b.logger, "chunk delivery", deliveryAttempts, func() error {
			return b.opts.OnChunk(text)
		})
	}

	state, ok := b.states.Get(b.streamID)
	if !ok {
		b.logger.Warn("Token arrived for unknown stream", "stream_id", b.streamID)
		return
	}
	if !state.AppendChunk(text) {
		b.logger.Debug("Dropped late token after completion", "stream_id", b.streamID)
	}
}

// OnStreamEnd marks the stream complete and fires the completion callback.
// Completion is never silently dropped, even when the state entry is
// already gone.
func (b *TokenCallbackBridge) OnStreamEnd() {
	state, ok := b.states.Get(b.streamID)
	if !ok {
		b.logger.Warn("Stream ended with no state entry", "stream_id", b.streamID)
		b.fireCompletion()
		return
	}

	state.Complete(true)

	b.mu.Lock()
	tokens := b.tokens
	b.mu.Unlock()
	if tokens == 0 || state.Content() == "" {
		b.logger.Warn("Stream ended without content, injecting fallback",
			"stream_id", b.streamID, "tokens", tokens)
		if b.opts.OnChunk != nil {
			invokeWithRetry(b.logger, "fallback chunk delivery", deliveryAttempts, func() error {
				return b.opts.OnChunk(streamEmptyFallback)
			})
		}
		state.ForceContent(streamEmptyFallback)
	}

	b.fireCompletion()
}

func (b *TokenCallbackBridge) fireCompletion() {
	if b.opts.OnComplete == nil {
		return
	}
	invokeWithRetry(b.logger, "completion delivery", deliveryAttempts, func() error {
		return b.opts.OnComplete()
	})
}
