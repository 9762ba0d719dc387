// Chat orchestration: turns a user message into a persisted, optionally
// streamed assistant response.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"

	"github.com/loomchat/loomchat/pkg/agent"
	"github.com/loomchat/loomchat/pkg/models"
	"github.com/loomchat/loomchat/pkg/utils"
)

// agentErrorApology is persisted when the agent fails mid-call on the
// synchronous path, and substituted whenever normalization yields nothing.
const agentErrorApology = "I apologize, but I encountered an error while processing your message. Please try again."

// reconcileEmptyFallback is the orchestrator-level safety net, distinct from
// the bridge-level one so the degraded path is identifiable in stored data.
const reconcileEmptyFallback = "I wasn't able to generate a response. Please try again."

// systemInstruction is the fixed instruction prepended to every agent call.
// Prior turns are not replayed; continuity lives in the conversation id the
// agent receives, not in context replay.
const systemInstruction = "You are a helpful assistant with access to tools. Use them when they help you answer accurately and keep answers concise."

var systemMessage = agent.Message{Role: agent.RoleSystem, Content: systemInstruction}

// ========== Collaborator contracts ==========

// Store is the persistence surface the orchestrator consumes. Single-row
// atomicity is assumed; no cross-row transactions are required.
type Store interface {
	CreateUser(id string) error
	FindOrCreateConversation(userID, conversationID, firstMessage string) (*models.Conversation, bool, error)
	UpdateConversationActivity(id string) error
	CreateMessage(msg *models.Message) error
	UpdateMessage(msg *models.Message) error
}

// ResponseCache is the best-effort acceleration layer. Implementations
// swallow their own failures; a miss and an outage look the same here.
type ResponseCache interface {
	GetResponse(ctx context.Context, text string) (string, bool)
	SetResponse(ctx context.Context, text, response string)
	SetMessage(ctx context.Context, msg *models.Message)
	SetConversation(ctx context.Context, conv *models.Conversation)
	InvalidateConversationList(ctx context.Context, userID string)
}

// DurableStreamPersistence archives streaming-state snapshots so a stream
// remains inspectable after the in-memory entry is dropped.
type DurableStreamPersistence interface {
	SaveStreamState(ctx context.Context, state *models.StreamStateView) error
}

// ========== Chat service ==========

// ChatService is the chat-processing engine. It creates conversation and
// message records, drives the agent, reconciles streamed content and
// guarantees the caller a completion signal.
type ChatService struct {
	store    Store
	provider agent.Provider
	states   *StreamingStateStore
	cache    ResponseCache            // optional
	archive  DurableStreamPersistence // optional
	logger   *slog.Logger
}

// NewChatService creates a chat service. Cache and durable stream
// persistence are optional and injected via setters.
func NewChatService(store Store, provider agent.Provider, states *StreamingStateStore) *ChatService {
	return &ChatService{
		store:    store,
		provider: provider,
		states:   states,
		logger:   utils.GetLogger(),
	}
}

// SetCache injects the best-effort cache layer.
func (s *ChatService) SetCache(cache ResponseCache) {
	s.cache = cache
}

// SetStreamArchive injects the durable streaming-state persistence.
func (s *ChatService) SetStreamArchive(archive DurableStreamPersistence) {
	s.archive = archive
}

// StreamState exposes a live stream's snapshot for inspection.
func (s *ChatService) StreamState(streamID string) (*models.StreamStateView, bool) {
	state, ok := s.states.Get(streamID)
	if !ok {
		return nil, false
	}
	return state.Snapshot(), true
}

// ========== Classification ==========

// isDeterministicQuery reports whether a message is eligible for cached
// responses. Checks are case-sensitive on the raw text; this is a
// heuristic, not a purity guarantee.
func isDeterministicQuery(text string) bool {
	return strings.HasPrefix(text, "list") ||
		strings.HasPrefix(text, "show") ||
		strings.Contains(text, "what is") ||
		strings.Contains(text, "how to")
}

// classifyMessageType tags responses to file-listing queries so clients can
// render them as listings.
func classifyMessageType(text string) string {
	if strings.Contains(text, "list") && strings.Contains(text, "file") {
		return models.MessageTypeFileList
	}
	return models.MessageTypeText
}

func buildHistory(text string) []agent.Message {
	return []agent.Message{
		systemMessage,
		{Role: agent.RoleUser, Content: text},
	}
}

// ========== Record bootstrap ==========

type chatRecords struct {
	conv      *models.Conversation
	userMsg   *models.Message
	assistant *models.Message
}

// createChatRecords ensures the user and conversation rows exist and
// creates the user/assistant message pair. Exactly one assistant message is
// created per chat call, parented to the user message; its parent id never
// changes afterwards.
func (s *ChatService) createChatRecords(ctx context.Context, text, userID, conversationID, assistantStatus string) (*chatRecords, error) {
	if err := s.store.CreateUser(userID); err != nil {
		return nil, fmt.Errorf("failed to ensure user: %w", err)
	}

	conv, created, err := s.store.FindOrCreateConversation(userID, conversationID, text)
	if err != nil {
		return nil, err
	}
	if created {
		if s.cache != nil {
			s.cache.SetConversation(ctx, conv)
			s.cache.InvalidateConversationList(ctx, userID)
		}
	} else if err := s.store.UpdateConversationActivity(conv.ID); err != nil {
		s.logger.Warn("Failed to bump conversation activity", "conversation_id", conv.ID, "error", err)
	}

	userMsg := &models.Message{
		ConversationID: conv.ID,
		Role:           models.RoleUser,
		Content:        text,
		Status:         models.MessageStatusSending,
	}
	if err := s.store.CreateMessage(userMsg); err != nil {
		return nil, fmt.Errorf("failed to create user message: %w", err)
	}

	assistant := &models.Message{
		ConversationID: conv.ID,
		ParentID:       &userMsg.ID,
		Role:           models.RoleAssistant,
		Content:        "",
		Status:         assistantStatus,
	}
	if err := s.store.CreateMessage(assistant); err != nil {
		return nil, fmt.Errorf("failed to create assistant message: %w", err)
	}

	return &chatRecords{conv: conv, userMsg: userMsg, assistant: assistant}, nil
}

// markUserMessage flips the user message status. Failures are logged, not
// propagated; the message row already exists and the reply matters more.
func (s *ChatService) markUserMessage(msg *models.Message, status string) {
	msg.Status = status
	if err := s.store.UpdateMessage(msg); err != nil {
		s.logger.Warn("Failed to update user message status",
			"message_id", msg.ID, "status", status, "error", err)
	}
}

// ========== Synchronous path ==========

// ProcessMessage handles one chat turn without streaming. Agent failures
// are absorbed into an apologetic but valid assistant Message; only store
// failures surface as errors.
func (s *ChatService) ProcessMessage(ctx context.Context, text, userID, conversationID string) (*models.Message, error) {
	recs, err := s.createChatRecords(ctx, text, userID, conversationID, models.MessageStatusSending)
	if err != nil {
		return nil, err
	}

	deterministic := isDeterministicQuery(text)
	if deterministic && s.cache != nil {
		if cached, ok := s.cache.GetResponse(ctx, text); ok {
			s.logger.Info("Serving deterministic response from cache",
				"conversation_id", recs.conv.ID, "message_id", recs.assistant.ID)
			s.markUserMessage(recs.userMsg, models.MessageStatusSent)
			recs.assistant.Content = cached
			recs.assistant.Status = models.MessageStatusSent
			recs.assistant.Meta = &models.MessageMeta{
				Type:      classifyMessageType(text),
				FromCache: true,
			}
			if err := s.store.UpdateMessage(recs.assistant); err != nil {
				return nil, fmt.Errorf("failed to persist cached response: %w", err)
			}
			if s.cache != nil {
				s.cache.SetMessage(ctx, recs.assistant)
			}
			return recs.assistant, nil
		}
	}

	reply, invokeErr := s.invokeSync(ctx, text, recs.conv.ID)
	if invokeErr != nil {
		// The agent failed; the user still gets a valid, apologetic
		// message rather than an exception.
		s.logger.Error("Agent invocation failed", "conversation_id", recs.conv.ID, "error", invokeErr)
		s.markUserMessage(recs.userMsg, models.MessageStatusError)
		recs.assistant.Content = agentErrorApology
		recs.assistant.Status = models.MessageStatusSent
		recs.assistant.Meta = &models.MessageMeta{
			Type:  models.MessageTypeSystem,
			Error: invokeErr.Error(),
		}
		if err := s.store.UpdateMessage(recs.assistant); err != nil {
			return nil, fmt.Errorf("failed to persist apology message: %w", err)
		}
		return recs.assistant, nil
	}

	if reply == "" {
		reply = agentErrorApology
	}

	s.markUserMessage(recs.userMsg, models.MessageStatusSent)
	recs.assistant.Content = reply
	recs.assistant.Status = models.MessageStatusSent
	recs.assistant.Meta = &models.MessageMeta{Type: classifyMessageType(text)}
	if err := s.store.UpdateMessage(recs.assistant); err != nil {
		return nil, fmt.Errorf("failed to persist assistant message: %w", err)
	}

	if s.cache != nil {
		if deterministic {
			s.cache.SetResponse(ctx, text, reply)
		}
		s.cache.SetMessage(ctx, recs.assistant)
	}

	return recs.assistant, nil
}

// invokeSync runs the agent without streaming and normalizes its output.
func (s *ChatService) invokeSync(ctx context.Context, text, conversationID string) (string, error) {
	ag, err := s.provider.Acquire(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to acquire agent: %w", err)
	}
	raw, err := ag.Invoke(ctx, buildHistory(text), agent.InvokeConfig{
		ConversationID: conversationID,
		DirectResponse: true,
	})
	if err != nil {
		return "", err
	}
	return NormalizeResponse(StringResponse(raw)), nil
}

// ========== Streaming path ==========

// ProcessStreamingMessage handles one chat turn with token streaming via
// opts. An unavailable agent degrades to a canned reply and still resolves
// normally. A failure after streaming state is registered is the one path
// that returns an error to the caller, after onError has fired once.
func (s *ChatService) ProcessStreamingMessage(ctx context.Context, text, userID, conversationID string, opts StreamOptions) (*models.Message, error) {
	recs, err := s.createChatRecords(ctx, text, userID, conversationID, models.MessageStatusStreaming)
	if err != nil {
		if opts.OnError != nil {
			opts.OnError(err)
		}
		return nil, err
	}

	streamID := uuid.New().String()
	state := s.states.Create(streamID, recs.assistant.ID, recs.conv.ID)
	s.logger.Info("Streaming request started",
		"stream_id", streamID,
		"conversation_id", recs.conv.ID,
		"message_id", recs.assistant.ID)
	if opts.OnStart != nil {
		opts.OnStart(streamID, recs.assistant.ID, recs.conv.ID)
	}

	msg, err := s.runStream(ctx, recs, state, text, opts)
	if err != nil {
		s.failStream(ctx, recs, state, err)
		if opts.OnError != nil {
			opts.OnError(err)
		}
		return nil, err
	}
	return msg, nil
}

func (s *ChatService) runStream(ctx context.Context, recs *chatRecords, state *StreamingState, text string, opts StreamOptions) (*models.Message, error) {
	ag, err := s.provider.Acquire(ctx)
	if err != nil {
		// No agent at all. Serve the canned reply and resolve normally.
		s.logger.Warn("Agent unavailable, serving fallback reply",
			"stream_id", state.StreamID, "error", err)
		return s.serveFallback(ctx, recs, state, text, opts)
	}

	bridge := NewTokenCallbackBridge(state.StreamID, s.states, opts, s.logger)
	if _, err := ag.Invoke(ctx, buildHistory(text), agent.InvokeConfig{
		ConversationID: recs.conv.ID,
		StreamID:       state.StreamID,
		Streaming:      true,
		Handler:        bridge,
	}); err != nil {
		return nil, pkgerrors.Wrap(err, "agent invocation failed")
	}

	// Reconciliation: the agent has returned, so the stream must now be
	// complete with content, whether or not it ever said so.
	if !state.CompletedViaCallback() {
		s.logger.Warn("Stream never signaled completion, forcing it",
			"stream_id", state.StreamID, "chunks", state.ChunkCount())
		state.Complete(false)
		if opts.OnComplete != nil {
			invokeWithRetry(s.logger, "forced completion delivery", deliveryAttempts, opts.OnComplete)
		}
	}
	content := state.Content()
	if content == "" {
		s.logger.Warn("Stream completed with empty content, substituting fallback",
			"stream_id", state.StreamID)
		content = reconcileEmptyFallback
		state.ForceContent(content)
	}

	return s.finalizeStream(ctx, recs, state, text, content, "")
}

// serveFallback resolves an agent-unavailable stream with a canned reply.
// The single chunk and the completion both flow through the normal delivery
// path so the caller cannot tell this stream apart structurally.
func (s *ChatService) serveFallback(ctx context.Context, recs *chatRecords, state *StreamingState, text string, opts StreamOptions) (*models.Message, error) {
	reply := fallbackReply(text)
	if opts.OnChunk != nil {
		invokeWithRetry(s.logger, "fallback chunk delivery", deliveryAttempts, func() error {
			return opts.OnChunk(reply)
		})
	}
	state.AppendChunk(reply)
	state.Complete(false)

	msg, err := s.finalizeStream(ctx, recs, state, text, reply, "agent_unavailable")
	if err != nil {
		return nil, err
	}
	if opts.OnComplete != nil {
		invokeWithRetry(s.logger, "completion delivery", deliveryAttempts, opts.OnComplete)
	}
	return msg, nil
}

// finalizeStream persists the final assistant message and metadata, updates
// the best-effort layers and only then drops the in-memory state.
func (s *ChatService) finalizeStream(ctx context.Context, recs *chatRecords, state *StreamingState, text, content, errTag string) (*models.Message, error) {
	s.markUserMessage(recs.userMsg, models.MessageStatusSent)

	started := state.StartedAt
	ended := time.Now()
	if at := state.EndedAt(); at != nil {
		ended = *at
	}

	recs.assistant.Content = content
	recs.assistant.Status = models.MessageStatusSent
	recs.assistant.Meta = &models.MessageMeta{
		Type:            classifyMessageType(text),
		StreamID:        state.StreamID,
		StreamStatus:    StreamStatusComplete,
		ChunkCount:      state.ChunkCount(),
		TotalLength:     len(content),
		StreamStartTime: &started,
		StreamEndTime:   &ended,
		StreamDuration:  ended.Sub(started).Milliseconds(),
		Error:           errTag,
		// The content is fully materialized; replaying this message
		// must not re-stream it.
		FromCache: true,
	}
	if err := s.store.UpdateMessage(recs.assistant); err != nil {
		return nil, fmt.Errorf("failed to persist streamed message: %w", err)
	}

	if s.cache != nil {
		s.cache.SetMessage(ctx, recs.assistant)
		s.cache.SetConversation(ctx, recs.conv)
	}
	if s.archive != nil {
		if err := s.archive.SaveStreamState(ctx, state.Snapshot()); err != nil {
			s.logger.Warn("Failed to archive stream state",
				"stream_id", state.StreamID, "error", err)
		}
	}

	// Deleting before the persist above could lose the stream for a
	// concurrent reader; after it, missing simply means finished.
	s.states.Delete(state.StreamID)

	s.logger.Info("Streaming request finished",
		"stream_id", state.StreamID,
		"chunks", state.ChunkCount(),
		"length", len(content))
	return recs.assistant, nil
}

// failStream records a streaming failure best-effort and cleans up. The
// original error is never masked by cleanup trouble.
func (s *ChatService) failStream(ctx context.Context, recs *chatRecords, state *StreamingState, cause error) {
	state.MarkError()

	recs.assistant.Status = models.MessageStatusError
	recs.assistant.Meta = &models.MessageMeta{
		Type:         models.MessageTypeSystem,
		StreamID:     state.StreamID,
		StreamStatus: StreamStatusError,
		ChunkCount:   state.ChunkCount(),
		Error:        fmt.Sprintf("%+v", cause),
	}
	if err := s.store.UpdateMessage(recs.assistant); err != nil {
		s.logger.Error("Failed to record stream failure",
			"message_id", recs.assistant.ID, "error", err)
	}
	s.markUserMessage(recs.userMsg, models.MessageStatusError)

	if s.archive != nil {
		if err := s.archive.SaveStreamState(ctx, state.Snapshot()); err != nil {
			s.logger.Warn("Failed to archive failed stream",
				"stream_id", state.StreamID, "error", err)
		}
	}

	s.states.Delete(state.StreamID)
}
