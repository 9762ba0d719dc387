package event

// ============================================================================
// Event Names (constants)
// ============================================================================

const (
	ChatChunk           = "chat.chunk"
	ChatCompleted       = "chat.completed"
	ChatError           = "chat.error"
	ConversationCreated = "conversation.created"
	ConversationUpdated = "conversation.updated"
)

// ============================================================================
// Chat Events
// ============================================================================

// ChatChunkEvent is emitted for every delivered chunk of a streaming reply.
type ChatChunkEvent struct {
	StreamID       string `json:"stream_id"`
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	Index          int    `json:"index"`
	Content        string `json:"content"`
}

func (e ChatChunkEvent) EventName() string { return ChatChunk }

// ChatCompletedEvent is emitted once a streaming reply has been finalized.
type ChatCompletedEvent struct {
	StreamID       string `json:"stream_id"`
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	ChunkCount     int    `json:"chunk_count"`
	ContentLength  int    `json:"content_length"`
}

func (e ChatCompletedEvent) EventName() string { return ChatCompleted }

// ChatErrorEvent is emitted when a streaming reply fails.
type ChatErrorEvent struct {
	StreamID       string `json:"stream_id"`
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	Error          string `json:"error"`
}

func (e ChatErrorEvent) EventName() string { return ChatError }

// ============================================================================
// Conversation Events
// ============================================================================

// ConversationCreatedEvent is emitted when a conversation is created for a
// first message.
type ConversationCreatedEvent struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Title          string `json:"title"`
}

func (e ConversationCreatedEvent) EventName() string { return ConversationCreated }

// ConversationUpdatedEvent is emitted when conversation fields change
// (title, archived flag).
type ConversationUpdatedEvent struct {
	ConversationID string `json:"conversation_id"`
}

func (e ConversationUpdatedEvent) EventName() string { return ConversationUpdated }
