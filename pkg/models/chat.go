// API types for the chat endpoints
package models

import (
	"time"

	"github.com/loomchat/loomchat/pkg/db"
)

// ========== Type aliases for database types ==========
// These allow other packages to use models.Message instead of db.Message

type Conversation = db.Conversation
type Message = db.Message
type MessageMeta = db.MessageMeta
type User = db.User

// ========== Constant aliases from db package ==========

// Message roles
const (
	RoleUser      = db.RoleUser
	RoleAssistant = db.RoleAssistant
)

// Message status constants
const (
	MessageStatusSending   = db.MessageStatusSending
	MessageStatusStreaming = db.MessageStatusStreaming
	MessageStatusSent      = db.MessageStatusSent
	MessageStatusError     = db.MessageStatusError
)

// Message content type tags
const (
	MessageTypeText     = db.MessageTypeText
	MessageTypeFileList = db.MessageTypeFileList
	MessageTypeSystem   = db.MessageTypeSystem
)

// ========== Request/response types ==========

// ChatMessageRequest is the body for both the synchronous and streaming
// chat endpoints.
type ChatMessageRequest struct {
	Content        string `json:"content" binding:"required"`
	UserID         string `json:"user_id" binding:"required"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// ConversationUpdateRequest patches mutable conversation fields.
type ConversationUpdateRequest struct {
	Title    *string `json:"title,omitempty"`
	Archived *bool   `json:"archived,omitempty"`
}

// StreamChunk is one server-sent frame of a streaming chat response.
type StreamChunk struct {
	StreamID       string `json:"stream_id"`
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	Index          int    `json:"index"`
	Delta          string `json:"delta,omitempty"`
	Done           bool   `json:"done,omitempty"`
	Error          string `json:"error,omitempty"`
}

// StreamStateView is the read-only projection of a live stream returned by
// the stream inspection endpoint.
type StreamStateView struct {
	StreamID             string     `json:"stream_id"`
	MessageID            string     `json:"message_id"`
	ConversationID       string     `json:"conversation_id"`
	Status               string     `json:"status"`
	Completed            bool       `json:"completed"`
	CompletedViaCallback bool       `json:"completed_via_callback"`
	ChunkCount           int        `json:"chunk_count"`
	ContentLength        int        `json:"content_length"`
	Content              string     `json:"content,omitempty"`
	StartedAt            time.Time  `json:"started_at"`
	LastChunkAt          *time.Time `json:"last_chunk_at,omitempty"`
	EndedAt              *time.Time `json:"ended_at,omitempty"`
}
