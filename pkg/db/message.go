// Database models for chat messages
package db

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// Message represents a single chat message.
// A user message is created in `sending` status before the agent is invoked
// and flipped to `sent` or `error` once the call resolves. An assistant
// message starts empty (status `streaming` on the streaming path) and is
// finalized once its content is known.
type Message struct {
	ID             string `json:"id" gorm:"primaryKey;size:36"`
	ConversationID string `json:"conversation_id" gorm:"index;size:36;not null"`

	// ParentID links an assistant message to the user message that
	// triggered it. Once set it never changes.
	ParentID *string `json:"parent_id,omitempty" gorm:"index;size:36"`

	Role    string `json:"role" gorm:"size:20;not null"` // user, assistant
	Content string `json:"content" gorm:"type:text"`

	Status string       `json:"status" gorm:"size:20;default:'sending'"` // sending, streaming, sent, error
	Meta   *MessageMeta `json:"metadata,omitempty" gorm:"type:text"`     // JSON

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (*Message) TableName() string {
	return "messages"
}

// MessageMeta carries free-form structured annotations persisted alongside a
// message: content type tag, stream identifiers, timing, error info.
type MessageMeta struct {
	Type            string     `json:"type,omitempty"`            // text, file-list, system
	StreamID        string     `json:"streamId,omitempty"`        //
	StreamStatus    string     `json:"streamStatus,omitempty"`    // streaming, complete, error
	ChunkCount      int        `json:"chunkCount,omitempty"`      //
	TotalLength     int        `json:"totalLength,omitempty"`     //
	StreamStartTime *time.Time `json:"streamStartTime,omitempty"` //
	StreamEndTime   *time.Time `json:"streamEndTime,omitempty"`   //
	StreamDuration  int64      `json:"streamDuration,omitempty"`  // milliseconds
	Error           string     `json:"error,omitempty"`           //
	FromCache       bool       `json:"fromCache,omitempty"`       //
}

// Value implements driver.Valuer for database storage
func (m *MessageMeta) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner for database retrieval
func (m *MessageMeta) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return nil
	}
}

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message status
const (
	MessageStatusSending   = "sending"
	MessageStatusStreaming = "streaming"
	MessageStatusSent      = "sent"
	MessageStatusError     = "error"
)

// Message content type tags stored in metadata
const (
	MessageTypeText     = "text"
	MessageTypeFileList = "file-list"
	MessageTypeSystem   = "system"
)
