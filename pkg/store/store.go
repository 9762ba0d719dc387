// Package store persists users, conversations and messages with gorm.
package store

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/loomchat/loomchat/pkg/db"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
)

// maxTitleLen bounds titles derived from the first user message.
const maxTitleLen = 50

// Store wraps the gorm handle with the chat persistence operations.
type Store struct {
	db *gorm.DB
}

// New creates a Store over an opened database.
func New(gdb *gorm.DB) *Store {
	return &Store{db: gdb}
}

// ========== Users ==========

// CreateUser ensures a user row exists. Creating the same user twice is a
// no-op.
func (s *Store) CreateUser(id string) error {
	user := db.User{ID: id}
	if err := s.db.FirstOrCreate(&user, "id = ?", id).Error; err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// ========== Conversations ==========

// FindOrCreateConversation resolves the target conversation for a chat
// request. An empty id creates a fresh conversation titled after the first
// message; an unknown id is accepted and created as given so clients may
// mint their own ids. The second return reports whether a row was created.
func (s *Store) FindOrCreateConversation(userID, conversationID, firstMessage string) (*db.Conversation, bool, error) {
	if conversationID != "" {
		var conv db.Conversation
		err := s.db.First(&conv, "id = ?", conversationID).Error
		if err == nil {
			return &conv, false, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, fmt.Errorf("failed to load conversation: %w", err)
		}
	}

	conv := &db.Conversation{
		ID:     conversationID,
		UserID: userID,
		Title:  deriveTitle(firstMessage),
	}
	if conv.ID == "" {
		conv.ID = uuid.New().String()
	}
	if err := s.db.Create(conv).Error; err != nil {
		return nil, false, fmt.Errorf("failed to create conversation: %w", err)
	}
	return conv, true, nil
}

// GetConversation retrieves a conversation by ID.
func (s *Store) GetConversation(id string) (*db.Conversation, error) {
	var conv db.Conversation
	if err := s.db.First(&conv, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}
	return &conv, nil
}

// ListConversations lists a user's conversations, most recently active
// first. Archived conversations are skipped unless requested.
func (s *Store) ListConversations(userID string, includeArchived bool) ([]db.Conversation, error) {
	query := s.db.Where("user_id = ?", userID)
	if !includeArchived {
		query = query.Where("archived = ?", false)
	}
	var conversations []db.Conversation
	if err := query.Order("updated_at DESC").Find(&conversations).Error; err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	return conversations, nil
}

// UpdateConversation applies a partial update (title, archived).
func (s *Store) UpdateConversation(id string, updates map[string]interface{}) (*db.Conversation, error) {
	conv, err := s.GetConversation(id)
	if err != nil {
		return nil, err
	}
	if len(updates) == 0 {
		return conv, nil
	}
	if err := s.db.Model(conv).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("failed to update conversation: %w", err)
	}
	return conv, nil
}

// UpdateConversationActivity bumps the conversation's updated_at so it
// sorts to the top of the list.
func (s *Store) UpdateConversationActivity(id string) error {
	return s.db.Model(&db.Conversation{}).Where("id = ?", id).
		Update("updated_at", time.Now()).Error
}

// ========== Messages ==========

// CreateMessage persists a new message row.
func (s *Store) CreateMessage(msg *db.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if err := s.db.Create(msg).Error; err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}
	return nil
}

// UpdateMessage saves the full message record.
func (s *Store) UpdateMessage(msg *db.Message) error {
	if err := s.db.Save(msg).Error; err != nil {
		return fmt.Errorf("failed to update message: %w", err)
	}
	return nil
}

// GetMessage retrieves a message by ID.
func (s *Store) GetMessage(id string) (*db.Message, error) {
	var msg db.Message
	if err := s.db.First(&msg, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	return &msg, nil
}

// ListMessages returns a conversation's messages in chronological order.
func (s *Store) ListMessages(conversationID string) ([]db.Message, error) {
	var messages []db.Message
	if err := s.db.Where("conversation_id = ?", conversationID).
		Order("created_at ASC").Find(&messages).Error; err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return messages, nil
}

func deriveTitle(firstMessage string) string {
	title := strings.TrimSpace(firstMessage)
	if title == "" {
		return "New Chat"
	}
	if idx := strings.IndexByte(title, '\n'); idx > 0 {
		title = title[:idx]
	}
	runes := []rune(title)
	if len(runes) > maxTitleLen {
		title = string(runes[:maxTitleLen]) + "..."
	}
	return title
}
