// Database models for chat conversations
package db

import "time"

// Conversation represents a chat conversation owned by a user
type Conversation struct {
	ID        string    `json:"id" gorm:"primaryKey;size:36"`
	UserID    string    `json:"user_id" gorm:"index;size:64;not null"`
	Title     string    `json:"title" gorm:"size:200;default:'New Chat'"`
	Archived  bool      `json:"archived" gorm:"default:false"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Conversation) TableName() string {
	return "conversations"
}

// User represents a chat user. IDs are supplied by the caller and upserted
// on first contact.
type User struct {
	ID        string    `json:"id" gorm:"primaryKey;size:64"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (User) TableName() string {
	return "users"
}
