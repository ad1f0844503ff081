package types

import "time"

// Role represents the role of a message participant.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message represents a single conversation message.
//
// TokenCount is set exactly once, at persistence time, by the store's
// token estimator. In-flight messages carry TokenCount == 0.
// Streaming marks a message that is still being assembled from deltas;
// it is never persisted or serialized.
type Message struct {
	ID             string `json:"id" gorm:"primaryKey;size:64"`
	ConversationID string `json:"conversation_id" gorm:"index;size:64"`
	Text           string `json:"text"`
	Role           Role   `json:"role" gorm:"size:16"`
	Timestamp      int64  `json:"timestamp" gorm:"index"` // ms since epoch
	TokenCount     int    `json:"token_count"`
	Streaming      bool   `json:"-" gorm:"-"`
}

// NewMessage creates a new message with the given role and text,
// stamped with the current wall clock.
func NewMessage(conversationID string, role Role, text string) Message {
	return Message{
		ConversationID: conversationID,
		Role:           role,
		Text:           text,
		Timestamp:      time.Now().UnixMilli(),
	}
}

// NewUserMessage creates a new user message.
func NewUserMessage(conversationID, text string) Message {
	return NewMessage(conversationID, RoleUser, text)
}

// NewAssistantMessage creates a new assistant message.
func NewAssistantMessage(conversationID, text string) Message {
	return NewMessage(conversationID, RoleAssistant, text)
}

// NewSystemMessage creates a new system message. System messages built
// from a prompt are synthetic: they are prepended to a context window
// and never persisted.
func NewSystemMessage(conversationID, text string) Message {
	return NewMessage(conversationID, RoleSystem, text)
}

// Conversation groups messages under a single id.
//
// A conversation row exists before any message referencing it is
// written; the store creates it lazily on first append and touches
// UpdatedAt on every append. It is never deleted implicitly.
type Conversation struct {
	ID        string `json:"id" gorm:"primaryKey;size:64"`
	Title     string `json:"title"`
	CreatedAt int64  `json:"created_at" gorm:"autoCreateTime:milli"`
	UpdatedAt int64  `json:"updated_at" gorm:"autoUpdateTime:milli"`
}
