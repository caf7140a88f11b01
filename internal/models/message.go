package models

import "time"

// Role identifies who sent a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one entry of a chat session's history.
type Message struct {
	ID        int64     `json:"id" db:"id"`
	VisitorID int64     `json:"visitor_id" db:"visitor_id"`
	SessionID int64     `json:"session_id" db:"session_id"`
	Role      Role      `json:"role" db:"role"`
	Content   string    `json:"content" db:"content"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
