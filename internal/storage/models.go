package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Message roles accepted by the chat_messages table.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of the conversation history.
type Message struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Learning is a reusable insight captured from a successful run.
// ID is only set for rows of the local learnings table.
type Learning struct {
	ID         int64     `json:"id,omitempty"`
	Title      string    `json:"title"`
	Context    string    `json:"context"`
	Learning   string    `json:"learning"`
	Confidence string    `json:"confidence"`
	Type       string    `json:"type"`
	CreatedAt  time.Time `json:"created_at"`
}
