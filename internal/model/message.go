package model

import (
	"time"
)

// Role represents the role of a message sender.
type Role string

const (
	RoleUser      Role = "USER"
	RoleAssistant Role = "ASSISTANT"
	RoleSystem    Role = "SYSTEM"
)

// Message is one turn of a conversation. Messages are append-only.
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`

	Role    Role   `json:"role"`
	Content string `json:"content"`

	// Set on assistant turns only.
	Confidence *float64 `json:"confidence,omitempty"`
	LatencyMs  *int64   `json:"latency_ms,omitempty"`
	TokenCount *int     `json:"token_count,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// ListMessagesResponse is the response for listing messages.
type ListMessagesResponse struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"has_more"`
}

// TokenEvent represents a streaming token event.
type TokenEvent struct {
	Token string `json:"token"`
	Index int    `json:"index"`
}

// MessageCompleteEvent represents a message completion event.
type MessageCompleteEvent struct {
	ConversationID string  `json:"conversation_id"`
	Message        Message `json:"message"`
}

// ErrorEvent represents an error event.
type ErrorEvent struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// HeartbeatEvent represents a heartbeat event.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}
