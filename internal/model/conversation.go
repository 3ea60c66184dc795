// Package model defines data structures for the support routing platform.
package model

import (
	"time"
)

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	ConversationOpen      ConversationStatus = "OPEN"
	ConversationHandedOff ConversationStatus = "HANDED_OFF"
	ConversationResolved  ConversationStatus = "RESOLVED"
	ConversationAbandoned ConversationStatus = "ABANDONED"
)

// Active reports whether the status counts toward the one-active-conversation
// per customer rule.
func (s ConversationStatus) Active() bool {
	return s == ConversationOpen || s == ConversationHandedOff
}

// Conversation is one ongoing exchange between a customer and an agent on a channel.
type Conversation struct {
	ID           string             `json:"id"`
	WorkspaceID  string             `json:"workspace_id"`
	AgentID      string             `json:"agent_id"`
	Channel      ChannelType        `json:"channel"`
	ExternalID   string             `json:"external_id,omitempty"`
	CustomerID   string             `json:"customer_id"`
	CustomerName string             `json:"customer_name,omitempty"`
	Status       ConversationStatus `json:"status"`
	Tags         []string           `json:"tags"`
	Metadata     map[string]string  `json:"metadata,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
	ResolvedAt   *time.Time         `json:"resolved_at,omitempty"`
}

// ResolveConversationParams identifies the conversation an inbound message belongs to.
type ResolveConversationParams struct {
	WorkspaceID  string
	AgentID      string
	Channel      ChannelType
	ExternalID   string
	CustomerID   string
	CustomerName string
	Metadata     map[string]string
}

// ListConversationsFilter narrows a conversation listing.
type ListConversationsFilter struct {
	WorkspaceID string
	Status      ConversationStatus
	Limit       int
	Offset      int
}

// ListConversationsResponse is the response for listing conversations.
type ListConversationsResponse struct {
	Conversations []Conversation `json:"conversations"`
	HasMore       bool           `json:"has_more"`
}
