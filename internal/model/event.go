package model

import (
	"encoding/json"
	"time"
)

// EventType represents the type of realtime event.
type EventType string

const (
	EventMessageCreated       EventType = "message.created"
	EventConversationUpdated  EventType = "conversation.updated"
	EventConversationsRefresh EventType = "conversations.refresh"
	EventHandoffCreated       EventType = "handoff.created"
	EventError                EventType = "error"
)

// RealtimeEvent is pushed to dashboards and web widgets. Events without a
// ConversationID are workspace scoped.
type RealtimeEvent struct {
	ID             string          `json:"id"`
	Type           EventType       `json:"type"`
	WorkspaceID    string          `json:"workspace_id"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`

	// Populated on replay.
	Sequence uint64 `json:"sequence,omitempty"`
}

// NewEvent builds an event with a JSON payload.
func NewEvent(eventType EventType, workspaceID, conversationID string, payload any) (*RealtimeEvent, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &RealtimeEvent{
		Type:           eventType,
		WorkspaceID:    workspaceID,
		ConversationID: conversationID,
		Payload:        data,
	}, nil
}
