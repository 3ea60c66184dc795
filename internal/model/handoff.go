package model

import (
	"time"
)

// HandoffTrigger is why a conversation was escalated.
type HandoffTrigger string

const (
	TriggerExplicitRequest HandoffTrigger = "EXPLICIT_REQUEST"
	TriggerAngerDetected   HandoffTrigger = "ANGER_DETECTED"
	TriggerLowConfidence   HandoffTrigger = "LOW_CONFIDENCE"
)

// HandoffDestination is where an escalation is delivered.
type HandoffDestination string

const (
	DestinationNone       HandoffDestination = "NONE"
	DestinationLiveAgent  HandoffDestination = "LIVE_AGENT"
	DestinationZendesk    HandoffDestination = "ZENDESK"
	DestinationFreshdesk  HandoffDestination = "FRESHDESK"
	DestinationGorgias    HandoffDestination = "GORGIAS"
	DestinationEmailQueue HandoffDestination = "EMAIL_QUEUE"
)

// Ticketing reports whether the destination is an external ticketing system.
func (d HandoffDestination) Ticketing() bool {
	switch d {
	case DestinationZendesk, DestinationFreshdesk, DestinationGorgias:
		return true
	default:
		return false
	}
}

// Handoff is one escalation event.
type Handoff struct {
	ID               string             `json:"id"`
	ConversationID   string             `json:"conversation_id"`
	WorkspaceID      string             `json:"workspace_id"`
	Trigger          HandoffTrigger     `json:"trigger"`
	Confidence       float64            `json:"confidence"`
	Summary          string             `json:"summary"`
	Destination      HandoffDestination `json:"destination"`
	ExternalTicketID *string            `json:"external_ticket_id,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
	ResolvedAt       *time.Time         `json:"resolved_at,omitempty"`
}
