package model

import (
	"time"
)

// LedgerReason is the reason code of a credit ledger entry.
type LedgerReason string

const (
	ReasonMessageConsumed LedgerReason = "MESSAGE_CONSUMED"
	ReasonTaggingConsumed LedgerReason = "TAGGING_CONSUMED"
	ReasonPlanGrant       LedgerReason = "PLAN_GRANT"
	ReasonPromoGrant      LedgerReason = "PROMO_GRANT"
	ReasonAdjustment      LedgerReason = "ADJUSTMENT"
)

// LedgerEntry is one immutable accounting event.
type LedgerEntry struct {
	ID           string       `json:"id"`
	WorkspaceID  string       `json:"workspace_id"`
	Delta        int          `json:"delta"`
	Reason       LedgerReason `json:"reason"`
	ReferenceID  *string      `json:"reference_id,omitempty"`
	BalanceAfter int          `json:"balance_after"`
	CreatedAt    time.Time    `json:"created_at"`
}

// Workspace is the billing and membership boundary.
type Workspace struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	PlanCredits int    `json:"plan_credits"`
}

// Passage is a knowledge chunk retrieved by similarity search.
type Passage struct {
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	Title      string  `json:"title,omitempty"`
	Content    string  `json:"content"`
	Similarity float64 `json:"similarity"`
}

// TurnAnalytics is recorded once per AI-generated turn.
type TurnAnalytics struct {
	WorkspaceID    string
	AgentID        string
	ConversationID string
	MessageID      string
	Channel        ChannelType
	LatencyMs      int64
	Confidence     float64
	TokenCount     int
	HandedOff      bool
	CreatedAt      time.Time
}
