package store

import (
	"context"
	"fmt"

	"github.com/capitalize-ai/omnichannel-agent/internal/model"
)

// CreateHandoff persists an escalation.
func (d *DB) CreateHandoff(ctx context.Context, h *model.Handoff) error {
	if h.ID == "" {
		h.ID = newID()
	}
	if h.CreatedAt.IsZero() {
		h.CreatedAt = d.now()
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO handoffs (id, conversation_id, workspace_id, trigger, confidence, summary,
			destination, external_ticket_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		h.ID, h.ConversationID, h.WorkspaceID, string(h.Trigger), h.Confidence, h.Summary,
		string(h.Destination), nullString(h.ExternalTicketID), h.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert handoff: %w", err)
	}
	return nil
}

// SetHandoffTicket records the external ticket created for an escalation.
func (d *DB) SetHandoffTicket(ctx context.Context, handoffID, ticketID string) error {
	res, err := d.db.ExecContext(ctx,
		`UPDATE handoffs SET external_ticket_id = $2 WHERE id = $1`, handoffID, ticketID)
	if err != nil {
		return fmt.Errorf("set handoff ticket: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.ErrNotFound
	}
	return nil
}
