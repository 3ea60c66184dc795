package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/capitalize-ai/omnichannel-agent/internal/model"
)

const conversationColumns = `id, workspace_id, agent_id, channel_type, external_id, customer_id,
	customer_name, status, tags, metadata, created_at, updated_at, resolved_at`

// resolveAttempts bounds the insert/update race loop when a concurrent turn
// resolves or creates the same conversation.
const resolveAttempts = 3

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*model.Conversation, error) {
	var (
		c        model.Conversation
		tags     []byte
		metadata []byte
		resolved sql.NullTime
	)
	err := row.Scan(&c.ID, &c.WorkspaceID, &c.AgentID, &c.Channel, &c.ExternalID, &c.CustomerID,
		&c.CustomerName, &c.Status, &tags, &metadata, &c.CreatedAt, &c.UpdatedAt, &resolved)
	if err != nil {
		return nil, err
	}
	c.Tags = []string{}
	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &c.Tags); err != nil {
			return nil, fmt.Errorf("decode tags: %w", err)
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &c.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	c.ResolvedAt = timePtr(resolved)
	return &c, nil
}

// ResolveOrCreateConversation returns the customer's active conversation,
// creating it if none exists. The partial unique index on active rows makes
// concurrent callers converge on one row. An existing row gets the latest
// external id and customer name. created reports whether a row was inserted.
func (d *DB) ResolveOrCreateConversation(ctx context.Context, p model.ResolveConversationParams) (conv *model.Conversation, created bool, err error) {
	metadata := p.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, false, err
	}

	insert := `
		INSERT INTO conversations (id, workspace_id, agent_id, channel_type, external_id, customer_id,
			customer_name, status, tags, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'OPEN', '[]'::jsonb, $8, $9, $9)
		ON CONFLICT (workspace_id, agent_id, channel_type, customer_id)
			WHERE status IN ('OPEN', 'HANDED_OFF') DO NOTHING
		RETURNING ` + conversationColumns

	touch := `
		UPDATE conversations
		SET external_id = CASE WHEN $5 = '' THEN external_id ELSE $5 END,
			customer_name = CASE WHEN $6 = '' THEN customer_name ELSE $6 END,
			updated_at = $7
		WHERE workspace_id = $1 AND agent_id = $2 AND channel_type = $3 AND customer_id = $4
			AND status IN ('OPEN', 'HANDED_OFF')
		RETURNING ` + conversationColumns

	for attempt := 0; attempt < resolveAttempts; attempt++ {
		now := d.now()

		conv, err = scanConversation(d.db.QueryRowContext(ctx, insert,
			newID(), p.WorkspaceID, p.AgentID, string(p.Channel), p.ExternalID, p.CustomerID,
			p.CustomerName, metaJSON, now))
		if err == nil {
			return conv, true, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, false, fmt.Errorf("insert conversation: %w", err)
		}

		conv, err = scanConversation(d.db.QueryRowContext(ctx, touch,
			p.WorkspaceID, p.AgentID, string(p.Channel), p.CustomerID, p.ExternalID, p.CustomerName, now))
		if err == nil {
			return conv, false, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, false, fmt.Errorf("update conversation: %w", err)
		}
		// The active row was closed between the two statements; try again.
	}
	return nil, false, fmt.Errorf("resolve conversation: gave up after %d attempts", resolveAttempts)
}

// GetConversation loads a conversation scoped to a workspace.
func (d *DB) GetConversation(ctx context.Context, workspaceID, id string) (*model.Conversation, error) {
	conv, err := scanConversation(d.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1 AND workspace_id = $2`,
		id, workspaceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return conv, nil
}

// ListConversations lists a workspace's conversations, most recently updated first.
func (d *DB) ListConversations(ctx context.Context, f model.ListConversationsFilter) (*model.ListConversationsResponse, error) {
	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE workspace_id = $1`
	args := []any{f.WorkspaceID}
	if f.Status != "" {
		args = append(args, string(f.Status))
		query += ` AND status = $` + strconv.Itoa(len(args))
	}
	args = append(args, limit+1, f.Offset)
	query += ` ORDER BY updated_at DESC, id DESC LIMIT $` + strconv.Itoa(len(args)-1) + ` OFFSET $` + strconv.Itoa(len(args))

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	out := &model.ListConversationsResponse{Conversations: []model.Conversation{}}
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out.Conversations = append(out.Conversations, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out.Conversations) > limit {
		out.Conversations = out.Conversations[:limit]
		out.HasMore = true
	}
	return out, nil
}

// UpdateConversationStatus transitions a conversation. Moving to RESOLVED
// stamps resolved_at.
func (d *DB) UpdateConversationStatus(ctx context.Context, id string, status model.ConversationStatus) error {
	now := d.now()
	var resolvedAt sql.NullTime
	if status == model.ConversationResolved {
		resolvedAt = sql.NullTime{Time: now, Valid: true}
	}
	res, err := d.db.ExecContext(ctx,
		`UPDATE conversations SET status = $2, updated_at = $3, resolved_at = COALESCE($4, resolved_at) WHERE id = $1`,
		id, string(status), now, resolvedAt)
	if err != nil {
		return fmt.Errorf("update conversation status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.ErrNotFound
	}
	return nil
}

// MergeConversationTags adds tags to the conversation's tag set.
func (d *DB) MergeConversationTags(ctx context.Context, id string, tags []string) error {
	if len(tags) == 0 {
		return nil
	}
	raw, err := json.Marshal(tags)
	if err != nil {
		return err
	}
	_, err = d.db.ExecContext(ctx, `
		UPDATE conversations
		SET tags = (
				SELECT COALESCE(jsonb_agg(DISTINCT t ORDER BY t), '[]'::jsonb)
				FROM jsonb_array_elements_text(tags || $2::jsonb) AS t
			),
			updated_at = $3
		WHERE id = $1`, id, raw, d.now())
	if err != nil {
		return fmt.Errorf("merge conversation tags: %w", err)
	}
	return nil
}
