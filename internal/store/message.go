package store

import (
	"context"
	"fmt"

	"github.com/capitalize-ai/omnichannel-agent/internal/model"
)

const messageColumns = `id, conversation_id, role, content, confidence, latency_ms, token_count, created_at`

func scanMessage(row rowScanner) (*model.Message, error) {
	var m model.Message
	if err := row.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content,
		&m.Confidence, &m.LatencyMs, &m.TokenCount, &m.CreatedAt); err != nil {
		return nil, err
	}
	return &m, nil
}

// InsertMessage appends a message. ID and CreatedAt are assigned when empty.
func (d *DB) InsertMessage(ctx context.Context, m *model.Message) error {
	if m.ID == "" {
		m.ID = newID()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = d.now()
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		m.ID, m.ConversationID, string(m.Role), m.Content, m.Confidence, m.LatencyMs, m.TokenCount, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	_, err = d.db.ExecContext(ctx, `UPDATE conversations SET updated_at = $2 WHERE id = $1`, m.ConversationID, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return nil
}

// ListRecentMessages returns up to limit of the latest customer and
// assistant messages in chronological order, skipping excludeID. System
// notes are not part of the model's history and do not count toward limit.
func (d *DB) ListRecentMessages(ctx context.Context, conversationID, excludeID string, limit int) ([]model.Message, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = $1 AND id <> $2 AND role <> $3
		ORDER BY created_at DESC, id DESC
		LIMIT $4`, conversationID, excludeID, string(model.RoleSystem), limit)
	if err != nil {
		return nil, fmt.Errorf("list recent messages: %w", err)
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// ListMessages pages through a conversation in chronological order.
func (d *DB) ListMessages(ctx context.Context, conversationID string, limit, offset int) (*model.ListMessagesResponse, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := d.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at ASC, id ASC
		LIMIT $2 OFFSET $3`, conversationID, limit+1, offset)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	out := &model.ListMessagesResponse{Messages: []model.Message{}}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out.Messages = append(out.Messages, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out.Messages) > limit {
		out.Messages = out.Messages[:limit]
		out.HasMore = true
	}
	return out, nil
}
