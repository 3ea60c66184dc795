package store

import (
	"context"
	"fmt"
	"time"

	"github.com/capitalize-ai/omnichannel-agent/internal/model"
)

// RecordTurn stores the analytics row of one AI turn.
func (d *DB) RecordTurn(ctx context.Context, a model.TurnAnalytics) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = d.now()
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO analytics_events (id, workspace_id, agent_id, conversation_id, message_id,
			channel_type, latency_ms, confidence, token_count, handed_off, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		newID(), a.WorkspaceID, a.AgentID, a.ConversationID, a.MessageID,
		string(a.Channel), a.LatencyMs, a.Confidence, a.TokenCount, a.HandedOff, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("record turn: %w", err)
	}
	return nil
}

// RollupDay recomputes the per-agent aggregates of the UTC day containing
// day. It is idempotent and returns the number of rows written.
func (d *DB) RollupDay(ctx context.Context, day time.Time) (int64, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 1)

	res, err := d.db.ExecContext(ctx, `
		INSERT INTO analytics_daily (workspace_id, agent_id, day, turns, handoffs, tokens,
			avg_latency_ms, avg_confidence)
		SELECT workspace_id, agent_id, $1::date, COUNT(*),
			COUNT(*) FILTER (WHERE handed_off), COALESCE(SUM(token_count), 0),
			AVG(latency_ms), AVG(confidence)
		FROM analytics_events
		WHERE created_at >= $2 AND created_at < $3
		GROUP BY workspace_id, agent_id
		ON CONFLICT (workspace_id, agent_id, day) DO UPDATE SET
			turns = EXCLUDED.turns,
			handoffs = EXCLUDED.handoffs,
			tokens = EXCLUDED.tokens,
			avg_latency_ms = EXCLUDED.avg_latency_ms,
			avg_confidence = EXCLUDED.avg_confidence`,
		start.Format(time.DateOnly), start, end)
	if err != nil {
		return 0, fmt.Errorf("rollup day: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
