package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/capitalize-ai/omnichannel-agent/internal/model"
)

// SumLedger returns the authoritative balance of a workspace.
func (d *DB) SumLedger(ctx context.Context, workspaceID string) (int, error) {
	var sum int
	err := d.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(delta), 0) FROM credit_ledger WHERE workspace_id = $1`, workspaceID).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum ledger: %w", err)
	}
	return sum, nil
}

// AppendLedgerEntry appends e and fills in its resulting balance. Writers for
// one workspace are serialized with a transaction-scoped advisory lock so the
// balance is recomputed from the full sum under the lock. With floorZero set
// an entry that would take the balance below zero is rejected with
// model.ErrInsufficientCredits.
func (d *DB) AppendLedgerEntry(ctx context.Context, e *model.LedgerEntry, floorZero bool) error {
	if e.ID == "" {
		e.ID = newID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = d.now()
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ledger tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, e.WorkspaceID); err != nil {
		return fmt.Errorf("lock ledger: %w", err)
	}

	var balance int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(delta), 0) FROM credit_ledger WHERE workspace_id = $1`, e.WorkspaceID).Scan(&balance); err != nil {
		return fmt.Errorf("sum ledger: %w", err)
	}

	next := balance + e.Delta
	if floorZero && next < 0 {
		return fmt.Errorf("%w: balance %d, requested %d", model.ErrInsufficientCredits, balance, -e.Delta)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO credit_ledger (id, workspace_id, delta, reason, reference_id, balance_after, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.WorkspaceID, e.Delta, string(e.Reason), nullString(e.ReferenceID), next, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ledger tx: %w", err)
	}

	e.BalanceAfter = next
	return nil
}

// ListLedgerEntries returns the newest entries of a workspace.
func (d *DB) ListLedgerEntries(ctx context.Context, workspaceID string, limit int) ([]model.LedgerEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, workspace_id, delta, reason, reference_id, balance_after, created_at
		FROM credit_ledger
		WHERE workspace_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, workspaceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list ledger: %w", err)
	}
	defer rows.Close()

	out := []model.LedgerEntry{}
	for rows.Next() {
		var (
			e   model.LedgerEntry
			ref sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.WorkspaceID, &e.Delta, &e.Reason, &ref, &e.BalanceAfter, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		e.ReferenceID = stringPtr(ref)
		out = append(out, e)
	}
	return out, rows.Err()
}
