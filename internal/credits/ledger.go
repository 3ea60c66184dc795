// Package credits implements the append-only credit ledger with a
// read-through balance cache.
package credits

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/omnichannel-agent/internal/cache"
	"github.com/capitalize-ai/omnichannel-agent/internal/email"
	"github.com/capitalize-ai/omnichannel-agent/internal/model"
	"github.com/capitalize-ai/omnichannel-agent/pkg/logger"
	"github.com/capitalize-ai/omnichannel-agent/pkg/metrics"
)

const (
	balanceTTL       = 60 * time.Second
	alertSuppression = 24 * time.Hour

	// lowBalanceRatio of the plan allotment triggers the low-balance alert.
	lowBalanceRatio = 0.10
)

// Store is the ledger persistence the Ledger needs.
type Store interface {
	SumLedger(ctx context.Context, workspaceID string) (int, error)
	AppendLedgerEntry(ctx context.Context, e *model.LedgerEntry, floorZero bool) error
	GetWorkspace(ctx context.Context, id string) (*model.Workspace, error)
	FirstAdminEmail(ctx context.Context, workspaceID string) (string, error)
}

// Ledger reads and writes workspace credit balances.
type Ledger struct {
	store  Store
	cache  cache.Cache
	mailer email.Sender
	logger *logger.Logger
}

// NewLedger creates a ledger.
func NewLedger(store Store, c cache.Cache, mailer email.Sender, log *logger.Logger) *Ledger {
	return &Ledger{store: store, cache: c, mailer: mailer, logger: log.Component("credits")}
}

func balanceKey(workspaceID string) string { return "credits:balance:" + workspaceID }
func alertKey(workspaceID string) string   { return "credits:low-alert:" + workspaceID }

// GetBalance returns the cached balance, recomputing it from the ledger sum
// on a miss. Cache errors fall through to the ledger.
func (l *Ledger) GetBalance(ctx context.Context, workspaceID string) (int, error) {
	if v, ok, err := l.cache.Get(ctx, balanceKey(workspaceID)); err == nil && ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n, nil
		}
	} else if err != nil {
		l.logger.Warn("Balance cache read failed", zap.String("workspace_id", workspaceID), zap.Error(err))
	}

	balance, err := l.store.SumLedger(ctx, workspaceID)
	if err != nil {
		return 0, fmt.Errorf("sum ledger: %w", err)
	}
	if err := l.cache.Set(ctx, balanceKey(workspaceID), strconv.Itoa(balance), balanceTTL); err != nil {
		l.logger.Warn("Balance cache write failed", zap.String("workspace_id", workspaceID), zap.Error(err))
	}
	return balance, nil
}

// Deduct appends a negative entry of amount. The sufficiency check runs
// against the ledger sum under a per-workspace lock, never against the cache,
// and fails with model.ErrInsufficientCredits.
func (l *Ledger) Deduct(ctx context.Context, workspaceID string, amount int, reason model.LedgerReason, referenceID *string) (*model.LedgerEntry, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("deduct amount must be positive, got %d", amount)
	}
	entry := &model.LedgerEntry{
		WorkspaceID: workspaceID,
		Delta:       -amount,
		Reason:      reason,
		ReferenceID: referenceID,
	}
	if err := l.append(ctx, entry, true); err != nil {
		return nil, err
	}

	if err := l.CheckLowBalance(ctx, workspaceID, entry.BalanceAfter); err != nil {
		l.logger.Warn("Low balance check failed", zap.String("workspace_id", workspaceID), zap.Error(err))
		metrics.RecordSideEffectFailure("low_balance_alert")
	}
	return entry, nil
}

// Grant appends a positive entry of amount.
func (l *Ledger) Grant(ctx context.Context, workspaceID string, amount int, reason model.LedgerReason, referenceID *string) (*model.LedgerEntry, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("grant amount must be positive, got %d", amount)
	}
	entry := &model.LedgerEntry{
		WorkspaceID: workspaceID,
		Delta:       amount,
		Reason:      reason,
		ReferenceID: referenceID,
	}
	if err := l.append(ctx, entry, false); err != nil {
		return nil, err
	}
	return entry, nil
}

func (l *Ledger) append(ctx context.Context, entry *model.LedgerEntry, floorZero bool) error {
	err := l.store.AppendLedgerEntry(ctx, entry, floorZero)
	if err != nil {
		if errors.Is(err, model.ErrInsufficientCredits) {
			return err
		}
		return fmt.Errorf("append ledger entry: %w", err)
	}
	metrics.RecordCredits(string(entry.Reason), entry.Delta)

	if err := l.cache.Delete(ctx, balanceKey(entry.WorkspaceID)); err != nil {
		l.logger.Warn("Balance cache invalidation failed",
			zap.String("workspace_id", entry.WorkspaceID),
			zap.Error(err),
		)
	}
	l.logger.Debug("Ledger entry appended",
		zap.String("workspace_id", entry.WorkspaceID),
		zap.Int("delta", entry.Delta),
		zap.String("reason", string(entry.Reason)),
		zap.Int("balance_after", entry.BalanceAfter),
	)
	return nil
}

// CheckLowBalance emails the first owner or admin once per suppression window
// when balance drops below a tenth of the plan allotment.
func (l *Ledger) CheckLowBalance(ctx context.Context, workspaceID string, balance int) error {
	ws, err := l.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return fmt.Errorf("get workspace: %w", err)
	}
	if ws.PlanCredits <= 0 || float64(balance) >= float64(ws.PlanCredits)*lowBalanceRatio {
		return nil
	}

	first, err := l.cache.SetNX(ctx, alertKey(workspaceID), strconv.Itoa(balance), alertSuppression)
	if err != nil {
		return fmt.Errorf("set alert suppression: %w", err)
	}
	if !first {
		return nil
	}

	to, err := l.store.FirstAdminEmail(ctx, workspaceID)
	if err == nil {
		err = l.mailer.Send(ctx, &email.Message{
			To:      []string{to},
			Subject: fmt.Sprintf("%s is running low on credits", ws.Name),
			Text: fmt.Sprintf("Your workspace %q has %d of %d plan credits left. "+
				"AI replies stop when the balance reaches zero.", ws.Name, balance, ws.PlanCredits),
		})
	}
	if err != nil {
		// Let the next deduction retry the alert.
		if derr := l.cache.Delete(ctx, alertKey(workspaceID)); derr != nil {
			l.logger.Warn("Alert suppression rollback failed", zap.String("workspace_id", workspaceID), zap.Error(derr))
		}
		return fmt.Errorf("send low balance alert: %w", err)
	}

	l.logger.Info("Low balance alert sent",
		zap.String("workspace_id", workspaceID),
		zap.Int("balance", balance),
		zap.Int("plan_credits", ws.PlanCredits),
	)
	return nil
}
