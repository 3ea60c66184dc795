package handler

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/capitalize-ai/omnichannel-agent/internal/middleware"
	"github.com/capitalize-ai/omnichannel-agent/internal/model"
	"github.com/capitalize-ai/omnichannel-agent/internal/nats"
	"github.com/capitalize-ai/omnichannel-agent/internal/service"
	"github.com/capitalize-ai/omnichannel-agent/pkg/logger"
)

// BalanceReader reads the cached credit balance.
type BalanceReader interface {
	GetBalance(ctx context.Context, workspaceID string) (int, error)
}

// LedgerLister lists recent ledger entries.
type LedgerLister interface {
	ListLedgerEntries(ctx context.Context, workspaceID string, limit int) ([]model.LedgerEntry, error)
}

// JobEnqueuer queues background jobs.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, queue string, payload any, opts nats.JobOptions) (string, error)
}

// GrantRequest adds credits to the caller's workspace.
type GrantRequest struct {
	Amount      int                `json:"amount" validate:"required,gt=0,lte=1000000"`
	Reason      model.LedgerReason `json:"reason" validate:"required,oneof=PLAN_GRANT PROMO_GRANT ADJUSTMENT"`
	ReferenceID *string            `json:"reference_id,omitempty" validate:"omitempty,max=128"`
}

// CreditsHandler handles credit endpoints.
type CreditsHandler struct {
	balances BalanceReader
	ledger   LedgerLister
	jobs     JobEnqueuer
	logger   *logger.Logger
}

// NewCreditsHandler creates a credits handler.
func NewCreditsHandler(balances BalanceReader, ledger LedgerLister, jobs JobEnqueuer, log *logger.Logger) *CreditsHandler {
	return &CreditsHandler{balances: balances, ledger: ledger, jobs: jobs, logger: log}
}

// Balance handles GET /api/v1/credits
func (h *CreditsHandler) Balance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	workspaceID := middleware.GetWorkspaceID(ctx)

	balance, err := h.balances.GetBalance(ctx, workspaceID)
	if err != nil {
		h.logger.Error("failed to read balance", zap.String("workspace_id", workspaceID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read balance")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workspace_id": workspaceID, "balance": balance})
}

// Ledger handles GET /api/v1/credits/ledger?limit=
func (h *CreditsHandler) Ledger(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit := queryInt(r, "limit", 50)
	if limit == 0 || limit > 200 {
		limit = 50
	}

	entries, err := h.ledger.ListLedgerEntries(ctx, middleware.GetWorkspaceID(ctx), limit)
	if err != nil {
		h.logger.Error("failed to list ledger", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list ledger")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// Grant handles POST /api/v1/credits/grants. Grants are applied by the
// credit-grant worker.
func (h *CreditsHandler) Grant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req GrantRequest
	if err := middleware.DecodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	job := service.CreditGrantJob{
		WorkspaceID: middleware.GetWorkspaceID(ctx),
		Amount:      req.Amount,
		Reason:      req.Reason,
		ReferenceID: req.ReferenceID,
	}
	id, err := h.jobs.Enqueue(ctx, nats.QueueCreditGrant, job, nats.JobOptions{MaxAttempts: 5, InitialDelay: 0})
	if err != nil {
		h.logger.Error("failed to queue grant", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "failed to queue grant")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id})
}
