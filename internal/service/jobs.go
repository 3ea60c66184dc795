package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/capitalize-ai/omnichannel-agent/internal/model"
	"github.com/capitalize-ai/omnichannel-agent/internal/nats"
	"github.com/capitalize-ai/omnichannel-agent/pkg/logger"
)

// CreditGrantJob is the payload of a credit-grant job.
type CreditGrantJob struct {
	WorkspaceID string             `json:"workspace_id" validate:"required"`
	Amount      int                `json:"amount" validate:"required,gt=0"`
	Reason      model.LedgerReason `json:"reason" validate:"required,oneof=PLAN_GRANT PROMO_GRANT ADJUSTMENT"`
	ReferenceID *string            `json:"reference_id,omitempty"`
}

// RollupJob is the payload of an analytics-rollup job. Day is YYYY-MM-DD in UTC.
type RollupJob struct {
	Day string `json:"day"`
}

// Granter adds credits to a workspace.
type Granter interface {
	Grant(ctx context.Context, workspaceID string, amount int, reason model.LedgerReason, referenceID *string) (*model.LedgerEntry, error)
}

// RollupStore aggregates analytics.
type RollupStore interface {
	RollupDay(ctx context.Context, day time.Time) (int64, error)
}

// Queue consumes and produces jobs.
type Queue interface {
	Enqueuer
	Run(ctx context.Context, queue string, concurrency int, handler nats.Handler) error
}

// WorkerConfig holds per-queue concurrency.
type WorkerConfig struct {
	OutboundRetryConcurrency int
	CreditGrantConcurrency   int
	AnalyticsConcurrency     int
	RollupInterval           time.Duration
}

// Workers runs the background job consumers.
type Workers struct {
	queue   Queue
	sender  *Sender
	granter Granter
	rollups RollupStore
	cfg     WorkerConfig
	logger  *logger.Logger
	now     func() time.Time
}

// NewWorkers creates the job workers.
func NewWorkers(queue Queue, sender *Sender, granter Granter, rollups RollupStore, cfg WorkerConfig, log *logger.Logger) *Workers {
	return &Workers{
		queue:   queue,
		sender:  sender,
		granter: granter,
		rollups: rollups,
		cfg:     cfg,
		logger:  log.Component("workers"),
		now:     time.Now,
	}
}

// Run consumes every queue and schedules rollups until ctx is done.
func (w *Workers) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.queue.Run(ctx, nats.QueueOutboundRetry, w.cfg.OutboundRetryConcurrency, w.sender.HandleRetry)
	})
	g.Go(func() error {
		return w.queue.Run(ctx, nats.QueueCreditGrant, w.cfg.CreditGrantConcurrency, w.HandleCreditGrant)
	})
	g.Go(func() error {
		return w.queue.Run(ctx, nats.QueueAnalyticsRollup, w.cfg.AnalyticsConcurrency, w.HandleRollup)
	})
	if w.cfg.RollupInterval > 0 {
		g.Go(func() error {
			w.scheduleRollups(ctx)
			return nil
		})
	}
	return g.Wait()
}

// HandleCreditGrant applies a queued grant.
func (w *Workers) HandleCreditGrant(ctx context.Context, job *nats.Job) error {
	var p CreditGrantJob
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nats.Permanent(fmt.Errorf("decode grant: %w", err))
	}
	if p.WorkspaceID == "" || p.Amount <= 0 {
		return nats.Permanent(fmt.Errorf("invalid grant for %q: %d", p.WorkspaceID, p.Amount))
	}
	if p.Reason == "" {
		p.Reason = model.ReasonAdjustment
	}
	entry, err := w.granter.Grant(ctx, p.WorkspaceID, p.Amount, p.Reason, p.ReferenceID)
	if err != nil {
		return err
	}
	w.logger.Info("Credits granted",
		zap.String("workspace_id", p.WorkspaceID),
		zap.Int("amount", p.Amount),
		zap.Int("balance", entry.BalanceAfter),
	)
	return nil
}

// HandleRollup aggregates one UTC day of turn analytics.
func (w *Workers) HandleRollup(ctx context.Context, job *nats.Job) error {
	var p RollupJob
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return nats.Permanent(fmt.Errorf("decode rollup: %w", err))
	}
	day, err := time.Parse(time.DateOnly, p.Day)
	if err != nil {
		return nats.Permanent(fmt.Errorf("parse rollup day: %w", err))
	}
	rows, err := w.rollups.RollupDay(ctx, day)
	if err != nil {
		return err
	}
	w.logger.Debug("Analytics rolled up", zap.String("day", p.Day), zap.Int64("rows", rows))
	return nil
}

// EnqueueRollups queues rollups for yesterday and today. Yesterday is
// recomputed so late turns are not lost across midnight.
func (w *Workers) EnqueueRollups(ctx context.Context) error {
	today := w.now().UTC()
	for _, d := range []time.Time{today.AddDate(0, 0, -1), today} {
		if _, err := w.queue.Enqueue(ctx, nats.QueueAnalyticsRollup, RollupJob{Day: d.Format(time.DateOnly)}, nats.JobOptions{
			MaxAttempts:  3,
			InitialDelay: time.Minute,
		}); err != nil {
			return fmt.Errorf("enqueue rollup: %w", err)
		}
	}
	return nil
}

func (w *Workers) scheduleRollups(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.RollupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.EnqueueRollups(ctx); err != nil {
				w.logger.Warn("Failed to schedule rollups", zap.Error(err))
			}
		}
	}
}
