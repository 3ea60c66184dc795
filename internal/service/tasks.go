package service

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/capitalize-ai/omnichannel-agent/pkg/logger"
	"github.com/capitalize-ai/omnichannel-agent/pkg/metrics"
)

// TaskRunner runs detached side effects. Tasks outlive the request that
// started them but are cancelled at shutdown.
type TaskRunner struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *logger.Logger
}

// NewTaskRunner creates a task runner.
func NewTaskRunner(log *logger.Logger) *TaskRunner {
	ctx, cancel := context.WithCancel(context.Background())
	return &TaskRunner{ctx: ctx, cancel: cancel, logger: log.Component("tasks")}
}

// Go starts fn in the background. Errors and panics are logged and counted
// under name.
func (t *TaskRunner) Go(name string, fn func(ctx context.Context) error) {
	if t.ctx.Err() != nil {
		t.logger.Warn("Task dropped, runner is shutting down", zap.String("task", name))
		return
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				t.logger.Error("Task panicked", zap.String("task", name), zap.Any("panic", r))
				metrics.RecordSideEffectFailure(name)
			}
		}()
		if err := fn(t.ctx); err != nil {
			t.logger.Warn("Task failed", zap.String("task", name), zap.Error(err))
			metrics.RecordSideEffectFailure(name)
		}
	}()
}

// Wait blocks until all started tasks return.
func (t *TaskRunner) Wait() {
	t.wg.Wait()
}

// Shutdown cancels running tasks and waits for them until ctx is done.
func (t *TaskRunner) Shutdown(ctx context.Context) error {
	t.cancel()
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("tasks still running at shutdown: %w", ctx.Err())
	}
}
