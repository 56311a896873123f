// Package retention prunes conversations that have been idle too long.
package retention

import (
	"context"
	"log/slog"
	"time"
)

const defaultInterval = time.Hour

// Pruner deletes conversations not updated within maxIdle.
type Pruner interface {
	DeleteIdleConversations(ctx context.Context, maxIdle time.Duration) (int64, error)
}

// Worker periodically sweeps idle conversations.
type Worker struct {
	repo     Pruner
	maxIdle  time.Duration
	interval time.Duration
	logger   *slog.Logger
}

// NewWorker creates a retention worker. A non-positive interval uses one hour.
func NewWorker(repo Pruner, maxIdle, interval time.Duration, logger *slog.Logger) *Worker {
	if interval <= 0 {
		interval = defaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{repo: repo, maxIdle: maxIdle, interval: interval, logger: logger}
}

// Start runs the sweep loop in a goroutine until ctx is cancelled. The
// returned channel closes once the goroutine has exited.
func (w *Worker) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	ticker := time.NewTicker(w.interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		w.logger.Info("Retention worker started", "interval", w.interval, "max_idle", w.maxIdle)

		for {
			select {
			case <-ticker.C:
				w.Sweep(ctx)
			case <-ctx.Done():
				w.logger.Info("Retention worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
	return done
}

// Sweep runs one pruning pass and returns the number of conversations removed.
// Zero or negative retention disables pruning.
func (w *Worker) Sweep(ctx context.Context) int64 {
	if w.maxIdle <= 0 {
		return 0
	}
	deleted, err := w.repo.DeleteIdleConversations(ctx, w.maxIdle)
	if err != nil {
		if ctx.Err() != nil {
			w.logger.Debug("Retention sweep cancelled", "error", err)
			return 0
		}
		w.logger.Error("Retention worker failed to prune conversations", "error", err)
		return 0
	}
	if deleted > 0 {
		w.logger.Info("Pruned idle conversations", "count", deleted, "max_idle", w.maxIdle)
	}
	return deleted
}
