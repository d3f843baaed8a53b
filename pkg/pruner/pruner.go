// Package pruner runs the task store's TTL garbage collection on a schedule.
package pruner

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/flowforge/taskflow/pkg/metrics"
	"github.com/flowforge/taskflow/pkg/store"
)

const defaultInterval = time.Minute

// ChangePurger is implemented by stores that keep a change log which outlives delivery.
type ChangePurger interface {
	PurgeChanges(ctx context.Context, cutoff time.Time) (int64, error)
}

type Config struct {
	Interval time.Duration
	// ChangeRetention bounds how long delivered change rows are kept. Zero keeps them.
	ChangeRetention time.Duration
}

type Pruner struct {
	tasks  store.TaskStore
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

func New(tasks store.TaskStore, cfg Config, logger *zap.Logger) *Pruner {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	return &Pruner{
		tasks:  tasks,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

func (p *Pruner) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.RunOnce(ctx)
		}
	}
}

// RunOnce prunes expired tasks and, when the store supports it, old change rows. It
// returns the number of tasks removed.
func (p *Pruner) RunOnce(ctx context.Context) int {
	now := p.now().UTC()

	removed, err := p.tasks.Prune(ctx, now)
	if err != nil {
		p.logger.Error("failed to prune tasks", zap.Error(err))
	} else if removed > 0 {
		metrics.TasksPruned.Add(float64(removed))
		p.logger.Info("tasks pruned", zap.Int("removed", removed))
	}

	if purger, ok := p.tasks.(ChangePurger); ok && p.cfg.ChangeRetention > 0 {
		purged, err := purger.PurgeChanges(ctx, now.Add(-p.cfg.ChangeRetention))
		if err != nil {
			p.logger.Error("failed to purge change log", zap.Error(err))
		} else if purged > 0 {
			p.logger.Info("change log purged", zap.Int64("rows", purged))
		}
	}
	return removed
}
