package outbox

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/flowforge/taskflow/pkg/model"
)

type Repository interface {
	ListAfter(ctx context.Context, sequence int64, limit int) ([]model.TaskChange, error)
	LatestSequence(ctx context.Context) (int64, error)
}

// Sink receives relayed change records in sequence order.
type Sink interface {
	Publish(record model.ChangeRecord)
}

// Relay polls the change outbox and forwards new rows to a sink.
type Relay struct {
	repo         Repository
	sink         Sink
	logger       *zap.Logger
	pollInterval time.Duration
	batchSize    int
	cursor       atomic.Int64
}

func NewRelay(repo Repository, sink Sink, logger *zap.Logger, pollInterval time.Duration, batchSize int) *Relay {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	relay := &Relay{
		repo:         repo,
		sink:         sink,
		logger:       logger,
		pollInterval: pollInterval,
		batchSize:    batchSize,
	}
	relay.cursor.Store(-1)
	return relay
}

// StartAfter makes the relay resume after the given sequence instead of the latest row.
func (r *Relay) StartAfter(sequence int64) {
	r.cursor.Store(sequence)
}

func (r *Relay) Cursor() int64 {
	return r.cursor.Load()
}

// Prime pins the cursor to the newest change row unless a position is already set.
// Rows committed after Prime are relayed by Run.
func (r *Relay) Prime(ctx context.Context) error {
	if r.cursor.Load() >= 0 {
		return nil
	}
	latest, err := r.repo.LatestSequence(ctx)
	if err != nil {
		return err
	}
	r.cursor.CompareAndSwap(-1, latest)
	return nil
}

func (r *Relay) Run(ctx context.Context) error {
	if err := r.Prime(ctx); err != nil {
		return err
	}

	r.logger.Info("change relay starting",
		zap.Duration("poll_interval", r.pollInterval),
		zap.Int("batch_size", r.batchSize),
		zap.Int64("cursor", r.cursor.Load()),
	)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	r.processPending(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("change relay shutting down")
			return nil
		case <-ticker.C:
			r.processPending(ctx)
		}
	}
}

func (r *Relay) processPending(ctx context.Context) {
	for {
		changes, err := r.repo.ListAfter(ctx, r.cursor.Load(), r.batchSize)
		if err != nil {
			r.logger.Warn("failed to list pending task changes", zap.Error(err))
			return
		}

		for _, change := range changes {
			r.sink.Publish(change.Record())
			r.cursor.Store(change.ID)
		}

		if len(changes) < r.batchSize {
			return
		}
	}
}
