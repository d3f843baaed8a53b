package postgres

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/flowforge/taskflow/pkg/metrics"
	"github.com/flowforge/taskflow/pkg/model"
	"github.com/flowforge/taskflow/pkg/outbox"
	"github.com/flowforge/taskflow/pkg/store"
)

// changeLockKey serializes change row inserts so outbox ids are assigned in commit
// order and the relay never skips a row that commits late.
const changeLockKey = 0x7461736b

// TaskStore keeps every task version in the tasks table with an is_current flag and
// writes a task_changes row in the same transaction as each mutation.
type TaskStore struct {
	db       *gorm.DB
	hub      *store.Hub
	relay    *outbox.Relay
	logger   *zap.Logger
	pageSize int
	now      func() time.Time
}

var _ store.TaskStore = (*TaskStore)(nil)

type TaskStoreConfig struct {
	PollInterval time.Duration
	BatchSize    int
	PageSize     int
}

func NewTaskStore(db *gorm.DB, cfg TaskStoreConfig, logger *zap.Logger) *TaskStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	hub := store.NewHub()
	return &TaskStore{
		db:       db,
		hub:      hub,
		relay:    outbox.NewRelay(NewChangeRepository(db), hub, logger, cfg.PollInterval, cfg.BatchSize),
		logger:   logger,
		pageSize: cfg.PageSize,
		now:      time.Now,
	}
}

// Prime fixes the change position subscribers start from. Call it before accepting
// writes so none of them is skipped by the relay.
func (s *TaskStore) Prime(ctx context.Context) error {
	return s.relay.Prime(ctx)
}

// Run relays committed change rows to subscribers until ctx ends.
func (s *TaskStore) Run(ctx context.Context) error {
	defer s.hub.Close()
	return s.relay.Run(ctx)
}

func (s *TaskStore) Put(ctx context.Context, task model.Task, opts ...store.PutOption) (model.Version, error) {
	options := store.ApplyPutOptions(opts)
	normalized := store.Normalize(task)

	var (
		action store.Action
		next   model.Task
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockTask(tx, task.TaskID); err != nil {
			return err
		}

		current, err := findCurrent(tx, task.TaskID)
		if err != nil {
			return err
		}
		var existing *model.Task
		if current != nil {
			existing, err = findVersion(tx, task.TaskID, normalized.CreatedAt)
			if err != nil {
				return err
			}
		}

		action, next, err = store.Plan(current, existing, task, options, s.now())
		if err != nil {
			return err
		}

		switch action {
		case store.ActionNoop:
			return nil
		case store.ActionInsert:
			if err := tx.Create(&next).Error; err != nil {
				return err
			}
		case store.ActionAppend:
			if err := tx.Model(&model.Task{}).
				Where("task_id = ? AND created_at = ?", current.TaskID, current.CreatedAt).
				Update("is_current", false).Error; err != nil {
				return err
			}
			if err := tx.Create(&next).Error; err != nil {
				return err
			}
		case store.ActionOverwrite:
			if err := tx.Save(&next).Error; err != nil {
				return err
			}
		}

		after := next.Clone()
		return writeChange(tx, next.TaskID, current, &after)
	})
	if err != nil {
		metrics.StorePuts.WithLabelValues("rejected").Inc()
		return model.Version{}, err
	}

	metrics.StorePuts.WithLabelValues(action.String()).Inc()
	if action != store.ActionNoop {
		metrics.StoreChanges.Inc()
		s.logger.Debug("task stored",
			zap.String("task_id", next.TaskID),
			zap.String("action", action.String()),
			zap.String("status", string(next.Status)),
			zap.Int64("revision", next.Revision),
		)
	}
	return next.Version(), nil
}

func (s *TaskStore) Get(ctx context.Context, taskID string) (model.Task, error) {
	current, err := findCurrent(s.db.WithContext(ctx), taskID)
	if err != nil {
		return model.Task{}, err
	}
	if current == nil {
		return model.Task{}, fmt.Errorf("task %s: %w", taskID, model.ErrNotFound)
	}
	return *current, nil
}

func (s *TaskStore) Query(ctx context.Context, index, key string) iter.Seq2[model.Task, error] {
	return func(yield func(model.Task, error) bool) {
		column, ok := indexColumns[index]
		if !ok {
			yield(model.Task{}, fmt.Errorf("%w: %s", model.ErrUnknownIndex, index))
			return
		}

		var cursor *model.Task
		for {
			query := s.db.WithContext(ctx).Where("is_current AND "+column+" = ?", key)
			if cursor != nil {
				query = query.Where("(created_at, task_id) > (?, ?)", cursor.CreatedAt, cursor.TaskID)
			}

			var page []model.Task
			if err := query.Order("created_at ASC, task_id ASC").Limit(s.pageSize).Find(&page).Error; err != nil {
				yield(model.Task{}, err)
				return
			}
			for _, task := range page {
				if !yield(task, nil) {
					return
				}
			}
			if len(page) < s.pageSize {
				return
			}
			last := page[len(page)-1]
			cursor = &last
		}
	}
}

var indexColumns = map[string]string{
	store.IndexStatus: "status",
	store.IndexOwner:  "owner_id",
}

func (s *TaskStore) Subscribe(ctx context.Context) <-chan model.ChangeRecord {
	return s.hub.Subscribe(ctx)
}

func (s *TaskStore) Delete(ctx context.Context, taskID string) (model.Task, error) {
	var deleted *model.Task
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockTask(tx, taskID); err != nil {
			return err
		}
		current, err := findCurrent(tx, taskID)
		if err != nil {
			return err
		}
		if current == nil {
			return fmt.Errorf("task %s: %w", taskID, model.ErrNotFound)
		}
		if err := tx.Where("task_id = ?", taskID).Delete(&model.Task{}).Error; err != nil {
			return err
		}
		deleted = current
		return writeChange(tx, taskID, current, nil)
	})
	if err != nil {
		return model.Task{}, err
	}

	metrics.StoreChanges.Inc()
	s.logger.Debug("task deleted", zap.String("task_id", taskID))
	return *deleted, nil
}

func (s *TaskStore) Prune(ctx context.Context, now time.Time) (int, error) {
	var expired []model.Task
	err := s.db.WithContext(ctx).
		Where("is_current AND expire_at IS NOT NULL AND expire_at <= ?", now).
		Find(&expired).Error
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, candidate := range expired {
		deleted := false
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := lockTask(tx, candidate.TaskID); err != nil {
				return err
			}
			current, err := findCurrent(tx, candidate.TaskID)
			if err != nil || current == nil || !current.Expired(now) {
				return err
			}
			if err := tx.Where("task_id = ?", current.TaskID).Delete(&model.Task{}).Error; err != nil {
				return err
			}
			deleted = true
			return writeChange(tx, current.TaskID, current, nil)
		})
		if err != nil {
			return removed, fmt.Errorf("prune task %s: %w", candidate.TaskID, err)
		}
		if deleted {
			removed++
			metrics.StoreChanges.Inc()
		}
	}

	err = s.db.WithContext(ctx).
		Where("NOT is_current AND expire_at IS NOT NULL AND expire_at <= ?", now).
		Delete(&model.Task{}).Error
	if err != nil {
		return removed, err
	}

	if removed > 0 {
		s.logger.Info("pruned expired tasks", zap.Int("count", removed))
	}
	return removed, nil
}

func (s *TaskStore) Versions(ctx context.Context, taskID string) ([]model.Task, error) {
	var versions []model.Task
	err := s.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("created_at ASC").
		Find(&versions).Error
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, fmt.Errorf("task %s: %w", taskID, model.ErrNotFound)
	}
	return versions, nil
}

// PurgeChanges drops relayed outbox rows older than cutoff.
func (s *TaskStore) PurgeChanges(ctx context.Context, cutoff time.Time) (int64, error) {
	return NewChangeRepository(s.db).DeleteBefore(ctx, cutoff)
}

func lockTask(tx *gorm.DB, taskID string) error {
	return tx.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", taskID).Error
}

func findCurrent(db *gorm.DB, taskID string) (*model.Task, error) {
	var task model.Task
	err := db.Where("task_id = ? AND is_current", taskID).Take(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func findVersion(db *gorm.DB, taskID string, createdAt time.Time) (*model.Task, error) {
	var task model.Task
	err := db.Where("task_id = ? AND created_at = ?", taskID, createdAt).Take(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func writeChange(tx *gorm.DB, taskID string, before, after *model.Task) error {
	if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", changeLockKey).Error; err != nil {
		return err
	}
	return tx.Create(&model.TaskChange{TaskID: taskID, Before: before, After: after}).Error
}
