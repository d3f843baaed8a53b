package postgres

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/flowforge/taskflow/pkg/model"
)

// ChangeRepository reads the task_changes outbox written by TaskStore.
type ChangeRepository struct {
	db *gorm.DB
}

func NewChangeRepository(db *gorm.DB) *ChangeRepository {
	return &ChangeRepository{db: db}
}

func (r *ChangeRepository) ListAfter(ctx context.Context, sequence int64, limit int) ([]model.TaskChange, error) {
	if limit <= 0 {
		limit = 100
	}
	var changes []model.TaskChange
	err := r.db.WithContext(ctx).
		Where("id > ?", sequence).
		Order("id ASC").
		Limit(limit).
		Find(&changes).Error
	return changes, err
}

func (r *ChangeRepository) LatestSequence(ctx context.Context) (int64, error) {
	var latest int64
	err := r.db.WithContext(ctx).
		Model(&model.TaskChange{}).
		Select("COALESCE(MAX(id), 0)").
		Scan(&latest).Error
	return latest, err
}

// DeleteBefore drops relayed change rows older than cutoff.
func (r *ChangeRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&model.TaskChange{})
	return result.RowsAffected, result.Error
}
