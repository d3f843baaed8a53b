package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/flowforge/taskflow/pkg/model"
)

type DeadLetterRepository struct {
	db *gorm.DB
}

func NewDeadLetterRepository(db *gorm.DB) *DeadLetterRepository {
	return &DeadLetterRepository{db: db}
}

func (r *DeadLetterRepository) Add(ctx context.Context, letter model.DeadLetter) error {
	return r.db.WithContext(ctx).Create(&letter).Error
}

func (r *DeadLetterRepository) Get(ctx context.Context, id string) (model.DeadLetter, error) {
	var letter model.DeadLetter
	err := r.db.WithContext(ctx).First(&letter, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.DeadLetter{}, fmt.Errorf("dead letter %s: %w", id, model.ErrNotFound)
	}
	return letter, err
}

func (r *DeadLetterRepository) List(ctx context.Context) ([]model.DeadLetter, error) {
	var letters []model.DeadLetter
	err := r.db.WithContext(ctx).
		Order("failed_at DESC").
		Find(&letters).Error
	return letters, err
}

func (r *DeadLetterRepository) MarkRedriven(ctx context.Context, id string, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&model.DeadLetter{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":      model.DeadLetterStatusRedriven,
			"redriven_at": at,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("dead letter %s: %w", id, model.ErrNotFound)
	}
	return nil
}
