package postgres

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/flowforge/taskflow/pkg/model"
)

type ExecutionRepository struct {
	db *gorm.DB
}

func NewExecutionRepository(db *gorm.DB) *ExecutionRepository {
	return &ExecutionRepository{db: db}
}

func (r *ExecutionRepository) Create(ctx context.Context, execution model.Execution) error {
	return r.db.WithContext(ctx).Create(&execution).Error
}

func (r *ExecutionRepository) Update(ctx context.Context, execution model.Execution) error {
	return r.db.WithContext(ctx).Save(&execution).Error
}

func (r *ExecutionRepository) Get(ctx context.Context, id string) (model.Execution, error) {
	var execution model.Execution
	err := r.db.WithContext(ctx).First(&execution, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Execution{}, fmt.Errorf("execution %s: %w", id, model.ErrNotFound)
	}
	return execution, err
}

func (r *ExecutionRepository) FindByTrigger(ctx context.Context, eventID string) (model.Execution, error) {
	var execution model.Execution
	err := r.db.WithContext(ctx).
		Where("trigger_event_id = ?", eventID).
		Order("started_at ASC").
		Take(&execution).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Execution{}, fmt.Errorf("execution for event %s: %w", eventID, model.ErrNotFound)
	}
	return execution, err
}

func (r *ExecutionRepository) ListByTask(ctx context.Context, taskID string) ([]model.Execution, error) {
	var executions []model.Execution
	err := r.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("started_at ASC").
		Find(&executions).Error
	return executions, err
}

func (r *ExecutionRepository) ListByStatus(ctx context.Context, status model.ExecutionStatus) ([]model.Execution, error) {
	var executions []model.Execution
	err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("started_at ASC").
		Find(&executions).Error
	return executions, err
}
