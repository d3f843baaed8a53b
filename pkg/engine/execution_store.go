package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/flowforge/taskflow/pkg/model"
)

// ExecutionStore persists workflow executions so they survive restarts.
type ExecutionStore interface {
	Create(ctx context.Context, execution model.Execution) error
	Update(ctx context.Context, execution model.Execution) error
	Get(ctx context.Context, id string) (model.Execution, error)
	FindByTrigger(ctx context.Context, eventID string) (model.Execution, error)
	ListByTask(ctx context.Context, taskID string) ([]model.Execution, error)
	ListByStatus(ctx context.Context, status model.ExecutionStatus) ([]model.Execution, error)
}

type MemoryExecutionStore struct {
	mu         sync.RWMutex
	executions map[string]model.Execution
}

func NewMemoryExecutionStore() *MemoryExecutionStore {
	return &MemoryExecutionStore{executions: make(map[string]model.Execution)}
}

func (s *MemoryExecutionStore) Create(_ context.Context, execution model.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.executions[execution.ID]; exists {
		return fmt.Errorf("execution %s already exists", execution.ID)
	}
	s.executions[execution.ID] = execution.Clone()
	return nil
}

func (s *MemoryExecutionStore) Update(_ context.Context, execution model.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.executions[execution.ID]; !exists {
		return fmt.Errorf("execution %s: %w", execution.ID, model.ErrNotFound)
	}
	s.executions[execution.ID] = execution.Clone()
	return nil
}

func (s *MemoryExecutionStore) Get(_ context.Context, id string) (model.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	execution, ok := s.executions[id]
	if !ok {
		return model.Execution{}, fmt.Errorf("execution %s: %w", id, model.ErrNotFound)
	}
	return execution.Clone(), nil
}

func (s *MemoryExecutionStore) FindByTrigger(_ context.Context, eventID string) (model.Execution, error) {
	matches := s.filter(func(execution model.Execution) bool {
		return execution.TriggerEventID == eventID
	})
	if len(matches) == 0 {
		return model.Execution{}, fmt.Errorf("execution for event %s: %w", eventID, model.ErrNotFound)
	}
	return matches[0], nil
}

func (s *MemoryExecutionStore) ListByTask(_ context.Context, taskID string) ([]model.Execution, error) {
	return s.filter(func(execution model.Execution) bool {
		return execution.TaskID == taskID
	}), nil
}

func (s *MemoryExecutionStore) ListByStatus(_ context.Context, status model.ExecutionStatus) ([]model.Execution, error) {
	return s.filter(func(execution model.Execution) bool {
		return execution.Status == status
	}), nil
}

func (s *MemoryExecutionStore) filter(keep func(model.Execution) bool) []model.Execution {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Execution
	for _, execution := range s.executions {
		if keep(execution) {
			out = append(out, execution.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}
