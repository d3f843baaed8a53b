package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/flowforge/taskflow/pkg/model"
)

// DeadLetterStore holds deliveries whose retries were exhausted.
type DeadLetterStore interface {
	Add(ctx context.Context, letter model.DeadLetter) error
	Get(ctx context.Context, id string) (model.DeadLetter, error)
	List(ctx context.Context) ([]model.DeadLetter, error)
	MarkRedriven(ctx context.Context, id string, at time.Time) error
}

type MemoryDeadLetterStore struct {
	mu      sync.RWMutex
	letters map[string]model.DeadLetter
	order   []string
}

func NewMemoryDeadLetterStore() *MemoryDeadLetterStore {
	return &MemoryDeadLetterStore{letters: make(map[string]model.DeadLetter)}
}

func (s *MemoryDeadLetterStore) Add(_ context.Context, letter model.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.letters[letter.ID]; !exists {
		s.order = append(s.order, letter.ID)
	}
	letter.EventDetail = letter.EventDetail.Clone()
	s.letters[letter.ID] = letter
	return nil
}

func (s *MemoryDeadLetterStore) Get(_ context.Context, id string) (model.DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	letter, ok := s.letters[id]
	if !ok {
		return model.DeadLetter{}, fmt.Errorf("dead letter %s: %w", id, model.ErrNotFound)
	}
	letter.EventDetail = letter.EventDetail.Clone()
	return letter, nil
}

// List returns dead letters newest first.
func (s *MemoryDeadLetterStore) List(_ context.Context) ([]model.DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	letters := make([]model.DeadLetter, 0, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		letter := s.letters[s.order[i]]
		letter.EventDetail = letter.EventDetail.Clone()
		letters = append(letters, letter)
	}
	return letters, nil
}

func (s *MemoryDeadLetterStore) MarkRedriven(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	letter, ok := s.letters[id]
	if !ok {
		return fmt.Errorf("dead letter %s: %w", id, model.ErrNotFound)
	}
	letter.Status = model.DeadLetterStatusRedriven
	letter.RedrivenAt = &at
	s.letters[id] = letter
	return nil
}
