package memory

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flowforge/taskflow/pkg/metrics"
	"github.com/flowforge/taskflow/pkg/model"
	"github.com/flowforge/taskflow/pkg/store"
)

// entry holds every version of one task in createdAt order. latest points at the
// current version.
type entry struct {
	versions []model.Task
	latest   int
}

func (e *entry) current() *model.Task {
	return &e.versions[e.latest]
}

func (e *entry) find(createdAt time.Time) *model.Task {
	for i := range e.versions {
		if e.versions[i].CreatedAt.Equal(createdAt) {
			return &e.versions[i]
		}
	}
	return nil
}

// Store is an in-process TaskStore. Indexes are updated under the same lock as the
// primary records, so a reader never sees one without the other.
type Store struct {
	mu       sync.RWMutex
	tasks    map[string]*entry
	byStatus map[string]map[string]struct{}
	byOwner  map[string]map[string]struct{}
	sequence int64

	hub    *store.Hub
	logger *zap.Logger
	now    func() time.Time
}

var _ store.TaskStore = (*Store)(nil)

func NewStore(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		tasks:    make(map[string]*entry),
		byStatus: make(map[string]map[string]struct{}),
		byOwner:  make(map[string]map[string]struct{}),
		hub:      store.NewHub(),
		logger:   logger,
		now:      time.Now,
	}
}

func (s *Store) Put(ctx context.Context, task model.Task, opts ...store.PutOption) (model.Version, error) {
	if err := ctx.Err(); err != nil {
		return model.Version{}, err
	}
	options := store.ApplyPutOptions(opts)

	s.mu.Lock()
	defer s.mu.Unlock()

	var current, existing *model.Task
	e := s.tasks[task.TaskID]
	if e != nil {
		current = e.current()
		existing = e.find(store.Normalize(task).CreatedAt)
	}

	action, next, err := store.Plan(current, existing, task, options, s.now())
	if err != nil {
		metrics.StorePuts.WithLabelValues("rejected").Inc()
		return model.Version{}, err
	}
	metrics.StorePuts.WithLabelValues(action.String()).Inc()

	var before *model.Task
	switch action {
	case store.ActionNoop:
		return next.Version(), nil
	case store.ActionInsert:
		e = &entry{versions: []model.Task{next}}
		s.tasks[next.TaskID] = e
	case store.ActionAppend:
		previous := current.Clone()
		before = &previous
		s.unindex(previous)
		current.IsCurrent = false
		e.versions = append(e.versions, next)
		e.latest = len(e.versions) - 1
	case store.ActionOverwrite:
		previous := current.Clone()
		before = &previous
		s.unindex(previous)
		*current = next
	}
	s.index(next)

	after := next.Clone()
	s.emitLocked(next.TaskID, before, &after)

	s.logger.Debug("task stored",
		zap.String("task_id", next.TaskID),
		zap.String("action", action.String()),
		zap.String("status", string(next.Status)),
		zap.Int64("revision", next.Revision),
	)
	return next.Version(), nil
}

func (s *Store) Get(ctx context.Context, taskID string) (model.Task, error) {
	if err := ctx.Err(); err != nil {
		return model.Task{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.tasks[taskID]
	if !ok {
		return model.Task{}, fmt.Errorf("task %s: %w", taskID, model.ErrNotFound)
	}
	return e.current().Clone(), nil
}

func (s *Store) Query(ctx context.Context, index, key string) iter.Seq2[model.Task, error] {
	return func(yield func(model.Task, error) bool) {
		if !store.ValidIndex(index) {
			yield(model.Task{}, fmt.Errorf("%w: %s", model.ErrUnknownIndex, index))
			return
		}
		if err := ctx.Err(); err != nil {
			yield(model.Task{}, err)
			return
		}

		for _, task := range s.snapshot(index, key) {
			if err := ctx.Err(); err != nil {
				yield(model.Task{}, err)
				return
			}
			if !yield(task, nil) {
				return
			}
		}
	}
}

func (s *Store) snapshot(index, key string) []model.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.indexFor(index)[key]
	tasks := make([]model.Task, 0, len(ids))
	for id := range ids {
		tasks = append(tasks, s.tasks[id].current().Clone())
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].TaskID < tasks[j].TaskID
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks
}

func (s *Store) Subscribe(ctx context.Context) <-chan model.ChangeRecord {
	return s.hub.Subscribe(ctx)
}

// Subscribers returns the number of open change streams.
func (s *Store) Subscribers() int {
	return s.hub.Subscribers()
}

func (s *Store) Prune(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, e := range s.tasks {
		current := e.current()
		if current.Expired(now) {
			s.removeLocked(id, e)
			removed++
			continue
		}

		kept := e.versions[:0]
		for i, version := range e.versions {
			if i != e.latest && version.Expired(now) {
				continue
			}
			kept = append(kept, version)
		}
		if len(kept) != len(e.versions) {
			e.versions = kept
			e.latest = len(kept) - 1
		}
	}

	if removed > 0 {
		s.logger.Info("pruned expired tasks", zap.Int("count", removed))
	}
	return removed, nil
}

func (s *Store) Delete(ctx context.Context, taskID string) (model.Task, error) {
	if err := ctx.Err(); err != nil {
		return model.Task{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.tasks[taskID]
	if !ok {
		return model.Task{}, fmt.Errorf("task %s: %w", taskID, model.ErrNotFound)
	}
	s.removeLocked(taskID, e)

	s.logger.Debug("task deleted", zap.String("task_id", taskID))
	return e.current().Clone(), nil
}

// removeLocked drops every version of the task and emits the delete record.
func (s *Store) removeLocked(taskID string, e *entry) {
	before := e.current().Clone()
	s.unindex(before)
	delete(s.tasks, taskID)
	s.emitLocked(taskID, &before, nil)
}

func (s *Store) Versions(ctx context.Context, taskID string) ([]model.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, model.ErrNotFound)
	}
	versions := make([]model.Task, len(e.versions))
	for i, version := range e.versions {
		versions[i] = version.Clone()
	}
	return versions, nil
}

// Close ends every subscription.
func (s *Store) Close() error {
	s.hub.Close()
	return nil
}

func (s *Store) emitLocked(taskID string, before, after *model.Task) {
	s.sequence++
	s.hub.Publish(model.ChangeRecord{
		Sequence:  s.sequence,
		TaskID:    taskID,
		Before:    before,
		After:     after,
		Timestamp: s.now().UTC(),
	})
	metrics.StoreChanges.Inc()
}

func (s *Store) indexFor(index string) map[string]map[string]struct{} {
	if index == store.IndexStatus {
		return s.byStatus
	}
	return s.byOwner
}

func (s *Store) index(task model.Task) {
	for _, index := range []string{store.IndexStatus, store.IndexOwner} {
		key := store.IndexKey(task, index)
		bucket := s.indexFor(index)
		if bucket[key] == nil {
			bucket[key] = make(map[string]struct{})
		}
		bucket[key][task.TaskID] = struct{}{}
	}
}

func (s *Store) unindex(task model.Task) {
	for _, index := range []string{store.IndexStatus, store.IndexOwner} {
		key := store.IndexKey(task, index)
		bucket := s.indexFor(index)
		delete(bucket[key], task.TaskID)
		if len(bucket[key]) == 0 {
			delete(bucket, key)
		}
	}
}
