package store

import (
	"context"
	"iter"
	"time"

	"github.com/flowforge/taskflow/pkg/model"
)

// Secondary index names accepted by Query.
const (
	IndexStatus = "status"
	IndexOwner  = "ownerId"
)

// TaskStore is a versioned task record set with secondary lookup and a change stream.
type TaskStore interface {
	// Put writes a task version and returns the version that is now stored under its key.
	Put(ctx context.Context, task model.Task, opts ...PutOption) (model.Version, error)

	// Get returns the current version of a task, or model.ErrNotFound.
	Get(ctx context.Context, taskID string) (model.Task, error)

	// Query lazily yields the current versions whose index attribute equals key. Ranging
	// over the result again re-issues the query.
	Query(ctx context.Context, index, key string) iter.Seq2[model.Task, error]

	// Subscribe streams change records in commit order until ctx ends. Slow subscribers
	// never block writers.
	Subscribe(ctx context.Context) <-chan model.ChangeRecord

	// Delete removes every version of a task and returns the version that was current,
	// or model.ErrNotFound.
	Delete(ctx context.Context, taskID string) (model.Task, error)

	// Prune deletes every task whose current version expired at now and returns how many
	// tasks were removed.
	Prune(ctx context.Context, now time.Time) (int, error)

	// Versions returns all stored versions of a task ordered by createdAt.
	Versions(ctx context.Context, taskID string) ([]model.Task, error)
}

type PutOptions struct {
	ExpectedRevision *int64
}

type PutOption func(*PutOptions)

// ExpectRevision makes Put fail with model.ErrVersionConflict unless the current
// revision equals rev. Zero means the task must not exist yet.
func ExpectRevision(rev int64) PutOption {
	return func(o *PutOptions) {
		o.ExpectedRevision = &rev
	}
}

func ApplyPutOptions(opts []PutOption) PutOptions {
	var options PutOptions
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

// ValidIndex reports whether Query knows the named index.
func ValidIndex(index string) bool {
	return index == IndexStatus || index == IndexOwner
}

// IndexKey returns the value a task is filed under in the named index.
func IndexKey(task model.Task, index string) string {
	switch index {
	case IndexStatus:
		return string(task.Status)
	case IndexOwner:
		return task.OwnerID
	}
	return ""
}

// Collect drains a query into a slice, stopping at the first error or after limit
// tasks when limit is positive.
func Collect(seq iter.Seq2[model.Task, error], limit int) ([]model.Task, error) {
	var tasks []model.Task
	for task, err := range seq {
		if err != nil {
			return tasks, err
		}
		tasks = append(tasks, task)
		if limit > 0 && len(tasks) >= limit {
			break
		}
	}
	return tasks, nil
}
