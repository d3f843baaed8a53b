package store

import (
	"fmt"
	"time"

	"github.com/flowforge/taskflow/pkg/model"
)

type Action int

const (
	// ActionNoop means the same key was written again with identical content.
	ActionNoop Action = iota
	// ActionInsert creates the first version of a task.
	ActionInsert
	// ActionAppend adds a newer version and moves the current pointer to it.
	ActionAppend
	// ActionOverwrite replaces the current version in place.
	ActionOverwrite
)

func (a Action) String() string {
	switch a {
	case ActionNoop:
		return "noop"
	case ActionInsert:
		return "insert"
	case ActionAppend:
		return "append"
	case ActionOverwrite:
		return "overwrite"
	}
	return "unknown"
}

// Plan decides how an incoming put lands. current is the current version (nil when the
// task does not exist) and existing is the stored version sharing the incoming
// createdAt (nil when the key is new). The returned task is the normalized version to
// store; for ActionNoop it is existing.
func Plan(current, existing *model.Task, incoming model.Task, opts PutOptions, now time.Time) (Action, model.Task, error) {
	if incoming.TaskID == "" {
		return ActionNoop, model.Task{}, fmt.Errorf("%w: taskId is required", model.ErrInvalidTask)
	}
	if incoming.CreatedAt.IsZero() {
		return ActionNoop, model.Task{}, fmt.Errorf("%w: createdAt is required", model.ErrInvalidTask)
	}

	task := Normalize(incoming)
	task.IsCurrent = true

	if opts.ExpectedRevision != nil {
		var revision int64
		if current != nil {
			revision = current.Revision
		}
		if revision != *opts.ExpectedRevision {
			return ActionNoop, model.Task{}, fmt.Errorf("%w: task %s is at revision %d, expected %d",
				model.ErrVersionConflict, task.TaskID, revision, *opts.ExpectedRevision)
		}
	}

	if current == nil {
		if task.Status == "" {
			task.Status = model.TaskPendingValidation
		}
		if task.Status != model.TaskPendingValidation {
			return ActionNoop, model.Task{}, fmt.Errorf("%w: task %s must start in %s, got %s",
				model.ErrInvalidTransition, task.TaskID, model.TaskPendingValidation, task.Status)
		}
		if task.UpdatedAt.IsZero() {
			task.UpdatedAt = task.CreatedAt
		}
		task.Revision = 1
		return ActionInsert, task, nil
	}

	if task.Status == "" {
		task.Status = current.Status
	}
	if !task.Status.Valid() {
		return ActionNoop, model.Task{}, fmt.Errorf("%w: unknown status %q", model.ErrInvalidTask, task.Status)
	}

	if existing != nil {
		if task.UpdatedAt.IsZero() {
			task.UpdatedAt = existing.UpdatedAt
		}
		if model.SameContent(*existing, task) {
			return ActionNoop, existing.Clone(), nil
		}
		if !existing.CreatedAt.Equal(current.CreatedAt) {
			return ActionNoop, model.Task{}, fmt.Errorf("%w: version %s of task %s is no longer current",
				model.ErrVersionConflict, existing.CreatedAt.Format(time.RFC3339Nano), task.TaskID)
		}
		if err := checkTransition(current, task); err != nil {
			return ActionNoop, model.Task{}, err
		}
		if task.UpdatedAt.Equal(existing.UpdatedAt) {
			task.UpdatedAt = normalizeTime(now)
		}
		task.Revision = current.Revision + 1
		return ActionOverwrite, task, nil
	}

	if task.CreatedAt.Before(current.CreatedAt) {
		return ActionNoop, model.Task{}, fmt.Errorf("%w: createdAt %s precedes current version %s of task %s",
			model.ErrVersionConflict, task.CreatedAt.Format(time.RFC3339Nano),
			current.CreatedAt.Format(time.RFC3339Nano), task.TaskID)
	}
	if err := checkTransition(current, task); err != nil {
		return ActionNoop, model.Task{}, err
	}
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = task.CreatedAt
	}
	task.Revision = current.Revision + 1
	return ActionAppend, task, nil
}

func checkTransition(current *model.Task, next model.Task) error {
	if !model.CanTransition(current.Status, next.Status) {
		return fmt.Errorf("%w: task %s cannot move from %s to %s",
			model.ErrInvalidTransition, next.TaskID, current.Status, next.Status)
	}
	return nil
}

// Normalize clones a task and truncates its timestamps to the microsecond UTC precision
// every backend can represent.
func Normalize(task model.Task) model.Task {
	out := task.Clone()
	out.CreatedAt = normalizeTime(out.CreatedAt)
	out.UpdatedAt = normalizeTime(out.UpdatedAt)
	if out.ExpireAt != nil {
		expireAt := normalizeTime(*out.ExpireAt)
		out.ExpireAt = &expireAt
	}
	return out
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC().Truncate(time.Microsecond)
}
