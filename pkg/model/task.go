package model

import (
	"reflect"
	"time"

	"github.com/lib/pq"
)

type TaskStatus string

const (
	TaskPendingValidation TaskStatus = "pending_validation"
	TaskPendingApproval   TaskStatus = "pending_approval"
	TaskApproved          TaskStatus = "approved"
	TaskRejected          TaskStatus = "rejected"
	TaskCompleted         TaskStatus = "completed"
	TaskFailed            TaskStatus = "failed"
)

// TaskStatuses lists every status in lifecycle order.
var TaskStatuses = []TaskStatus{
	TaskPendingValidation,
	TaskPendingApproval,
	TaskApproved,
	TaskRejected,
	TaskCompleted,
	TaskFailed,
}

func (s TaskStatus) Valid() bool {
	for _, known := range TaskStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Settled reports whether the workflow has nothing left to decide for the task.
func (s TaskStatus) Settled() bool {
	switch s {
	case TaskApproved, TaskRejected, TaskCompleted, TaskFailed:
		return true
	}
	return false
}

var statusGraph = map[TaskStatus][]TaskStatus{
	TaskPendingValidation: {TaskPendingApproval, TaskApproved},
	TaskPendingApproval:   {TaskApproved, TaskRejected},
	TaskApproved:          {TaskCompleted, TaskFailed},
	TaskRejected:          {TaskCompleted, TaskFailed},
}

// CanTransition reports whether a task may move from one status to another.
// Rewriting the same status is always allowed.
func CanTransition(from, to TaskStatus) bool {
	if from == to {
		return to.Valid()
	}
	for _, next := range statusGraph[from] {
		if next == to {
			return true
		}
	}
	return false
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

func (p Priority) Known() bool {
	return p == PriorityLow || p == PriorityMedium || p == PriorityHigh
}

// Task is one version of a task record. TaskID and CreatedAt form the composite key;
// the store marks exactly one version per TaskID as current.
type Task struct {
	TaskID      string         `gorm:"type:varchar(64);primaryKey" json:"taskId"`
	CreatedAt   time.Time      `gorm:"primaryKey;autoCreateTime:false" json:"createdAt"`
	UpdatedAt   time.Time      `gorm:"autoUpdateTime:false" json:"updatedAt"`
	Status      TaskStatus     `gorm:"type:varchar(32);not null;index:idx_tasks_status_current" json:"status"`
	Priority    Priority       `gorm:"type:varchar(32)" json:"priority,omitempty"`
	OwnerID     string         `gorm:"type:varchar(128);index:idx_tasks_owner_current" json:"ownerId"`
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description,omitempty"`
	Tags        pq.StringArray `gorm:"type:text[]" json:"tags,omitempty"`
	Payload     JSONB          `gorm:"type:jsonb" json:"payload,omitempty"`
	ExpireAt    *time.Time     `gorm:"index" json:"expireAt,omitempty"`
	Revision    int64          `gorm:"not null;default:0" json:"revision"`
	IsCurrent   bool           `gorm:"not null;default:false;index:idx_tasks_status_current;index:idx_tasks_owner_current" json:"-"`
}

func (Task) TableName() string {
	return "tasks"
}

// Version identifies a stored task version.
type Version struct {
	TaskID    string    `json:"taskId"`
	CreatedAt time.Time `json:"createdAt"`
	Revision  int64     `json:"revision"`
}

func (t Task) Version() Version {
	return Version{TaskID: t.TaskID, CreatedAt: t.CreatedAt, Revision: t.Revision}
}

func (t Task) Expired(now time.Time) bool {
	return t.ExpireAt != nil && !t.ExpireAt.After(now)
}

func (t Task) Clone() Task {
	out := t
	if t.Tags != nil {
		out.Tags = append(pq.StringArray(nil), t.Tags...)
	}
	out.Payload = t.Payload.Clone()
	if t.ExpireAt != nil {
		expireAt := *t.ExpireAt
		out.ExpireAt = &expireAt
	}
	return out
}

// SameContent compares the caller-controlled attributes of two versions, ignoring the
// store-assigned revision and current flag.
func SameContent(a, b Task) bool {
	if a.TaskID != b.TaskID || !a.CreatedAt.Equal(b.CreatedAt) || !a.UpdatedAt.Equal(b.UpdatedAt) {
		return false
	}
	if a.Status != b.Status || a.Priority != b.Priority || a.OwnerID != b.OwnerID {
		return false
	}
	if a.Title != b.Title || a.Description != b.Description {
		return false
	}
	if !sameTime(a.ExpireAt, b.ExpireAt) {
		return false
	}
	if len(a.Tags) != len(b.Tags) {
		return false
	}
	for i := range a.Tags {
		if a.Tags[i] != b.Tags[i] {
			return false
		}
	}
	if len(a.Payload) == 0 && len(b.Payload) == 0 {
		return true
	}
	return reflect.DeepEqual(a.Payload, b.Payload)
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
