package model

import "time"

// ChangeRecord is emitted by the task store on every mutation. Before is nil on
// creation and After is nil on deletion.
type ChangeRecord struct {
	Sequence  int64     `json:"sequence"`
	TaskID    string    `json:"taskId"`
	Before    *Task     `json:"before"`
	After     *Task     `json:"after"`
	Timestamp time.Time `json:"timestamp"`
}

func (c ChangeRecord) Created() bool {
	return c.Before == nil && c.After != nil
}

func (c ChangeRecord) Deleted() bool {
	return c.After == nil
}

// Revision returns the revision of the image the record ends on.
func (c ChangeRecord) Revision() int64 {
	if c.After != nil {
		return c.After.Revision
	}
	if c.Before != nil {
		return c.Before.Revision
	}
	return 0
}

// TaskChange is the outbox row written alongside every task mutation by the SQL store.
type TaskChange struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	TaskID    string    `gorm:"type:varchar(64);not null;index"`
	Before    *Task     `gorm:"serializer:json;type:jsonb"`
	After     *Task     `gorm:"serializer:json;type:jsonb"`
	CreatedAt time.Time `gorm:"autoCreateTime;not null;index"`
}

func (TaskChange) TableName() string {
	return "task_changes"
}

func (c TaskChange) Record() ChangeRecord {
	return ChangeRecord{
		Sequence:  c.ID,
		TaskID:    c.TaskID,
		Before:    c.Before,
		After:     c.After,
		Timestamp: c.CreatedAt,
	}
}
