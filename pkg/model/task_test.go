package model

import (
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from TaskStatus
		to   TaskStatus
		want bool
	}{
		{TaskPendingValidation, TaskPendingApproval, true},
		{TaskPendingValidation, TaskApproved, true},
		{TaskPendingApproval, TaskApproved, true},
		{TaskPendingApproval, TaskRejected, true},
		{TaskApproved, TaskCompleted, true},
		{TaskRejected, TaskFailed, true},
		{TaskApproved, TaskApproved, true},
		{TaskPendingValidation, TaskRejected, false},
		{TaskPendingValidation, TaskCompleted, false},
		{TaskApproved, TaskPendingApproval, false},
		{TaskRejected, TaskPendingValidation, false},
		{TaskCompleted, TaskApproved, false},
		{TaskFailed, TaskCompleted, false},
		{TaskStatus("archived"), TaskStatus("archived"), false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestStatusGraphNeverRegresses(t *testing.T) {
	rank := map[TaskStatus]int{
		TaskPendingValidation: 0,
		TaskPendingApproval:   1,
		TaskApproved:          2,
		TaskRejected:          2,
		TaskCompleted:         3,
		TaskFailed:            3,
	}
	for _, from := range TaskStatuses {
		for _, to := range TaskStatuses {
			if CanTransition(from, to) && rank[to] < rank[from] {
				t.Errorf("transition %s -> %s regresses", from, to)
			}
		}
	}
}

func TestSameContent(t *testing.T) {
	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	expire := created.Add(time.Hour)
	base := Task{
		TaskID:    "task-1",
		CreatedAt: created,
		UpdatedAt: created,
		Status:    TaskPendingValidation,
		Priority:  PriorityHigh,
		OwnerID:   "user-1",
		Tags:      []string{"a"},
		Payload:   JSONB{"k": "v"},
		ExpireAt:  &expire,
		Revision:  1,
	}

	same := base.Clone()
	same.Revision = 7
	same.IsCurrent = true
	if !SameContent(base, same) {
		t.Fatalf("expected revision and current flag to be ignored")
	}

	changed := base.Clone()
	changed.Payload["k"] = "other"
	if SameContent(base, changed) {
		t.Fatalf("expected payload change to be detected")
	}

	changed = base.Clone()
	changed.ExpireAt = nil
	if SameContent(base, changed) {
		t.Fatalf("expected expireAt change to be detected")
	}
}

func TestTaskExpired(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Second)
	task := Task{ExpireAt: &past}
	if !task.Expired(now) {
		t.Fatalf("expected task to be expired")
	}
	if (Task{}).Expired(now) {
		t.Fatalf("task without expireAt never expires")
	}
}

func TestEventFields(t *testing.T) {
	event := NewEvent(SourceTaskManager, EventTaskCreated, JSONB{DetailTaskID: "task-1", DetailPriority: "high"})

	fields := event.Fields()
	if fields["source"] != SourceTaskManager || fields["type"] != EventTaskCreated {
		t.Fatalf("unexpected envelope fields: %v", fields)
	}
	if fields["detail.taskId"] != "task-1" || fields["detail.priority"] != "high" {
		t.Fatalf("unexpected detail fields: %v", fields)
	}
	if event.TaskID() != "task-1" || event.Priority() != "high" {
		t.Fatalf("unexpected accessors: %s %s", event.TaskID(), event.Priority())
	}
}
