package model

import (
	"time"
)

const (
	EventTaskCreated   = "TaskCreated"
	EventTaskUpdated   = "TaskUpdated"
	EventTaskCompleted = "TaskCompleted"
	EventTaskDeleted   = "TaskDeleted"
	EventTaskApproved  = "TaskApproved"
	EventTaskRejected  = "TaskRejected"

	EventTaskValidationFailed   = "TaskValidationFailed"
	EventTaskApprovalTimedOut   = "TaskApprovalTimedOut"
	EventTaskExecutionCancelled = "TaskExecutionCancelled"
	EventTaskExecutionFailed    = "TaskExecutionFailed"

	EventDeliveryExhausted = "DeliveryExhausted"
)

const (
	SourceTaskManager = "task-manager"
	SourceWorkflow    = "task-manager.workflow"
	SourceEventBus    = "task-manager.eventbus"
)

// Keys used inside Event.Detail.
const (
	DetailTaskID      = "taskId"
	DetailPriority    = "priority"
	DetailTimestamp   = "timestamp"
	DetailStatus      = "status"
	DetailOwnerID     = "ownerId"
	DetailOldStatus   = "oldStatus"
	DetailNewStatus   = "newStatus"
	DetailCreatedAt   = "createdAt"
	DetailUpdatedAt   = "updatedAt"
	DetailDeletedAt   = "deletedAt"
	DetailRevision    = "revision"
	DetailExecutionID = "executionId"
	DetailReason      = "reason"
)

// Event is an immutable fact published on the event bus.
type Event struct {
	ID     string    `json:"id"`
	Source string    `json:"source"`
	Type   string    `json:"type"`
	Detail JSONB     `json:"detail"`
	Time   time.Time `json:"time"`
}

func NewEvent(source, eventType string, detail JSONB) Event {
	if detail == nil {
		detail = JSONB{}
	}
	return Event{
		Source: source,
		Type:   eventType,
		Detail: detail,
		Time:   time.Now().UTC(),
	}
}

func (e Event) Clone() Event {
	out := e
	out.Detail = e.Detail.Clone()
	return out
}

func (e Event) TaskID() string {
	id, _ := e.Detail.String(DetailTaskID)
	return id
}

func (e Event) Priority() string {
	priority, _ := e.Detail.String(DetailPriority)
	return priority
}

// Fields returns the normalized record used for pattern matching: source, type and
// every scalar detail leaf under "detail.<path>".
func (e Event) Fields() map[string]string {
	fields := e.Detail.Flatten("detail")
	fields["source"] = e.Source
	fields["type"] = e.Type
	return fields
}
