package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionSucceeded ExecutionStatus = "succeeded"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

func (s ExecutionStatus) Terminal() bool {
	return s != ExecutionRunning
}

// WorkflowState names a node of the approval state machine.
type WorkflowState string

const (
	StateValidateTask          WorkflowState = "ValidateTask"
	StateCheckPriority         WorkflowState = "CheckPriority"
	StateAutoApproveTask       WorkflowState = "AutoApproveTask"
	StateWaitForApproval       WorkflowState = "WaitForApproval"
	StateWaitForManualApproval WorkflowState = "WaitForManualApproval"
	StateCheckApprovalStatus   WorkflowState = "CheckApprovalStatus"
	StateProcessApprovedTask   WorkflowState = "ProcessApprovedTask"
	StateTaskRejected          WorkflowState = "TaskRejected"

	StateTaskApprovalComplete  WorkflowState = "TaskApprovalComplete"
	StateTaskRejectionComplete WorkflowState = "TaskRejectionComplete"
	StateTaskValidationFailed  WorkflowState = "TaskValidationFailed"
	StateTaskApprovalTimedOut  WorkflowState = "TaskApprovalTimedOut"
	StateTaskAlreadySettled    WorkflowState = "TaskAlreadySettled"
	StateExecutionCancelled    WorkflowState = "ExecutionCancelled"
)

// Transition is one entry of an execution's history.
type Transition struct {
	From WorkflowState `json:"from,omitempty"`
	To   WorkflowState `json:"to"`
	At   time.Time     `json:"at"`
	Note string        `json:"note,omitempty"`
}

// History is the ordered transition list, stored as a JSON array.
type History []Transition

func (h History) Value() (driver.Value, error) {
	if h == nil {
		return "[]", nil
	}
	data, err := json.Marshal(h)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (h *History) Scan(value interface{}) error {
	if value == nil {
		*h = nil
		return nil
	}
	switch typed := value.(type) {
	case []byte:
		return json.Unmarshal(typed, h)
	case string:
		return json.Unmarshal([]byte(typed), h)
	default:
		return fmt.Errorf("failed to scan history: %v", value)
	}
}

func (History) GormDataType() string {
	return "jsonb"
}

// Execution is one run of the approval state machine for one triggering event.
type Execution struct {
	ID             string          `gorm:"type:varchar(64);primaryKey" json:"executionId"`
	TaskID         string          `gorm:"type:varchar(64);not null;index" json:"taskId"`
	TriggerEventID string          `gorm:"type:varchar(128);index" json:"triggerEventId"`
	Priority       string          `gorm:"type:varchar(32)" json:"priority"`
	State          WorkflowState   `gorm:"type:varchar(64);not null" json:"state"`
	Status         ExecutionStatus `gorm:"type:varchar(32);not null;index" json:"status"`
	History        History         `gorm:"type:jsonb" json:"history"`
	Error          string          `json:"error,omitempty"`
	Polls          int             `gorm:"default:0" json:"polls"`
	WaitStartedAt  *time.Time      `json:"waitStartedAt,omitempty"`
	StartedAt      time.Time       `json:"startedAt"`
	FinishedAt     *time.Time      `json:"finishedAt,omitempty"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

func (Execution) TableName() string {
	return "workflow_executions"
}

func (e Execution) Clone() Execution {
	out := e
	out.History = append(History(nil), e.History...)
	if e.WaitStartedAt != nil {
		waitStartedAt := *e.WaitStartedAt
		out.WaitStartedAt = &waitStartedAt
	}
	if e.FinishedAt != nil {
		finishedAt := *e.FinishedAt
		out.FinishedAt = &finishedAt
	}
	return out
}

// States returns the visited states in order, starting with the first entered state.
func (e Execution) States() []WorkflowState {
	states := make([]WorkflowState, 0, len(e.History))
	for _, transition := range e.History {
		states = append(states, transition.To)
	}
	return states
}

// Visited reports whether the execution ever entered state.
func (e Execution) Visited(state WorkflowState) bool {
	for _, transition := range e.History {
		if transition.To == state {
			return true
		}
	}
	return false
}
