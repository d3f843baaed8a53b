package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flowforge/taskflow/pkg/metrics"
	"github.com/flowforge/taskflow/pkg/model"
	"github.com/flowforge/taskflow/pkg/store"
)

// run is the in-process handle of an execution. A goroutine drives it only while steps
// execute; between approval checks it is parked on a timer.
type run struct {
	id     string
	taskID string

	mu        sync.Mutex
	execution model.Execution
	timer     *time.Timer
	waiting   bool
	stopped   bool

	done     chan struct{}
	doneOnce sync.Once
}

func newRun(execution model.Execution) *run {
	return &run{
		id:        execution.ID,
		taskID:    execution.TaskID,
		execution: execution.Clone(),
		done:      make(chan struct{}),
	}
}

func (r *run) snapshot() model.Execution {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.execution.Clone()
}

func (r *run) position() (model.WorkflowState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.execution.State, !r.stopped && !r.execution.Status.Terminal()
}

func (r *run) closeDone() {
	r.doneOnce.Do(func() { close(r.done) })
}

func (e *Engine) execute(r *run) {
	for {
		if e.context().Err() != nil {
			e.abandon(r, "engine stopped")
			return
		}
		state, active := r.position()
		if !active {
			return
		}

		switch state {
		case model.StateValidateTask:
			e.validateTask(r)
		case model.StateCheckPriority:
			e.checkPriority(r)
		case model.StateAutoApproveTask:
			e.autoApproveTask(r)
		case model.StateWaitForApproval:
			e.waitForApproval(r)
		case model.StateWaitForManualApproval:
			e.suspend(r)
			return
		case model.StateCheckApprovalStatus:
			e.checkApprovalStatus(r)
		case model.StateProcessApprovedTask:
			e.processApprovedTask(r)
		case model.StateTaskRejected:
			e.processRejectedTask(r)
		default:
			e.fail(r, "", model.EventTaskExecutionFailed, fmt.Errorf("execution in unexpected state %q", state))
		}
	}
}

func (e *Engine) validateTask(r *run) {
	ctx := e.context()
	task, err := e.tasks.Get(ctx, r.taskID)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		e.fail(r, model.StateTaskValidationFailed, model.EventTaskValidationFailed,
			fmt.Errorf("%w: %v", model.ErrValidationFailed, err))
		return
	}
	if task.Status.Settled() {
		e.finish(r, model.StateTaskAlreadySettled, model.ExecutionSucceeded, "", "task already "+string(task.Status))
		return
	}
	e.transition(r, model.StateCheckPriority, "task is "+string(task.Status))
}

func (e *Engine) checkPriority(r *run) {
	priority := model.Priority(r.snapshot().Priority)
	switch {
	case priority == model.PriorityHigh:
		e.transition(r, model.StateWaitForApproval, "high priority requires approval")
	case e.cfg.StrictPriority && !priority.Known():
		e.fail(r, model.StateTaskValidationFailed, model.EventTaskValidationFailed,
			fmt.Errorf("%w: unknown priority %q", model.ErrValidationFailed, priority))
	default:
		e.transition(r, model.StateAutoApproveTask, "priority "+priorityLabel(string(priority)))
	}
}

func (e *Engine) autoApproveTask(r *run) {
	task, err := e.writeStatus(r, model.TaskApproved)
	switch {
	case err == nil:
		e.transition(r, model.StateProcessApprovedTask, "task approved automatically")
	case e.context().Err() != nil:
	case errors.Is(err, model.ErrInvalidTransition) && task.Status == model.TaskRejected:
		e.transition(r, model.StateTaskRejected, "task rejected before auto-approval")
	case errors.Is(err, model.ErrNotFound):
		e.fail(r, model.StateTaskValidationFailed, model.EventTaskValidationFailed,
			fmt.Errorf("%w: %v", model.ErrValidationFailed, err))
	default:
		e.fail(r, "", model.EventTaskExecutionFailed, err)
	}
}

func (e *Engine) waitForApproval(r *run) {
	task, err := e.writeStatus(r, model.TaskPendingApproval)
	switch {
	case err == nil, errors.Is(err, model.ErrInvalidTransition) && task.Status.Settled():
		// a decision that raced the write is picked up by the first status check
		now := e.now().UTC()
		entered := e.transitionWith(r, model.StateWaitForManualApproval, "waiting for approval", func(execution *model.Execution) {
			if execution.WaitStartedAt == nil {
				execution.WaitStartedAt = &now
			}
		})
		if entered {
			e.setWaiting(r, true)
		}
	case e.context().Err() != nil:
	case errors.Is(err, model.ErrNotFound):
		e.fail(r, model.StateTaskValidationFailed, model.EventTaskValidationFailed,
			fmt.Errorf("%w: %v", model.ErrValidationFailed, err))
	default:
		e.fail(r, "", model.EventTaskExecutionFailed, err)
	}
}

// suspend parks the execution until the next approval check. The lease is renewed so
// the task stays owned for another TTL.
func (e *Engine) suspend(r *run) {
	ctx := e.context()
	renewed, err := e.leaser.Renew(ctx, leaseKey(r.taskID), r.id, e.cfg.LeaseTTL)
	switch {
	case err != nil:
		e.logger.Warn("failed to renew lease",
			zap.String("execution_id", r.id),
			zap.String("task_id", r.taskID),
			zap.Error(err),
		)
	case !renewed:
		e.abandon(r, model.ErrLeaseLost.Error())
		return
	}

	delay := e.cfg.PollInterval
	if remaining := e.deadline(r.snapshot()).Sub(e.now()); remaining < delay {
		delay = max(remaining, 0)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped || r.execution.Status.Terminal() {
		return
	}
	r.timer = time.AfterFunc(delay, func() { e.resume(r) })
}

func (e *Engine) resume(r *run) {
	r.mu.Lock()
	r.timer = nil
	r.mu.Unlock()

	if e.transition(r, model.StateCheckApprovalStatus, "") {
		e.execute(r)
	}
}

func (e *Engine) deadline(execution model.Execution) time.Time {
	start := execution.StartedAt
	if execution.WaitStartedAt != nil {
		start = *execution.WaitStartedAt
	}
	return start.Add(e.cfg.MaxApprovalWait)
}

func (e *Engine) checkApprovalStatus(r *run) {
	ctx := e.context()
	metrics.ApprovalPolls.Inc()
	r.mu.Lock()
	r.execution.Polls++
	r.mu.Unlock()

	task, err := e.tasks.Get(ctx, r.taskID)
	switch {
	case err != nil && ctx.Err() != nil:
	case errors.Is(err, model.ErrNotFound):
		e.fail(r, model.StateTaskValidationFailed, model.EventTaskValidationFailed,
			fmt.Errorf("%w: task removed while awaiting approval", model.ErrValidationFailed))
	case err == nil && task.Status == model.TaskApproved:
		e.transition(r, model.StateProcessApprovedTask, "task approved")
	case err == nil && task.Status == model.TaskRejected:
		e.transition(r, model.StateTaskRejected, "task rejected")
	case err == nil && task.Status.Settled():
		e.finish(r, model.StateTaskAlreadySettled, model.ExecutionSucceeded, "", "task already "+string(task.Status))
	case !e.now().Before(e.deadline(r.snapshot())):
		e.fail(r, model.StateTaskApprovalTimedOut, model.EventTaskApprovalTimedOut, model.ErrApprovalTimedOut)
	case err != nil:
		e.logger.Warn("approval status check failed",
			zap.String("execution_id", r.id),
			zap.String("task_id", r.taskID),
			zap.Error(err),
		)
		e.transition(r, model.StateWaitForManualApproval, "status check failed")
	default:
		e.transition(r, model.StateWaitForManualApproval, "task is "+string(task.Status))
	}
}

func (e *Engine) processApprovedTask(r *run) {
	if !e.publishStep(r, model.EventTaskApproved) {
		return
	}
	e.finish(r, model.StateTaskApprovalComplete, model.ExecutionSucceeded, "", "approval published")
}

func (e *Engine) processRejectedTask(r *run) {
	if !e.publishStep(r, model.EventTaskRejected) {
		return
	}
	e.finish(r, model.StateTaskRejectionComplete, model.ExecutionFailed, model.ErrRejected.Error(), "rejection published")
}

// publishStep emits the outcome event of a processing state. When the bus is shutting
// down the execution is parked so a later Recover repeats the step.
func (e *Engine) publishStep(r *run, eventType string) bool {
	ctx := e.context()
	err := e.publish(ctx, r.snapshot(), eventType, "")
	switch {
	case err == nil:
		return true
	case ctx.Err() != nil, errors.Is(err, model.ErrBusClosed):
		e.abandon(r, "event bus unavailable")
	default:
		e.fail(r, "", model.EventTaskExecutionFailed, fmt.Errorf("publish %s: %w", eventType, err))
	}
	return false
}

// writeStatus moves the task to status with an optimistic revision check, re-reading on
// conflict. On failure it returns the task as last read.
func (e *Engine) writeStatus(r *run, status model.TaskStatus) (model.Task, error) {
	ctx := e.context()
	for attempt := 1; ; attempt++ {
		current, err := e.tasks.Get(ctx, r.taskID)
		if err != nil {
			return current, err
		}
		if current.Status == status {
			return current, nil
		}

		next := current.Clone()
		next.Status = status
		next.UpdatedAt = e.now().UTC()
		version, err := e.tasks.Put(ctx, next, store.ExpectRevision(current.Revision))
		if errors.Is(err, model.ErrVersionConflict) && attempt < statusWriteAttempts {
			continue
		}
		if err != nil {
			e.logger.Warn("task status write failed",
				zap.String("execution_id", r.id),
				zap.String("task_id", r.taskID),
				zap.String("status", string(status)),
				zap.Error(err),
			)
			return current, err
		}

		e.logger.Info("task status written",
			zap.String("execution_id", r.id),
			zap.String("task_id", r.taskID),
			zap.String("status", string(status)),
			zap.Int64("revision", version.Revision),
		)
		next.Revision = version.Revision
		return next, nil
	}
}

func (e *Engine) transition(r *run, next model.WorkflowState, note string) bool {
	return e.transitionWith(r, next, note, nil)
}

func (e *Engine) transitionWith(r *run, next model.WorkflowState, note string, mutate func(*model.Execution)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped || r.execution.Status.Terminal() {
		return false
	}

	now := e.now().UTC()
	r.execution.History = append(r.execution.History, model.Transition{
		From: r.execution.State,
		To:   next,
		At:   now,
		Note: note,
	})
	r.execution.State = next
	r.execution.UpdatedAt = now
	if mutate != nil {
		mutate(&r.execution)
	}
	e.persist(r.execution)
	return true
}

// finish moves the execution to a terminal status. An empty state keeps the current one.
// It reports false when the execution had already stopped.
func (e *Engine) finish(r *run, state model.WorkflowState, status model.ExecutionStatus, errMsg, note string) bool {
	r.mu.Lock()
	if r.stopped || r.execution.Status.Terminal() {
		r.mu.Unlock()
		return false
	}

	now := e.now().UTC()
	if state != "" && state != r.execution.State {
		r.execution.History = append(r.execution.History, model.Transition{
			From: r.execution.State,
			To:   state,
			At:   now,
			Note: note,
		})
		r.execution.State = state
	}
	r.execution.Status = status
	r.execution.Error = errMsg
	r.execution.FinishedAt = &now
	r.execution.UpdatedAt = now
	e.persist(r.execution)

	r.stopped = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	execution := r.execution.Clone()
	r.mu.Unlock()

	if err := e.leaser.Release(context.WithoutCancel(e.context()), leaseKey(r.taskID), r.id); err != nil {
		e.logger.Warn("failed to release lease", zap.String("execution_id", r.id), zap.Error(err))
	}
	e.setWaiting(r, false)
	e.untrack(r)
	metrics.ExecutionsFinished.WithLabelValues(string(execution.State), string(execution.Status)).Inc()

	e.logger.Info("execution finished",
		zap.String("execution_id", execution.ID),
		zap.String("task_id", execution.TaskID),
		zap.String("state", string(execution.State)),
		zap.String("status", string(execution.Status)),
		zap.String("error", execution.Error),
	)
	r.closeDone()
	return true
}

func (e *Engine) fail(r *run, state model.WorkflowState, eventType string, cause error) {
	if !e.finish(r, state, model.ExecutionFailed, cause.Error(), cause.Error()) {
		return
	}
	if err := e.publish(context.WithoutCancel(e.context()), r.snapshot(), eventType, cause.Error()); err != nil {
		e.logger.Error("failed to publish failure event",
			zap.String("execution_id", r.id),
			zap.String("event_type", eventType),
			zap.Error(err),
		)
	}
}

// abandon stops driving the execution in this process and leaves it running in the
// execution store with its lease, for Recover to pick up.
func (e *Engine) abandon(r *run, reason string) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.mu.Unlock()

	e.setWaiting(r, false)
	e.untrack(r)
	e.logger.Warn("execution parked",
		zap.String("execution_id", r.id),
		zap.String("task_id", r.taskID),
		zap.String("reason", reason),
	)
	r.closeDone()
}

func (e *Engine) persist(execution model.Execution) {
	if err := e.executions.Update(context.WithoutCancel(e.context()), execution); err != nil {
		e.logger.Error("failed to persist execution",
			zap.String("execution_id", execution.ID),
			zap.String("state", string(execution.State)),
			zap.Error(err),
		)
		return
	}
	e.logger.Debug("execution persisted",
		zap.String("execution_id", execution.ID),
		zap.String("state", string(execution.State)),
		zap.String("status", string(execution.Status)),
	)
}

func (e *Engine) publish(ctx context.Context, execution model.Execution, eventType, reason string) error {
	detail := model.JSONB{
		model.DetailTaskID:      execution.TaskID,
		model.DetailExecutionID: execution.ID,
		model.DetailTimestamp:   e.now().UTC().Format(time.RFC3339Nano),
	}
	if execution.Priority != "" {
		detail[model.DetailPriority] = execution.Priority
	}
	if reason != "" {
		detail[model.DetailReason] = reason
	}
	switch eventType {
	case model.EventTaskApproved:
		detail[model.DetailStatus] = string(model.TaskApproved)
	case model.EventTaskRejected:
		detail[model.DetailStatus] = string(model.TaskRejected)
	}

	receipt, err := e.bus.Publish(ctx, model.NewEvent(model.SourceWorkflow, eventType, detail))
	if err != nil {
		e.logger.Error("failed to publish event",
			zap.String("execution_id", execution.ID),
			zap.String("event_type", eventType),
			zap.Error(err),
		)
		return err
	}
	e.logger.Info("event published",
		zap.String("execution_id", execution.ID),
		zap.String("event_id", receipt.EventID),
		zap.String("event_type", eventType),
		zap.Int("rules", len(receipt.RuleIDs)),
	)
	return nil
}
