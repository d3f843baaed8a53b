package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flowforge/taskflow/pkg/eventbus"
	"github.com/flowforge/taskflow/pkg/lease"
	"github.com/flowforge/taskflow/pkg/metrics"
	"github.com/flowforge/taskflow/pkg/model"
	"github.com/flowforge/taskflow/pkg/store"
)

const (
	defaultPollInterval      = 30 * time.Second
	defaultMaxApprovalWait   = 24 * time.Hour
	defaultLeaseTTL          = 2 * time.Minute
	defaultReconcileInterval = time.Minute
	statusWriteAttempts      = 3
)

type Config struct {
	PollInterval      time.Duration
	MaxApprovalWait   time.Duration
	LeaseTTL          time.Duration
	ReconcileInterval time.Duration
	// StrictPriority routes triggers with an unknown priority to TaskValidationFailed
	// instead of auto-approving them.
	StrictPriority bool
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.MaxApprovalWait <= 0 {
		c.MaxApprovalWait = defaultMaxApprovalWait
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = defaultLeaseTTL
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = defaultReconcileInterval
	}
	return c
}

// Publisher is the part of the event bus the engine emits through.
type Publisher interface {
	Publish(ctx context.Context, event model.Event) (eventbus.Receipt, error)
}

// Engine runs the approval state machine, one execution per triggering event and at most
// one running execution per task.
type Engine struct {
	cfg        Config
	tasks      store.TaskStore
	executions ExecutionStore
	leaser     lease.Leaser
	bus        Publisher
	logger     *zap.Logger
	now        func() time.Time

	startMu sync.Mutex

	ctxMu sync.RWMutex
	ctx   context.Context

	mu     sync.RWMutex
	active map[string]*run
}

func NewEngine(
	cfg Config,
	tasks store.TaskStore,
	executions ExecutionStore,
	leaser lease.Leaser,
	bus Publisher,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		cfg:        cfg.withDefaults(),
		tasks:      tasks,
		executions: executions,
		leaser:     leaser,
		bus:        bus,
		logger:     logger,
		now:        time.Now,
		ctx:        context.Background(),
		active:     make(map[string]*run),
	}
}

// Start binds running executions to ctx, resumes executions left running by a previous
// process and launches the reconciler. Cancelling ctx parks every execution; they stay
// running in the execution store and resume on the next Recover.
func (e *Engine) Start(ctx context.Context) error {
	e.ctxMu.Lock()
	e.ctx = ctx
	e.ctxMu.Unlock()

	if _, err := e.Recover(ctx); err != nil {
		return err
	}

	go e.RunReconciler(ctx)
	go func() {
		<-ctx.Done()
		e.parkAll()
	}()

	e.logger.Info("workflow engine started",
		zap.Duration("poll_interval", e.cfg.PollInterval),
		zap.Duration("max_approval_wait", e.cfg.MaxApprovalWait),
	)
	return nil
}

func (e *Engine) context() context.Context {
	e.ctxMu.RLock()
	defer e.ctxMu.RUnlock()
	return e.ctx
}

// ID and Deliver make the engine a bus target.
func (e *Engine) ID() string {
	return TargetID
}

func (e *Engine) Deliver(ctx context.Context, event model.Event) error {
	_, err := e.OnEvent(ctx, event)
	if errors.Is(err, model.ErrExecutionConflict) || errors.Is(err, model.ErrInvalidEvent) {
		return eventbus.Permanent(err)
	}
	return err
}

// OnEvent starts an execution for a triggering event. Delivering the same event id again
// returns the execution it already started.
func (e *Engine) OnEvent(ctx context.Context, event model.Event) (model.Execution, error) {
	taskID := event.TaskID()
	if taskID == "" {
		return model.Execution{}, fmt.Errorf("%w: event %s has no detail.%s", model.ErrInvalidEvent, event.ID, model.DetailTaskID)
	}

	e.startMu.Lock()
	defer e.startMu.Unlock()

	if existing, ok, err := e.findByTrigger(ctx, event.ID); err != nil {
		return model.Execution{}, err
	} else if ok {
		return existing, nil
	}

	id := uuid.NewString()
	acquired, err := e.leaser.Acquire(ctx, leaseKey(taskID), id, e.cfg.LeaseTTL)
	if err != nil {
		return model.Execution{}, fmt.Errorf("acquire lease for task %s: %w", taskID, err)
	}
	if !acquired {
		// another replica may have started this same trigger
		if existing, ok, _ := e.findByTrigger(ctx, event.ID); ok {
			return existing, nil
		}
		metrics.ExecutionConflicts.Inc()
		return model.Execution{}, fmt.Errorf("task %s: %w", taskID, model.ErrExecutionConflict)
	}

	now := e.now().UTC()
	execution := model.Execution{
		ID:             id,
		TaskID:         taskID,
		TriggerEventID: event.ID,
		Priority:       event.Priority(),
		State:          model.StateValidateTask,
		Status:         model.ExecutionRunning,
		History: model.History{{
			To:   model.StateValidateTask,
			At:   now,
			Note: "triggered by " + event.Type,
		}},
		StartedAt: now,
		UpdatedAt: now,
	}
	if err := e.executions.Create(ctx, execution); err != nil {
		if releaseErr := e.leaser.Release(context.WithoutCancel(ctx), leaseKey(taskID), id); releaseErr != nil {
			e.logger.Warn("failed to release lease", zap.String("task_id", taskID), zap.Error(releaseErr))
		}
		return model.Execution{}, fmt.Errorf("persist execution for task %s: %w", taskID, err)
	}

	r := newRun(execution)
	e.track(r)
	metrics.ExecutionsStarted.WithLabelValues(priorityLabel(execution.Priority)).Inc()

	e.logger.Info("execution started",
		zap.String("execution_id", id),
		zap.String("task_id", taskID),
		zap.String("event_id", event.ID),
		zap.String("priority", execution.Priority),
	)

	go e.execute(r)
	return execution.Clone(), nil
}

func (e *Engine) findByTrigger(ctx context.Context, eventID string) (model.Execution, bool, error) {
	if eventID == "" {
		return model.Execution{}, false, nil
	}

	for _, r := range e.runs() {
		if snapshot := r.snapshot(); snapshot.TriggerEventID == eventID {
			return snapshot, true, nil
		}
	}

	execution, err := e.executions.FindByTrigger(ctx, eventID)
	if errors.Is(err, model.ErrNotFound) {
		return model.Execution{}, false, nil
	}
	if err != nil {
		return model.Execution{}, false, fmt.Errorf("find execution for event %s: %w", eventID, err)
	}
	return execution, true, nil
}

func (e *Engine) Get(ctx context.Context, id string) (model.Execution, error) {
	if r, ok := e.lookup(id); ok {
		return r.snapshot(), nil
	}
	return e.executions.Get(ctx, id)
}

// List returns every execution recorded for a task, oldest first.
func (e *Engine) List(ctx context.Context, taskID string) ([]model.Execution, error) {
	executions, err := e.executions.ListByTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	for i := range executions {
		if r, ok := e.lookup(executions[i].ID); ok {
			executions[i] = r.snapshot()
		}
	}
	return executions, nil
}

// Wait blocks until the execution reaches a terminal status or ctx ends.
func (e *Engine) Wait(ctx context.Context, id string) (model.Execution, error) {
	r, ok := e.lookup(id)
	if !ok {
		return e.executions.Get(ctx, id)
	}
	select {
	case <-r.done:
		return r.snapshot(), nil
	case <-ctx.Done():
		return r.snapshot(), ctx.Err()
	}
}

// Cancel stops an execution. Writes it already committed stay in place.
func (e *Engine) Cancel(ctx context.Context, id string) (model.Execution, error) {
	if r, ok := e.lookup(id); ok {
		if !e.finish(r, model.StateExecutionCancelled, model.ExecutionCancelled, model.ErrCancelled.Error(), "cancelled by request") {
			return r.snapshot(), fmt.Errorf("execution %s: %w", id, model.ErrExecutionFinished)
		}
		execution := r.snapshot()
		e.publish(ctx, execution, model.EventTaskExecutionCancelled, model.ErrCancelled.Error())
		return execution, nil
	}

	// Not driven by this process: either orphaned or owned by another replica, whose
	// next lease renewal fails once the lease is released here.
	execution, err := e.executions.Get(ctx, id)
	if err != nil {
		return model.Execution{}, err
	}
	if execution.Status.Terminal() {
		return execution, fmt.Errorf("execution %s: %w", id, model.ErrExecutionFinished)
	}

	now := e.now().UTC()
	execution.History = append(execution.History, model.Transition{
		From: execution.State,
		To:   model.StateExecutionCancelled,
		At:   now,
		Note: "cancelled by request",
	})
	execution.State = model.StateExecutionCancelled
	execution.Status = model.ExecutionCancelled
	execution.Error = model.ErrCancelled.Error()
	execution.FinishedAt = &now
	execution.UpdatedAt = now
	if err := e.executions.Update(ctx, execution); err != nil {
		return model.Execution{}, fmt.Errorf("cancel execution %s: %w", id, err)
	}
	if err := e.leaser.Release(ctx, leaseKey(execution.TaskID), execution.ID); err != nil {
		e.logger.Warn("failed to release lease", zap.String("execution_id", id), zap.Error(err))
	}
	metrics.ExecutionsFinished.WithLabelValues(string(execution.State), string(execution.Status)).Inc()
	e.publish(ctx, execution, model.EventTaskExecutionCancelled, model.ErrCancelled.Error())
	return execution, nil
}

// Recover resumes executions the store still lists as running but no process drives,
// taking over each one whose lease is free. It returns how many were resumed.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	running, err := e.executions.ListByStatus(ctx, model.ExecutionRunning)
	if err != nil {
		return 0, fmt.Errorf("list running executions: %w", err)
	}

	resumed := 0
	for _, execution := range running {
		if _, ok := e.lookup(execution.ID); ok {
			continue
		}
		acquired, err := e.leaser.Acquire(ctx, leaseKey(execution.TaskID), execution.ID, e.cfg.LeaseTTL)
		if err != nil {
			e.logger.Warn("failed to acquire lease during recovery",
				zap.String("execution_id", execution.ID),
				zap.Error(err),
			)
			continue
		}
		if !acquired {
			continue
		}

		r := newRun(execution)
		if execution.WaitStartedAt != nil {
			e.setWaiting(r, true)
		}
		e.track(r)
		resumed++

		e.logger.Info("execution resumed",
			zap.String("execution_id", execution.ID),
			zap.String("task_id", execution.TaskID),
			zap.String("state", string(execution.State)),
		)
		go e.execute(r)
	}
	return resumed, nil
}

// RunReconciler periodically picks up executions orphaned by crashed replicas once their
// lease expires.
func (e *Engine) RunReconciler(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if resumed, err := e.Recover(ctx); err != nil {
				e.logger.Error("reconcile failed", zap.Error(err))
			} else if resumed > 0 {
				e.logger.Info("reconciled orphaned executions", zap.Int("resumed", resumed))
			}
		}
	}
}

// Active returns the number of executions driven by this process.
func (e *Engine) Active() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.active)
}

func (e *Engine) track(r *run) {
	e.mu.Lock()
	e.active[r.id] = r
	e.mu.Unlock()
}

func (e *Engine) untrack(r *run) {
	e.mu.Lock()
	delete(e.active, r.id)
	e.mu.Unlock()
}

func (e *Engine) lookup(id string) (*run, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.active[id]
	return r, ok
}

// parkAll stops every wait timer without touching the persisted executions.
func (e *Engine) parkAll() {
	for _, r := range e.runs() {
		e.abandon(r, "engine stopped")
	}
}

func (e *Engine) runs() []*run {
	e.mu.RLock()
	defer e.mu.RUnlock()
	runs := make([]*run, 0, len(e.active))
	for _, r := range e.active {
		runs = append(runs, r)
	}
	return runs
}

func (e *Engine) setWaiting(r *run, waiting bool) {
	r.mu.Lock()
	changed := r.waiting != waiting
	r.waiting = waiting
	r.mu.Unlock()
	if !changed {
		return
	}
	if waiting {
		metrics.ApprovalWaits.Inc()
	} else {
		metrics.ApprovalWaits.Dec()
	}
}

func leaseKey(taskID string) string {
	return "task:" + taskID
}

func priorityLabel(priority string) string {
	if model.Priority(priority).Known() {
		return priority
	}
	if priority == "" {
		return "none"
	}
	return "other"
}
