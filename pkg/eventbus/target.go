package eventbus

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/flowforge/taskflow/pkg/model"
)

// Target receives events routed by a rule. A returned error is retried unless it is
// wrapped with Permanent.
type Target interface {
	ID() string
	Deliver(ctx context.Context, event model.Event) error
}

type funcTarget struct {
	id string
	fn func(ctx context.Context, event model.Event) error
}

// TargetFunc adapts a function into a Target.
func TargetFunc(id string, fn func(ctx context.Context, event model.Event) error) Target {
	return &funcTarget{id: id, fn: fn}
}

func (t *funcTarget) ID() string {
	return t.id
}

func (t *funcTarget) Deliver(ctx context.Context, event model.Event) error {
	return t.fn(ctx, event)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string {
	return e.err.Error()
}

func (e *permanentError) Unwrap() error {
	return e.err
}

// Permanent marks a delivery failure that retrying cannot fix. The delivery goes
// straight to the dead-letter store.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var permanent *permanentError
	return errors.As(err, &permanent)
}

// LogTarget records every delivered event in the log. It stands in for notification
// transports, which live outside this service.
type LogTarget struct {
	id     string
	logger *zap.Logger
}

func NewLogTarget(id string, logger *zap.Logger) *LogTarget {
	return &LogTarget{id: id, logger: logger}
}

func (t *LogTarget) ID() string {
	return t.id
}

func (t *LogTarget) Deliver(_ context.Context, event model.Event) error {
	t.logger.Info("event observed",
		zap.String("target", t.id),
		zap.String("event_id", event.ID),
		zap.String("source", event.Source),
		zap.String("type", event.Type),
		zap.String("task_id", event.TaskID()),
		zap.Any("detail", map[string]interface{}(event.Detail)),
	)
	return nil
}
