// Package changefeed turns task store change records into domain events on the bus.
package changefeed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flowforge/taskflow/pkg/eventbus"
	"github.com/flowforge/taskflow/pkg/metrics"
	"github.com/flowforge/taskflow/pkg/model"
	"github.com/flowforge/taskflow/pkg/store"
)

// eventNamespace seeds the deterministic event ids, so replaying a change record
// republishes the same ids and the bus deduper drops the repeats.
var eventNamespace = uuid.MustParse("6f1c2f5e-8a43-4d0b-9a2f-2c8d7b1e4a90")

type Publisher interface {
	Publish(ctx context.Context, event model.Event) (eventbus.Receipt, error)
}

type Feed struct {
	tasks   store.TaskStore
	bus     Publisher
	logger  *zap.Logger
	records <-chan model.ChangeRecord
}

func New(tasks store.TaskStore, bus Publisher, logger *zap.Logger) *Feed {
	return &Feed{
		tasks:  tasks,
		bus:    bus,
		logger: logger,
	}
}

// Attach subscribes to the store without forwarding yet. Changes committed between
// Attach and Run are buffered by the store and forwarded once Run starts. Call it from
// the goroutine that later calls Run.
func (f *Feed) Attach(ctx context.Context) {
	if f.records == nil {
		f.records = f.tasks.Subscribe(ctx)
	}
}

// Run forwards change records until ctx ends or the bus closes.
func (f *Feed) Run(ctx context.Context) error {
	f.Attach(ctx)
	records := f.records
	f.logger.Info("change feed started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case record, ok := <-records:
			if !ok {
				return nil
			}
			if err := f.forward(ctx, record); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

func (f *Feed) forward(ctx context.Context, record model.ChangeRecord) error {
	for _, event := range Events(record) {
		receipt, err := f.bus.Publish(ctx, event)
		if errors.Is(err, model.ErrBusClosed) {
			return err
		}
		if err != nil {
			f.logger.Error("failed to publish change event",
				zap.String("task_id", record.TaskID),
				zap.String("event_type", event.Type),
				zap.Int64("sequence", record.Sequence),
				zap.Error(err),
			)
			continue
		}
		f.logger.Debug("change event published",
			zap.String("task_id", record.TaskID),
			zap.String("event_id", receipt.EventID),
			zap.String("event_type", event.Type),
			zap.Int("rules", len(receipt.RuleIDs)),
		)
	}
	observeCompletion(record)
	return nil
}

// Events maps one change record to the domain events it implies: TaskCreated for a new
// task, TaskUpdated for any later version plus TaskCompleted when the status first
// becomes completed, and TaskDeleted when the task is deleted or pruned.
func Events(record model.ChangeRecord) []model.Event {
	switch {
	case record.Before == nil && record.After != nil:
		after := record.After
		detail := model.JSONB{
			model.DetailTaskID:    after.TaskID,
			model.DetailOwnerID:   after.OwnerID,
			model.DetailStatus:    string(after.Status),
			model.DetailCreatedAt: formatTime(after.CreatedAt),
			model.DetailRevision:  after.Revision,
		}
		if after.Priority != "" {
			detail[model.DetailPriority] = string(after.Priority)
		}
		return []model.Event{newEvent(record, model.EventTaskCreated, detail)}

	case record.Before != nil && record.After != nil:
		before, after := record.Before, record.After
		detail := model.JSONB{
			model.DetailTaskID:    after.TaskID,
			model.DetailOwnerID:   after.OwnerID,
			model.DetailOldStatus: string(before.Status),
			model.DetailNewStatus: string(after.Status),
			model.DetailUpdatedAt: formatTime(after.UpdatedAt),
			model.DetailRevision:  after.Revision,
		}
		if after.Priority != "" {
			detail[model.DetailPriority] = string(after.Priority)
		}
		events := []model.Event{newEvent(record, model.EventTaskUpdated, detail)}
		if after.Status == model.TaskCompleted && before.Status != model.TaskCompleted {
			events = append(events, newEvent(record, model.EventTaskCompleted, detail.Clone()))
		}
		return events

	case record.Before != nil:
		before := record.Before
		detail := model.JSONB{
			model.DetailTaskID:    before.TaskID,
			model.DetailOwnerID:   before.OwnerID,
			model.DetailStatus:    string(before.Status),
			model.DetailDeletedAt: formatTime(record.Timestamp),
			model.DetailRevision:  before.Revision,
		}
		return []model.Event{newEvent(record, model.EventTaskDeleted, detail)}
	}
	return nil
}

// newEvent derives the event id from the change itself. Revisions restart at 1 when a
// deleted task id is reused, so the image createdAt and the change timestamp keep
// separate incarnations apart.
func newEvent(record model.ChangeRecord, eventType string, detail model.JSONB) model.Event {
	event := model.NewEvent(model.SourceTaskManager, eventType, detail)
	image := record.After
	if image == nil {
		image = record.Before
	}
	var createdAt int64
	if image != nil {
		createdAt = image.CreatedAt.UnixNano()
	}
	name := fmt.Sprintf("%s/%d/%d/%d/%s",
		record.TaskID, createdAt, record.Revision(), record.Timestamp.UnixNano(), eventType)
	event.ID = uuid.NewSHA1(eventNamespace, []byte(name)).String()
	if !record.Timestamp.IsZero() {
		event.Time = record.Timestamp.UTC()
	}
	return event
}

func observeCompletion(record model.ChangeRecord) {
	if record.Before == nil || record.After == nil {
		return
	}
	if record.After.Status != model.TaskCompleted || record.Before.Status == model.TaskCompleted {
		return
	}
	elapsed := record.After.UpdatedAt.Sub(record.After.CreatedAt)
	if elapsed < 0 {
		return
	}
	metrics.TaskCompletionDuration.WithLabelValues(priorityLabel(record.After.Priority)).Observe(elapsed.Seconds())
}

func priorityLabel(priority model.Priority) string {
	if priority.Known() {
		return string(priority)
	}
	return "other"
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
