package engine

import (
	"github.com/flowforge/taskflow/pkg/eventbus"
	"github.com/flowforge/taskflow/pkg/model"
)

// TargetID is the bus target name of the engine.
const TargetID = "workflow-engine"

const priorityField = "detail." + model.DetailPriority

// Rules returns the routes that trigger executions: every TaskCreated event, and the
// high-priority variant filtered upstream. Both may deliver the same event; the engine
// starts one execution per triggering event id.
func Rules() []eventbus.RuleSpec {
	return []eventbus.RuleSpec{
		{
			Name:   "task-created-to-workflow",
			Target: TargetID,
			Pattern: eventbus.Pattern{
				eventbus.FieldSource: {model.SourceTaskManager},
				eventbus.FieldType:   {model.EventTaskCreated},
			},
		},
		{
			Name:   "high-priority-task-to-workflow",
			Target: TargetID,
			Pattern: eventbus.Pattern{
				eventbus.FieldSource: {model.SourceTaskManager},
				eventbus.FieldType:   {model.EventTaskCreated},
				priorityField:        {string(model.PriorityHigh)},
			},
		},
	}
}
