package eventbus

import (
	"errors"
	"reflect"
	"testing"

	"github.com/flowforge/taskflow/pkg/model"
)

func taskEvent(eventType string, detail model.JSONB) model.Event {
	return model.NewEvent(model.SourceTaskManager, eventType, detail)
}

func TestCompileRejectsInvalidPatterns(t *testing.T) {
	tests := []struct {
		name    string
		pattern Pattern
	}{
		{"empty", Pattern{}},
		{"nil", nil},
		{"empty field", Pattern{"": {"x"}}},
		{"unknown field", Pattern{"account": {"123"}}},
		{"bare detail", Pattern{"detail.": {"x"}}},
		{"empty path segment", Pattern{"detail.a..b": {"x"}}},
		{"no values", Pattern{"type": {}}},
		{"empty value", Pattern{"type": {"TaskCreated", ""}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Compile(tt.pattern); !errors.Is(err, model.ErrInvalidPattern) {
				t.Fatalf("expected ErrInvalidPattern, got %v", err)
			}
		})
	}
}

func TestMatcherExactAndOneOf(t *testing.T) {
	matcher, err := Compile(Pattern{
		"source":          {model.SourceTaskManager},
		"type":            {model.EventTaskCreated},
		"detail.priority": {"high", "medium"},
	})
	if err != nil {
		t.Fatalf("Compile() error: %v", err)
	}

	tests := []struct {
		name  string
		event model.Event
		want  bool
	}{
		{"high", taskEvent(model.EventTaskCreated, model.JSONB{"priority": "high"}), true},
		{"medium", taskEvent(model.EventTaskCreated, model.JSONB{"priority": "medium"}), true},
		{"low", taskEvent(model.EventTaskCreated, model.JSONB{"priority": "low"}), false},
		{"missing field", taskEvent(model.EventTaskCreated, model.JSONB{"taskId": "t1"}), false},
		{"wrong type", taskEvent(model.EventTaskUpdated, model.JSONB{"priority": "high"}), false},
		{"wrong source", model.NewEvent("elsewhere", model.EventTaskCreated, model.JSONB{"priority": "high"}), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := matcher.Match(tt.event); got != tt.want {
				t.Fatalf("Match() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMatcherNestedDetail(t *testing.T) {
	matcher, err := Compile(Pattern{"detail.owner.team": {"ops"}})
	if err != nil {
		t.Fatalf("Compile() error: %v", err)
	}
	event := taskEvent(model.EventTaskCreated, model.JSONB{"owner": map[string]interface{}{"team": "ops"}})
	if !matcher.Match(event) {
		t.Fatalf("expected nested detail path to match")
	}
}

// A compiled pattern matches exactly the events satisfying every predicate, and the
// canonical pattern it reports compiles to an equivalent matcher.
func TestPatternRoundTrip(t *testing.T) {
	pattern := Pattern{
		"type":            {model.EventTaskCreated, model.EventTaskCreated},
		"detail.priority": {"medium", "high"},
		"detail.taskId":   {"t1"},
	}
	matcher, err := Compile(pattern)
	if err != nil {
		t.Fatalf("Compile() error: %v", err)
	}

	canonical := matcher.Pattern()
	want := Pattern{
		"type":            {model.EventTaskCreated},
		"detail.priority": {"high", "medium"},
		"detail.taskId":   {"t1"},
	}
	if !reflect.DeepEqual(canonical, want) {
		t.Fatalf("canonical pattern = %v, want %v", canonical, want)
	}

	recompiled, err := Compile(canonical)
	if err != nil {
		t.Fatalf("Compile(canonical) error: %v", err)
	}

	priorities := []interface{}{"high", "medium", "low", nil}
	types := []string{model.EventTaskCreated, model.EventTaskUpdated}
	taskIDs := []interface{}{"t1", "t2", nil}
	for _, eventType := range types {
		for _, priority := range priorities {
			for _, taskID := range taskIDs {
				detail := model.JSONB{}
				if priority != nil {
					detail["priority"] = priority
				}
				if taskID != nil {
					detail["taskId"] = taskID
				}
				event := taskEvent(eventType, detail)

				want := eventType == model.EventTaskCreated &&
					(priority == "high" || priority == "medium") &&
					taskID == "t1"
				if got := matcher.Match(event); got != want {
					t.Errorf("Match(%s, %v, %v) = %v, want %v", eventType, priority, taskID, got, want)
				}
				if recompiled.Match(event) != matcher.Match(event) {
					t.Errorf("recompiled matcher disagrees for %s, %v, %v", eventType, priority, taskID)
				}
			}
		}
	}
}
