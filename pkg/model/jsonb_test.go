package model

import (
	"encoding/json"
	"testing"
)

func TestJSONBValueAndScan(t *testing.T) {
	original := JSONB{"taskId": "task-1", "count": 2}

	value, err := original.Value()
	if err != nil {
		t.Fatalf("Value() error: %v", err)
	}

	data, ok := value.(string)
	if !ok {
		t.Fatalf("expected string value, got %T", value)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal([]byte(data), &decoded); err != nil {
		t.Fatalf("unmarshal value error: %v", err)
	}

	if decoded["taskId"] != "task-1" {
		t.Fatalf("expected taskId task-1, got %v", decoded["taskId"])
	}

	var scanned JSONB
	if err := scanned.Scan([]byte(data)); err != nil {
		t.Fatalf("Scan() error: %v", err)
	}

	if scanned["taskId"] != "task-1" {
		t.Fatalf("expected scanned taskId task-1, got %v", scanned["taskId"])
	}
}

func TestJSONBGormDataType(t *testing.T) {
	value := JSONB{"ok": true}
	if value.GormDataType() != "jsonb" {
		t.Fatalf("expected jsonb data type, got %q", value.GormDataType())
	}
}

func TestJSONBFlatten(t *testing.T) {
	detail := JSONB{
		"taskId":   "task-1",
		"priority": "high",
		"attempt":  float64(3),
		"urgent":   true,
		"owner":    map[string]interface{}{"team": "ops"},
		"tags":     []interface{}{"a", "b"},
		"missing":  nil,
	}

	fields := detail.Flatten("detail")

	want := map[string]string{
		"detail.taskId":     "task-1",
		"detail.priority":   "high",
		"detail.attempt":    "3",
		"detail.urgent":     "true",
		"detail.owner.team": "ops",
	}
	if len(fields) != len(want) {
		t.Fatalf("expected %d fields, got %d: %v", len(want), len(fields), fields)
	}
	for key, value := range want {
		if fields[key] != value {
			t.Errorf("field %s: expected %q, got %q", key, value, fields[key])
		}
	}
}

func TestJSONBCloneIsDeep(t *testing.T) {
	original := JSONB{"owner": map[string]interface{}{"team": "ops"}}
	clone := original.Clone()

	clone["owner"].(map[string]interface{})["team"] = "dev"

	if original["owner"].(map[string]interface{})["team"] != "ops" {
		t.Fatalf("mutating clone changed original: %v", original)
	}
}
