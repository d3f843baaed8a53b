package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// JSONB is a free-form JSON object used for task payloads and event details.
type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	data, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	var bytes []byte
	switch typed := value.(type) {
	case []byte:
		bytes = typed
	case string:
		bytes = []byte(typed)
	default:
		return fmt.Errorf("failed to scan JSONB: %v", value)
	}
	return json.Unmarshal(bytes, j)
}

func (j JSONB) GormDataType() string {
	return "jsonb"
}

// Clone returns a deep copy. Nested maps and slices are copied so the clone can be
// handed to other goroutines.
func (j JSONB) Clone() JSONB {
	if j == nil {
		return nil
	}
	out := make(JSONB, len(j))
	for key, value := range j {
		out[key] = cloneValue(value)
	}
	return out
}

// String returns the value at key rendered as a string, and whether it exists.
func (j JSONB) String(key string) (string, bool) {
	value, ok := j[key]
	if !ok || value == nil {
		return "", false
	}
	return scalarString(value)
}

// Flatten renders every scalar leaf as a string keyed by its dotted path. Slices are
// skipped; they have no single value to compare against.
func (j JSONB) Flatten(prefix string) map[string]string {
	out := make(map[string]string)
	flattenInto(out, prefix, map[string]interface{}(j))
	return out
}

// Keys returns the top-level keys in sorted order.
func (j JSONB) Keys() []string {
	keys := make([]string, 0, len(j))
	for key := range j {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func flattenInto(out map[string]string, prefix string, value interface{}) {
	switch typed := value.(type) {
	case map[string]interface{}:
		for key, nested := range typed {
			flattenInto(out, joinPath(prefix, key), nested)
		}
	case JSONB:
		flattenInto(out, prefix, map[string]interface{}(typed))
	case []interface{}, []string:
	default:
		if s, ok := scalarString(typed); ok {
			out[prefix] = s
		}
	}
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

func scalarString(value interface{}) (string, bool) {
	switch typed := value.(type) {
	case nil:
		return "", false
	case string:
		return typed, true
	case bool:
		return strconv.FormatBool(typed), true
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(typed), 'f', -1, 32), true
	case int:
		return strconv.Itoa(typed), true
	case int64:
		return strconv.FormatInt(typed, 10), true
	case int32:
		return strconv.FormatInt(int64(typed), 10), true
	case json.Number:
		return typed.String(), true
	case fmt.Stringer:
		return typed.String(), true
	default:
		return "", false
	}
}

func cloneValue(value interface{}) interface{} {
	switch typed := value.(type) {
	case map[string]interface{}:
		return map[string]interface{}(JSONB(typed).Clone())
	case JSONB:
		return typed.Clone()
	case []interface{}:
		out := make([]interface{}, len(typed))
		for i, item := range typed {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		out := make([]string, len(typed))
		copy(out, typed)
		return out
	default:
		return typed
	}
}
