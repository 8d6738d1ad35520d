package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Fields is a schema-less key/value payload. It models free-form entity
// attributes and the row-shaped data carried by queued operations.
type Fields map[string]any

// Clone returns a shallow copy of f.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// String returns the string value stored under key, or "".
func (f Fields) String(key string) string {
	if f == nil {
		return ""
	}
	s, _ := f[key].(string)
	return s
}

// ID returns the "id" entry of a row-shaped payload.
func (f Fields) ID() string {
	return f.String("id")
}

// StringSlice returns the []string stored under key. Values decoded from
// JSON arrive as []any and are converted element by element.
func (f Fields) StringSlice(key string) []string {
	switch v := f[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// ToFields converts an entity into its row-shaped representation.
func ToFields(v any) (Fields, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal entity: %w", err)
	}
	var out Fields
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("unmarshal entity fields: %w", err)
	}
	return out, nil
}

// FromFields decodes a row-shaped payload into an entity value.
func FromFields[T any](f Fields) (T, error) {
	var out T
	raw, err := json.Marshal(f)
	if err != nil {
		return out, fmt.Errorf("marshal fields: %w", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode entity: %w", err)
	}
	return out, nil
}

// mergePatch shallow-merges patch over the row form of entity and stamps
// updated_at with now. The id key is never overwritten by a patch.
func mergePatch[T any](entity T, patch Fields, now time.Time) (T, error) {
	row, err := ToFields(entity)
	if err != nil {
		var zero T
		return zero, err
	}
	for k, v := range patch {
		if k == "id" {
			continue
		}
		row[k] = v
	}
	row["updated_at"] = now.UTC().Format(time.RFC3339Nano)
	return FromFields[T](row)
}
