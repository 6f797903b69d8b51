package patch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/roach88/activitylog/internal/activity"
)

// Change is the before/after pair of one top-level field.
type Change struct {
	Before json.RawMessage `json:"before"`
	After  json.RawMessage `json:"after"`
}

// Structural compares two JSON objects field by field and returns
// {field: {before, after}} for every top-level field whose value differs.
// A field missing on one side is reported as null on that side.
// Either input may be empty or null, meaning no fields.
func Structural(before, after json.RawMessage) (json.RawMessage, error) {
	b, err := decodeObject(before)
	if err != nil {
		return nil, fmt.Errorf("structural before: %w", err)
	}
	a, err := decodeObject(after)
	if err != nil {
		return nil, fmt.Errorf("structural after: %w", err)
	}

	keys := make(map[string]struct{}, len(b)+len(a))
	for k := range b {
		keys[k] = struct{}{}
	}
	for k := range a {
		keys[k] = struct{}{}
	}
	names := make([]string, 0, len(keys))
	for k := range keys {
		names = append(names, k)
	}
	sort.Strings(names)

	out := make(map[string]Change)
	for _, k := range names {
		bv, av := orNull(b[k]), orNull(a[k])
		bc, err := activity.Canonical(bv)
		if err != nil {
			return nil, fmt.Errorf("structural %q: %w", k, err)
		}
		ac, err := activity.Canonical(av)
		if err != nil {
			return nil, fmt.Errorf("structural %q: %w", k, err)
		}
		if bytes.Equal(bc, ac) {
			continue
		}
		out[k] = Change{Before: bc, After: ac}
	}
	return activity.MarshalCanonical(out)
}

func decodeObject(raw json.RawMessage) (map[string]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return map[string]json.RawMessage{}, nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func orNull(v json.RawMessage) json.RawMessage {
	if len(v) == 0 {
		return json.RawMessage("null")
	}
	return v
}
