// Package patch computes and applies RFC 6902 JSON patches between object
// states, and builds the structural before/after diffs used by opaque types.
package patch

import (
	"bytes"
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/wI2L/jsondiff"

	"github.com/roach88/activitylog/internal/activity"
)

// Operation is one RFC 6902 operation.
type Operation struct {
	Op    string          `json:"op"`
	Path  string          `json:"path"`
	From  string          `json:"from,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

// MarshalJSON writes value for add, replace and test even when it is null,
// and never for remove, move or copy.
func (o Operation) MarshalJSON() ([]byte, error) {
	type wire struct {
		Op    string          `json:"op"`
		From  string          `json:"from,omitempty"`
		Path  string          `json:"path"`
		Value json.RawMessage `json:"value"`
	}
	type wireNoValue struct {
		Op   string `json:"op"`
		From string `json:"from,omitempty"`
		Path string `json:"path"`
	}
	switch o.Op {
	case "add", "replace", "test":
		v := o.Value
		if len(v) == 0 {
			v = json.RawMessage("null")
		}
		return json.Marshal(wire{Op: o.Op, From: o.From, Path: o.Path, Value: v})
	default:
		return json.Marshal(wireNoValue{Op: o.Op, From: o.From, Path: o.Path})
	}
}

// Patch is an ordered list of operations. The zero value encodes as [].
type Patch []Operation

// MarshalJSON encodes a nil patch as an empty array.
func (p Patch) MarshalJSON() ([]byte, error) {
	if p == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]Operation(p))
}

// Encode returns the stored form of p.
func (p Patch) Encode() (json.RawMessage, error) {
	return p.MarshalJSON()
}

// Decode parses a stored patch. null and empty input decode as an empty patch.
func Decode(raw json.RawMessage) (Patch, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return Patch{}, nil
	}
	var p Patch
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return nil, fmt.Errorf("decode patch: %w", err)
	}
	if p == nil {
		p = Patch{}
	}
	return p, nil
}

// Diff returns the patch that transforms prior into current.
// Equal documents yield an empty patch.
func Diff(prior, current json.RawMessage) (Patch, error) {
	src, err := activity.Canonical(prior)
	if err != nil {
		return nil, fmt.Errorf("diff prior: %w", err)
	}
	tgt, err := activity.Canonical(current)
	if err != nil {
		return nil, fmt.Errorf("diff current: %w", err)
	}
	ops, err := jsondiff.CompareJSON(src, tgt)
	if err != nil {
		return nil, fmt.Errorf("diff: %w", err)
	}
	if len(ops) == 0 {
		return Patch{}, nil
	}
	raw, err := json.Marshal(ops)
	if err != nil {
		return nil, fmt.Errorf("diff: encode: %w", err)
	}
	var p Patch
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("diff: decode: %w", err)
	}
	return p, nil
}

// Apply applies p to doc and returns the canonical result.
// A patch that does not apply (missing path, failed test) is an error.
func Apply(doc json.RawMessage, p Patch) (json.RawMessage, error) {
	if len(p) == 0 {
		return activity.Canonical(doc)
	}
	raw, err := p.Encode()
	if err != nil {
		return nil, err
	}
	return ApplyRaw(doc, raw)
}

// ApplyRaw applies a stored patch without decoding it into operations first.
func ApplyRaw(doc, rawPatch json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(rawPatch)
	if len(trimmed) == 0 || string(trimmed) == "null" || string(trimmed) == "[]" {
		return activity.Canonical(doc)
	}
	decoded, err := jsonpatch.DecodePatch(trimmed)
	if err != nil {
		return nil, fmt.Errorf("apply: decode: %w", err)
	}
	out, err := decoded.Apply(doc)
	if err != nil {
		return nil, fmt.Errorf("apply: %w", err)
	}
	return activity.Canonical(out)
}
