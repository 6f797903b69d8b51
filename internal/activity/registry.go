package activity

import (
	"errors"
	"fmt"
	"sort"
)

// Mode selects how an object type's history is recorded.
type Mode string

const (
	// ModeSnapshotDiff stores forward JSON patches against an authoritative
	// source, with a full snapshot every CheckpointInterval versions.
	ModeSnapshotDiff Mode = "snapshot-diff"

	// ModeOpaquePayload stores the event-supplied change set verbatim.
	ModeOpaquePayload Mode = "opaque-payload"
)

// DefaultCheckpointInterval is used when a tracked type omits its interval.
const DefaultCheckpointInterval = 10

// ErrUnknownType is returned by Registry.Lookup for untracked object types.
var ErrUnknownType = errors.New("untracked object type")

// TrackedType configures one object type.
type TrackedType struct {
	ObjectType         string `json:"object_type"`
	Mode               Mode   `json:"mode"`
	CheckpointInterval int64  `json:"checkpoint_interval"`

	// Source names the reader capability for snapshot-diff types.
	Source string `json:"source,omitempty"`

	// ObjectIDField names the field of payload.object holding the id when
	// the event has no object_id. Defaults to "id".
	ObjectIDField string `json:"object_id_field,omitempty"`
}

// IsCheckpoint reports whether version must carry a snapshot.
func (t TrackedType) IsCheckpoint(version int64) bool {
	return t.Mode == ModeSnapshotDiff && version > 0 && version%t.CheckpointInterval == 0
}

// Registry is the immutable set of tracked types.
type Registry struct {
	types map[string]TrackedType
}

// NewRegistry validates the types and applies defaults.
func NewRegistry(types ...TrackedType) (*Registry, error) {
	r := &Registry{types: make(map[string]TrackedType, len(types))}
	for _, t := range types {
		if t.ObjectType == "" {
			return nil, fmt.Errorf("registry: object type is required")
		}
		if _, dup := r.types[t.ObjectType]; dup {
			return nil, fmt.Errorf("registry: duplicate object type %q", t.ObjectType)
		}
		switch t.Mode {
		case ModeSnapshotDiff:
			if t.Source == "" {
				return nil, fmt.Errorf("registry: %s: snapshot-diff requires a source", t.ObjectType)
			}
		case ModeOpaquePayload:
		default:
			return nil, fmt.Errorf("registry: %s: unknown mode %q", t.ObjectType, t.Mode)
		}
		if t.CheckpointInterval == 0 {
			t.CheckpointInterval = DefaultCheckpointInterval
		}
		if t.CheckpointInterval < 0 {
			return nil, fmt.Errorf("registry: %s: checkpoint interval must be positive", t.ObjectType)
		}
		if t.ObjectIDField == "" {
			t.ObjectIDField = "id"
		}
		r.types[t.ObjectType] = t
	}
	return r, nil
}

// Lookup returns the tracked type for objectType.
func (r *Registry) Lookup(objectType string) (TrackedType, error) {
	t, ok := r.types[objectType]
	if !ok {
		return TrackedType{}, fmt.Errorf("%w: %q", ErrUnknownType, objectType)
	}
	return t, nil
}

// Types returns all tracked types sorted by name.
func (r *Registry) Types() []TrackedType {
	out := make([]TrackedType, 0, len(r.types))
	for _, t := range r.types {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ObjectType < out[j].ObjectType })
	return out
}

// DefaultRegistry returns the built-in tracked types.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(
		TrackedType{ObjectType: "property", Mode: ModeSnapshotDiff, Source: "admin-property.showFullLog"},
		TrackedType{ObjectType: "calendar", Mode: ModeOpaquePayload, ObjectIDField: "accommodation_id"},
		TrackedType{ObjectType: "booking", Mode: ModeOpaquePayload},
		TrackedType{ObjectType: "payment", Mode: ModeOpaquePayload},
	)
	if err != nil {
		panic(err)
	}
	return r
}
