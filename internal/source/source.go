// Package source reads the authoritative current state of tracked objects.
//
// A Router maps each snapshot-diff object type to the reader registered
// under the type's source capability name.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/activitylog/internal/activity"
)

// ErrNotFound is returned when the source has no object with the given id.
var ErrNotFound = errors.New("object not found")

// Reader returns the full current state of one object.
type Reader interface {
	Read(ctx context.Context, objectType string, objectID int64) (json.RawMessage, error)
}

// ReaderFunc adapts a function to Reader.
type ReaderFunc func(ctx context.Context, objectType string, objectID int64) (json.RawMessage, error)

// Read calls f.
func (f ReaderFunc) Read(ctx context.Context, objectType string, objectID int64) (json.RawMessage, error) {
	return f(ctx, objectType, objectID)
}

// Router dispatches reads by object type through a static table.
type Router struct {
	byType map[string]Reader
}

// NewRouter binds every snapshot-diff type of reg to the reader named by its
// Source. It fails when a capability has no reader.
func NewRouter(reg *activity.Registry, readers map[string]Reader) (*Router, error) {
	r := &Router{byType: map[string]Reader{}}
	for _, t := range reg.Types() {
		if t.Mode != activity.ModeSnapshotDiff {
			continue
		}
		rd, ok := readers[t.Source]
		if !ok {
			return nil, fmt.Errorf("source router: no reader for capability %q (type %s)", t.Source, t.ObjectType)
		}
		r.byType[t.ObjectType] = rd
	}
	return r, nil
}

// Read implements Reader.
func (r *Router) Read(ctx context.Context, objectType string, objectID int64) (json.RawMessage, error) {
	rd, ok := r.byType[objectType]
	if !ok {
		return nil, fmt.Errorf("source router: %w: %q", activity.ErrUnknownType, objectType)
	}
	return rd.Read(ctx, objectType, objectID)
}
