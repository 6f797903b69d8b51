package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/roach88/activitylog/internal/activity"
	"github.com/roach88/activitylog/internal/source"
)

// MapReader is an in-memory authoritative source for tests.
type MapReader struct {
	mu     sync.Mutex
	states map[activity.Key]json.RawMessage
	fail   int
	err    error
	calls  int
}

var _ source.Reader = (*MapReader)(nil)

// NewMapReader returns an empty reader.
func NewMapReader() *MapReader {
	return &MapReader{states: map[activity.Key]json.RawMessage{}}
}

// Set stores the current state of an object.
func (r *MapReader) Set(objectType string, objectID int64, state string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[activity.Key{ObjectType: objectType, ObjectID: objectID}] = json.RawMessage(state)
}

// FailNext makes the next n reads return err.
func (r *MapReader) FailNext(n int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail = n
	r.err = err
}

// Calls returns how many reads were made.
func (r *MapReader) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// Read implements source.Reader.
func (r *MapReader) Read(_ context.Context, objectType string, objectID int64) (json.RawMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.fail > 0 {
		r.fail--
		return nil, r.err
	}
	st, ok := r.states[activity.Key{ObjectType: objectType, ObjectID: objectID}]
	if !ok {
		return nil, fmt.Errorf("%s:%d: %w", objectType, objectID, source.ErrNotFound)
	}
	return st, nil
}
