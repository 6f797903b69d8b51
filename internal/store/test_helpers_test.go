package store

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/activitylog/internal/activity"
)

// createTestStore creates a new store in a temp dir with a fixed clock.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, WithClock(func() time.Time {
		return time.Date(2020, 5, 19, 10, 0, 0, 0, time.UTC)
	}))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestRecord creates a record with minimal required fields.
func createTestRecord(objectType string, objectID, version int64) activity.LogRecord {
	actor := int64(1)
	return activity.LogRecord{
		ObjectType: objectType,
		ObjectID:   objectID,
		ActorID:    &actor,
		ActorType:  activity.ActorAdmin,
		Action:     "updated",
		Version:    version,
		Changes:    json.RawMessage(`[]`),
	}
}
