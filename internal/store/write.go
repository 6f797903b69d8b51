package store

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/activitylog/internal/activity"
)

// Append inserts rec and returns it with ID and timestamps filled in.
//
// A record whose (object_type, object_id, version) already exists is rejected
// with an activity error of kind constraint_violation. rec.ID is ignored.
func (s *Store) Append(ctx context.Context, rec activity.LogRecord) (activity.LogRecord, error) {
	if err := ValidateRecord(rec); err != nil {
		return activity.LogRecord{}, err
	}

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	rec.CreatedAt = rec.CreatedAt.UTC().Truncate(time.Microsecond)
	rec.UpdatedAt = rec.CreatedAt
	rec.Changes = []byte(changesText(rec.Changes))

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO activity_logs
		(object_type, object_id, actor_id, actor_type, action, version, note, changes, snapshot, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ObjectType,
		rec.ObjectID,
		nullableInt(rec.ActorID),
		rec.ActorType,
		rec.Action,
		rec.Version,
		rec.Note,
		string(rec.Changes),
		nullableJSON(rec.Snapshot),
		toMicros(rec.CreatedAt),
		toMicros(rec.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return activity.LogRecord{}, activity.NewConstraintViolation(rec.Key(), rec.Version, err)
		}
		return activity.LogRecord{}, fmt.Errorf("append activity log: %w", err)
	}

	rec.ID, err = result.LastInsertId()
	if err != nil {
		return activity.LogRecord{}, fmt.Errorf("append activity log: last insert id: %w", err)
	}
	if !rec.IsCheckpoint() {
		rec.Snapshot = nil
	}
	return rec, nil
}

// ValidateRecord checks the fields every stored record must carry.
func ValidateRecord(rec activity.LogRecord) error {
	switch {
	case rec.ObjectType == "":
		return activity.Validationf("append", "object_type is required")
	case rec.ObjectID <= 0:
		return activity.Validationf("append", "object_id must be positive")
	case rec.Action == "":
		return activity.Validationf("append", "action is required")
	case rec.Version <= 0:
		return activity.Validationf("append", "version must be positive")
	case !activity.ValidActorTypes[rec.ActorType]:
		return activity.Validationf("append", "unknown actor_type %q", rec.ActorType)
	}
	return nil
}
