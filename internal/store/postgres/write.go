package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/activitylog/internal/activity"
	"github.com/roach88/activitylog/internal/store"
)

// Append inserts rec. A (object_type, object_id, version) collision is a
// constraint_violation activity error.
func (s *Store) Append(ctx context.Context, rec activity.LogRecord) (activity.LogRecord, error) {
	if err := store.ValidateRecord(rec); err != nil {
		return activity.LogRecord{}, err
	}

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	rec.CreatedAt = rec.CreatedAt.UTC().Truncate(time.Microsecond)
	rec.UpdatedAt = rec.CreatedAt
	rec.Changes = changesJSON(rec.Changes)

	err := s.pool.QueryRow(ctx, `
		INSERT INTO activity_logs
		(object_type, object_id, actor_id, actor_type, action, version, note, changes, snapshot, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id
	`,
		rec.ObjectType,
		rec.ObjectID,
		rec.ActorID,
		rec.ActorType,
		rec.Action,
		rec.Version,
		rec.Note,
		string(rec.Changes),
		nullableJSON(rec.Snapshot),
		rec.CreatedAt,
		rec.UpdatedAt,
	).Scan(&rec.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return activity.LogRecord{}, activity.NewConstraintViolation(rec.Key(), rec.Version, err)
		}
		return activity.LogRecord{}, fmt.Errorf("append activity log: %w", err)
	}
	if !rec.IsCheckpoint() {
		rec.Snapshot = nil
	}
	return rec, nil
}
