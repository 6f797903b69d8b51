package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/activitylog/internal/activity"
)

// toMicros converts a timestamp to its stored INTEGER form.
func toMicros(t time.Time) int64 {
	return t.UTC().UnixMicro()
}

// fromMicros converts a stored INTEGER timestamp back to UTC.
func fromMicros(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}

// nullableJSON maps an absent or null document to SQL NULL.
func nullableJSON(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 || string(raw) == "null" {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

// changesText returns the stored form of changes. Absent changes are stored as [].
func changesText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return "[]"
	}
	return string(raw)
}

func nullableInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

// isUniqueViolation reports whether err is a SQLite UNIQUE constraint failure.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

const recordColumns = `id, object_type, object_id, actor_id, actor_type, action, version, note, changes, snapshot, created_at, updated_at`

func scanRecord(row scanner) (activity.LogRecord, error) {
	var (
		rec       activity.LogRecord
		actorID   sql.NullInt64
		changes   string
		snapshot  sql.NullString
		createdAt int64
		updatedAt int64
	)
	err := row.Scan(
		&rec.ID,
		&rec.ObjectType,
		&rec.ObjectID,
		&actorID,
		&rec.ActorType,
		&rec.Action,
		&rec.Version,
		&rec.Note,
		&changes,
		&snapshot,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return activity.LogRecord{}, fmt.Errorf("scan activity log: %w", err)
	}
	if actorID.Valid {
		id := actorID.Int64
		rec.ActorID = &id
	}
	rec.Changes = json.RawMessage(changes)
	if snapshot.Valid {
		rec.Snapshot = json.RawMessage(snapshot.String)
	}
	rec.CreatedAt = fromMicros(createdAt)
	rec.UpdatedAt = fromMicros(updatedAt)
	return rec, nil
}
