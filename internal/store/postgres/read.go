package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/roach88/activitylog/internal/activity"
)

const recordColumns = `id, object_type, object_id, actor_id, actor_type, action, version, note, changes, snapshot, created_at, updated_at`

// Query returns one page of records matching f, ordered by id.
func (s *Store) Query(ctx context.Context, f activity.Filter, page, perPage int) (activity.Page, error) {
	if page < 1 || perPage < 1 {
		return activity.Page{}, activity.Validationf("query", "page and per_page must be positive")
	}

	where, args := buildWhere(f)

	var total int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM activity_logs`+where, args...).Scan(&total); err != nil {
		return activity.Page{}, fmt.Errorf("count activity logs: %w", err)
	}

	n := len(args)
	pageArgs := append(append([]any{}, args...), perPage, (page-1)*perPage)
	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM activity_logs`+where+
			fmt.Sprintf(` ORDER BY id ASC LIMIT $%d OFFSET $%d`, n+1, n+2),
		pageArgs...,
	)
	if err != nil {
		return activity.Page{}, fmt.Errorf("query activity logs: %w", err)
	}
	data, err := collect(rows)
	if err != nil {
		return activity.Page{}, err
	}
	return activity.Page{Data: data, Page: page, PerPage: perPage, Total: total}, nil
}

// buildWhere renders the filter with $n placeholders.
func buildWhere(f activity.Filter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if f.ObjectType != "" {
		add("object_type = $%d", f.ObjectType)
	}
	if f.ObjectID != nil {
		add("object_id = $%d", *f.ObjectID)
	}
	if f.ActorID != nil {
		add("actor_id = $%d", *f.ActorID)
	}
	if f.ActorType != "" {
		add("actor_type = $%d", f.ActorType)
	}
	if !f.CreatedFrom.IsZero() {
		add("created_at >= $%d", f.CreatedFrom.UTC())
	}
	if !f.CreatedTo.IsZero() {
		add("created_at <= $%d", f.CreatedTo.UTC())
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// LatestByKey returns the highest-version record of key.
func (s *Store) LatestByKey(ctx context.Context, key activity.Key) (activity.LogRecord, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+recordColumns+`
		FROM activity_logs
		WHERE object_type = $1 AND object_id = $2
		ORDER BY version DESC
		LIMIT 1
	`, key.ObjectType, key.ObjectID)

	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return activity.LogRecord{}, false, nil
	}
	if err != nil {
		return activity.LogRecord{}, false, fmt.Errorf("latest activity log: %w", err)
	}
	return rec, true, nil
}

// ListRecent returns the last limit records of key in ascending version order.
func (s *Store) ListRecent(ctx context.Context, key activity.Key, limit int) ([]activity.LogRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+recordColumns+` FROM (
			SELECT `+recordColumns+`
			FROM activity_logs
			WHERE object_type = $1 AND object_id = $2
			ORDER BY version DESC
			LIMIT $3
		) recent ORDER BY version ASC
	`, key.ObjectType, key.ObjectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent activity logs: %w", err)
	}
	return collect(rows)
}

// ListSinceCheckpoint returns the most recent checkpoint of key and every
// later record, in ascending version order.
func (s *Store) ListSinceCheckpoint(ctx context.Context, key activity.Key) ([]activity.LogRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+recordColumns+`
		FROM activity_logs
		WHERE object_type = $1 AND object_id = $2
		  AND version >= COALESCE((
			SELECT MAX(version) FROM activity_logs
			WHERE object_type = $1 AND object_id = $2 AND snapshot IS NOT NULL
		  ), 0)
		ORDER BY version ASC
	`, key.ObjectType, key.ObjectID)
	if err != nil {
		return nil, fmt.Errorf("list activity logs since checkpoint: %w", err)
	}
	return collect(rows)
}

// ListThrough is ListSinceCheckpoint as of version.
func (s *Store) ListThrough(ctx context.Context, key activity.Key, version int64) ([]activity.LogRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+recordColumns+`
		FROM activity_logs
		WHERE object_type = $1 AND object_id = $2 AND version <= $3
		  AND version >= COALESCE((
			SELECT MAX(version) FROM activity_logs
			WHERE object_type = $1 AND object_id = $2 AND version <= $3 AND snapshot IS NOT NULL
		  ), 0)
		ORDER BY version ASC
	`, key.ObjectType, key.ObjectID, version)
	if err != nil {
		return nil, fmt.Errorf("list activity logs through version: %w", err)
	}
	return collect(rows)
}

// ListAll returns the whole history of key in ascending version order.
func (s *Store) ListAll(ctx context.Context, key activity.Key) ([]activity.LogRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+recordColumns+`
		FROM activity_logs
		WHERE object_type = $1 AND object_id = $2
		ORDER BY version ASC
	`, key.ObjectType, key.ObjectID)
	if err != nil {
		return nil, fmt.Errorf("list all activity logs: %w", err)
	}
	return collect(rows)
}

func scanRecord(row pgx.Row) (activity.LogRecord, error) {
	var (
		rec       activity.LogRecord
		changes   []byte
		snapshot  []byte
		createdAt time.Time
		updatedAt time.Time
	)
	err := row.Scan(
		&rec.ID,
		&rec.ObjectType,
		&rec.ObjectID,
		&rec.ActorID,
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
		return activity.LogRecord{}, err
	}
	rec.Changes = json.RawMessage(changes)
	if snapshot != nil {
		canonical, err := activity.Canonical(snapshot)
		if err != nil {
			return activity.LogRecord{}, fmt.Errorf("scan snapshot: %w", err)
		}
		rec.Snapshot = canonical
	}
	rec.CreatedAt = createdAt.UTC()
	rec.UpdatedAt = updatedAt.UTC()
	return rec, nil
}

// collect drains and closes rows. Returns an empty slice (not nil) when
// there are none.
func collect(rows pgx.Rows) ([]activity.LogRecord, error) {
	defer rows.Close()
	records := []activity.LogRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan activity log: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activity logs: %w", err)
	}
	return records, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return string(raw)
}

func changesJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return json.RawMessage(`[]`)
	}
	return raw
}
