package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/activitylog/internal/activity"
)

// Query returns one page of records matching f, ordered by id ascending.
// page is 1-based. Total counts every matching record.
func (s *Store) Query(ctx context.Context, f activity.Filter, page, perPage int) (activity.Page, error) {
	if page < 1 || perPage < 1 {
		return activity.Page{}, activity.Validationf("query", "page and per_page must be positive")
	}

	where, args := buildWhere(f)

	var total int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM activity_logs`+where, args...,
	).Scan(&total); err != nil {
		return activity.Page{}, fmt.Errorf("count activity logs: %w", err)
	}

	pageArgs := append(append([]any{}, args...), perPage, (page-1)*perPage)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM activity_logs`+where+` ORDER BY id ASC LIMIT ? OFFSET ?`,
		pageArgs...,
	)
	if err != nil {
		return activity.Page{}, fmt.Errorf("query activity logs: %w", err)
	}
	defer rows.Close()

	data, err := collect(rows)
	if err != nil {
		return activity.Page{}, err
	}

	return activity.Page{Data: data, Page: page, PerPage: perPage, Total: total}, nil
}

// buildWhere renders the filter as a WHERE clause with positional args.
func buildWhere(f activity.Filter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if f.Action != "" {
		clauses = append(clauses, "action = ?")
		args = append(args, f.Action)
	}
	if f.ObjectType != "" {
		clauses = append(clauses, "object_type = ?")
		args = append(args, f.ObjectType)
	}
	if f.ObjectID != nil {
		clauses = append(clauses, "object_id = ?")
		args = append(args, *f.ObjectID)
	}
	if f.ActorID != nil {
		clauses = append(clauses, "actor_id = ?")
		args = append(args, *f.ActorID)
	}
	if f.ActorType != "" {
		clauses = append(clauses, "actor_type = ?")
		args = append(args, f.ActorType)
	}
	if !f.CreatedFrom.IsZero() {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, toMicros(f.CreatedFrom))
	}
	if !f.CreatedTo.IsZero() {
		clauses = append(clauses, "created_at <= ?")
		args = append(args, toMicros(f.CreatedTo))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// LatestByKey returns the highest-version record of key.
// The bool is false when the key has no history.
func (s *Store) LatestByKey(ctx context.Context, key activity.Key) (activity.LogRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM activity_logs
		WHERE object_type = ? AND object_id = ?
		ORDER BY version DESC
		LIMIT 1
	`, key.ObjectType, key.ObjectID)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return activity.LogRecord{}, false, nil
	}
	if err != nil {
		return activity.LogRecord{}, false, fmt.Errorf("latest activity log: %w", err)
	}
	return rec, true, nil
}

// ListRecent returns the last limit records of key in ascending version order.
func (s *Store) ListRecent(ctx context.Context, key activity.Key, limit int) ([]activity.LogRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM (
			SELECT `+recordColumns+`
			FROM activity_logs
			WHERE object_type = ? AND object_id = ?
			ORDER BY version DESC
			LIMIT ?
		) ORDER BY version ASC
	`, key.ObjectType, key.ObjectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent activity logs: %w", err)
	}
	defer rows.Close()
	return collect(rows)
}

// ListSinceCheckpoint returns the most recent checkpoint of key and every
// later record, in ascending version order. Without a checkpoint it returns
// the whole history.
func (s *Store) ListSinceCheckpoint(ctx context.Context, key activity.Key) ([]activity.LogRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM activity_logs
		WHERE object_type = ? AND object_id = ?
		  AND version >= COALESCE((
			SELECT MAX(version) FROM activity_logs
			WHERE object_type = ? AND object_id = ? AND snapshot IS NOT NULL
		  ), 0)
		ORDER BY version ASC
	`, key.ObjectType, key.ObjectID, key.ObjectType, key.ObjectID)
	if err != nil {
		return nil, fmt.Errorf("list activity logs since checkpoint: %w", err)
	}
	defer rows.Close()
	return collect(rows)
}

// ListThrough is ListSinceCheckpoint as of version: the most recent
// checkpoint at or below version and every later record up to version.
func (s *Store) ListThrough(ctx context.Context, key activity.Key, version int64) ([]activity.LogRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM activity_logs
		WHERE object_type = ? AND object_id = ? AND version <= ?
		  AND version >= COALESCE((
			SELECT MAX(version) FROM activity_logs
			WHERE object_type = ? AND object_id = ? AND version <= ? AND snapshot IS NOT NULL
		  ), 0)
		ORDER BY version ASC
	`, key.ObjectType, key.ObjectID, version, key.ObjectType, key.ObjectID, version)
	if err != nil {
		return nil, fmt.Errorf("list activity logs through version: %w", err)
	}
	defer rows.Close()
	return collect(rows)
}

// ListAll returns the whole history of key in ascending version order.
func (s *Store) ListAll(ctx context.Context, key activity.Key) ([]activity.LogRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM activity_logs
		WHERE object_type = ? AND object_id = ?
		ORDER BY version ASC
	`, key.ObjectType, key.ObjectID)
	if err != nil {
		return nil, fmt.Errorf("list all activity logs: %w", err)
	}
	defer rows.Close()
	return collect(rows)
}

// collect drains rows. Returns an empty slice (not nil) when there are none.
func collect(rows *sql.Rows) ([]activity.LogRecord, error) {
	records := []activity.LogRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activity logs: %w", err)
	}
	return records, nil
}
