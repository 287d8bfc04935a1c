package store

import (
	"context"
	"database/sql"
	"time"
)

// RunRecord is one finished update run
type RunRecord struct {
	ID          string
	FromVersion string
	ToVersion   string
	Path        string
	Outcome     string
	Error       string
	StartedAt   time.Time
	FinishedAt  time.Time
}

// RecordRun appends a run to the history
func (s *Store) RecordRun(ctx context.Context, r RunRecord) error {
	var errText sql.NullString
	if r.Error != "" {
		errText = sql.NullString{String: r.Error, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO update_runs (id, from_version, to_version, path, outcome, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.FromVersion, r.ToVersion, r.Path, r.Outcome, errText,
		r.StartedAt.UnixMilli(), r.FinishedAt.UnixMilli())
	return err
}

// Runs returns the most recent runs, newest first
func (s *Store) Runs(ctx context.Context, limit int) ([]RunRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, from_version, to_version, path, outcome, error, started_at, finished_at
		FROM update_runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		var r RunRecord
		var errText sql.NullString
		var started, finished int64
		if err := rows.Scan(&r.ID, &r.FromVersion, &r.ToVersion, &r.Path, &r.Outcome, &errText, &started, &finished); err != nil {
			return nil, err
		}
		r.Error = errText.String
		r.StartedAt = time.UnixMilli(started)
		r.FinishedAt = time.UnixMilli(finished)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
