// Package store persists client update state: the committed version marker in a small
// SQLite database and the bundle files in the data directory.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const (
	// VersionKey holds the last committed version
	VersionKey = "hotupdate_version"
	// PreviousVersionKey holds the version that was replaced by the last commit
	PreviousVersionKey = "hotupdate_previous_version"
)

// ErrNoRollback means there is no preserved bundle to go back to
var ErrNoRollback = errors.New("no previous bundle to roll back to")

// Store wraps the state database and the file layout
type Store struct {
	db     *sql.DB
	layout Layout
	logger *zap.SugaredLogger
}

// Open creates dir if needed and opens the state database inside it
func Open(dir string, logger *zap.SugaredLogger) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	layout := Layout{Dir: dir}

	db, err := sql.Open("sqlite", layout.Database()+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, layout: layout, logger: logger}
	if s.logger == nil {
		s.logger = zap.NewNop().Sugar()
	}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS update_runs (
		id TEXT PRIMARY KEY,
		from_version TEXT NOT NULL,
		to_version TEXT NOT NULL,
		path TEXT NOT NULL,
		outcome TEXT NOT NULL,
		error TEXT,
		started_at INTEGER NOT NULL,
		finished_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_update_runs_started ON update_runs(started_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Layout() Layout {
	return s.layout
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getSetting(ctx context.Context, q execer, key string) (string, bool, error) {
	var value string
	err := q.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func setSetting(ctx context.Context, q execer, key, value string) error {
	_, err := q.ExecContext(ctx, `
		INSERT OR REPLACE INTO settings (key, value, updated_at)
		VALUES (?, ?, ?)`, key, value, time.Now().UnixMilli())
	return err
}

func deleteSetting(ctx context.Context, q execer, key string) error {
	_, err := q.ExecContext(ctx, "DELETE FROM settings WHERE key = ?", key)
	return err
}

// Get returns the value stored under key
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	return getSetting(ctx, s.db, key)
}

// Set stores value under key
func (s *Store) Set(ctx context.Context, key, value string) error {
	return setSetting(ctx, s.db, key, value)
}

// Version returns the committed version, or "" before the first update
func (s *Store) Version(ctx context.Context) (string, error) {
	v, _, err := s.Get(ctx, VersionKey)
	return v, err
}

// PreviousVersion returns the version a rollback would restore
func (s *Store) PreviousVersion(ctx context.Context) (string, error) {
	v, _, err := s.Get(ctx, PreviousVersionKey)
	return v, err
}

// Commit makes tempPath the canonical bundle and version the committed marker.
// The marker change is staged in a transaction that is only committed after the
// rename succeeded. The bundle being replaced is kept as the rollback copy by
// linking it, so the canonical path always holds a complete bundle and the swap
// itself is a single rename.
func (s *Store) Commit(ctx context.Context, version, tempPath string) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	current, _, err := getSetting(ctx, tx, VersionKey)
	if err != nil {
		return err
	}
	if err = setSetting(ctx, tx, VersionKey, version); err != nil {
		return err
	}

	bundle, prev := s.layout.Bundle(), s.layout.PreviousBundle()
	hadBundle := exists(bundle)
	if hadBundle {
		if err = setSetting(ctx, tx, PreviousVersionKey, current); err != nil {
			return err
		}
		if err = preserve(bundle, prev); err != nil {
			return fmt.Errorf("preserve previous bundle: %w", err)
		}
	}

	if err = os.Rename(tempPath, bundle); err != nil {
		if hadBundle {
			s.removePrevious()
		}
		return fmt.Errorf("replace bundle: %w", err)
	}

	if err = tx.Commit(); err != nil {
		// put back the bundle the marker still describes
		if hadBundle {
			if rerr := os.Rename(prev, bundle); rerr != nil {
				s.logger.Errorf("Failed to restore previous bundle after commit error: %v", rerr)
			}
		} else if rerr := os.Rename(bundle, tempPath); rerr != nil {
			s.logger.Errorf("Failed to move new bundle aside after commit error: %v", rerr)
		}
		return fmt.Errorf("commit version marker: %w", err)
	}

	s.logger.Infof("Committed version %s (previous %q)", version, current)
	return nil
}

// preserve makes prev a copy of bundle without touching bundle. A hard link is
// tried first, a byte copy when the file system refuses links.
func preserve(bundle, prev string) error {
	if err := os.Remove(prev); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.Link(bundle, prev); err == nil {
		return nil
	}
	return copyFile(bundle, prev)
}

func copyFile(src, dest string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(dest)
		}
	}()
	if _, err = io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

func (s *Store) removePrevious() {
	if err := os.Remove(s.layout.PreviousBundle()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warnf("Failed to remove rollback copy: %v", err)
	}
}

// Rollback restores the bundle and marker replaced by the last commit and returns
// the restored version.
func (s *Store) Rollback(ctx context.Context) (version string, err error) {
	prev, bundle := s.layout.PreviousBundle(), s.layout.Bundle()
	if !exists(prev) {
		return "", ErrNoRollback
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	version, ok, err := getSetting(ctx, tx, PreviousVersionKey)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrNoRollback
	}
	if version == "" {
		err = deleteSetting(ctx, tx, VersionKey)
	} else {
		err = setSetting(ctx, tx, VersionKey, version)
	}
	if err != nil {
		return "", err
	}
	if err = deleteSetting(ctx, tx, PreviousVersionKey); err != nil {
		return "", err
	}

	if err = os.Rename(prev, bundle); err != nil {
		return "", fmt.Errorf("restore previous bundle: %w", err)
	}
	if err = tx.Commit(); err != nil {
		if rerr := os.Rename(bundle, prev); rerr != nil {
			s.logger.Errorf("Failed to move bundle back after rollback commit error: %v", rerr)
		}
		return "", err
	}

	s.logger.Infof("Rolled back to version %q", version)
	return version, nil
}
