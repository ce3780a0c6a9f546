// Package sqlite is a calendar store backed by a local SQLite database. It
// also keeps a history of sync runs.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"schedsync/internal/model"
)

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlite store: path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite: %w", model.ErrStoreUnavailable, err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: ping sqlite: %w", model.ErrStoreUnavailable, err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		db.Close()
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) List(ctx context.Context, window model.SyncWindow) ([]model.RemoteEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, title, start_unix, end_unix
FROM events
WHERE start_unix >= ? AND start_unix < ?
ORDER BY start_unix ASC, id ASC`, window.Start.Unix(), window.End.Unix())
	if err != nil {
		return nil, fmt.Errorf("%w: list events: %w", model.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	loc := window.Start.Location()
	out := make([]model.RemoteEvent, 0)
	for rows.Next() {
		var ev model.RemoteEvent
		var start, end int64
		if err := rows.Scan(&ev.ID, &ev.Title, &start, &end); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Start = time.Unix(start, 0).In(loc)
		ev.End = time.Unix(end, 0).In(loc)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter events: %w", err)
	}
	return out, nil
}

// BatchDelete deletes each id with its own statement. Missing rows count as
// deleted.
func (s *Store) BatchDelete(ctx context.Context, ids []string) (model.BatchOutcome, error) {
	var out model.BatchOutcome
	for i, id := range ids {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, id); err != nil {
			if i == 0 && ctx.Err() != nil {
				return out, fmt.Errorf("%w: %w", model.ErrStoreUnavailable, err)
			}
			out.Failed = append(out.Failed, model.ItemFailure{ID: id, Err: err.Error()})
			continue
		}
		out.Succeeded = append(out.Succeeded, id)
	}
	return out, nil
}

func (s *Store) BatchInsert(ctx context.Context, events []model.ClassifiedEvent) (model.BatchOutcome, error) {
	var out model.BatchOutcome
	now := ts(time.Now())
	for i, ev := range events {
		_, err := s.db.ExecContext(ctx, `
INSERT INTO events(id, title, description, start_unix, end_unix, all_day, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), ev.Title, ev.Description, ev.Start.Unix(), ev.End.Unix(), boolToInt(ev.AllDay), now)
		if err != nil {
			if i == 0 && ctx.Err() != nil {
				return out, fmt.Errorf("%w: %w", model.ErrStoreUnavailable, err)
			}
			out.Failed = append(out.Failed, model.ItemFailure{ID: ev.RequestID, Title: ev.Title, Err: err.Error()})
			continue
		}
		out.Succeeded = append(out.Succeeded, ev.RequestID)
	}
	return out, nil
}

// RecordRun appends a run summary to the sync history.
func (s *Store) RecordRun(ctx context.Context, report *model.SyncReport) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sync_runs(run_id, window_start, window_end, attempted, succeeded, failed, skipped, cancelled, error, started_at, finished_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(run_id) DO NOTHING`,
		report.RunID, report.Window.Start.Unix(), report.Window.End.Unix(),
		report.Attempted(), report.Succeeded(), report.Failed(), len(report.Skipped),
		boolToInt(report.Cancelled), report.Error, ts(report.StartedAt), ts(report.FinishedAt))
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}

// RecentRuns returns up to limit recorded runs, newest first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]model.RunSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT run_id, window_start, window_end, attempted, succeeded, failed, skipped, cancelled, error, started_at, finished_at
FROM sync_runs
ORDER BY finished_at DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	out := make([]model.RunSummary, 0)
	for rows.Next() {
		var (
			r                 model.RunSummary
			winStart, winEnd  int64
			cancelled         int
			started, finished string
		)
		if err := rows.Scan(&r.RunID, &winStart, &winEnd, &r.Attempted, &r.Succeeded, &r.Failed, &r.Skipped, &cancelled, &r.Error, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.WindowStart = time.Unix(winStart, 0).UTC()
		r.WindowEnd = time.Unix(winEnd, 0).UTC()
		r.Cancelled = cancelled != 0
		if r.StartedAt, err = parseTS(started); err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		if r.FinishedAt, err = parseTS(finished); err != nil {
			return nil, fmt.Errorf("parse finished_at: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter runs: %w", err)
	}
	return out, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

// tsLayout is fixed width so stored timestamps sort as text.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

func ts(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
