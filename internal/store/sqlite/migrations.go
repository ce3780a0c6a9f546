package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

// schema holds forward-only schema steps. Step i brings the database to
// user_version i+1.
var schema = []string{
	`
CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	start_unix INTEGER NOT NULL,
	end_unix INTEGER NOT NULL CHECK(end_unix > start_unix),
	all_day INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS events_start_unix ON events(start_unix);
`,
	`
CREATE TABLE IF NOT EXISTS sync_runs (
	run_id TEXT PRIMARY KEY,
	window_start INTEGER NOT NULL,
	window_end INTEGER NOT NULL,
	attempted INTEGER NOT NULL,
	succeeded INTEGER NOT NULL,
	failed INTEGER NOT NULL,
	skipped INTEGER NOT NULL,
	cancelled INTEGER NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT '',
	started_at TEXT NOT NULL,
	finished_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS sync_runs_finished_at ON sync_runs(finished_at);
`,
}

// schemaVersion reads the version recorded in the database header.
func schemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

// migrate applies the pending schema steps, each in its own transaction
// together with the user_version bump. A database newer than this binary is
// refused.
func migrate(ctx context.Context, db *sql.DB) error {
	current, err := schemaVersion(ctx, db)
	if err != nil {
		return err
	}
	if current > len(schema) {
		return fmt.Errorf("schema version %d is newer than supported %d", current, len(schema))
	}

	for v := current + 1; v <= len(schema); v++ {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin schema step %d: %w", v, err)
		}
		if _, err := tx.ExecContext(ctx, schema[v-1]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("schema step %d: %w", v, err)
		}
		// PRAGMA takes no bind parameters.
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d`, v)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record schema step %d: %w", v, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit schema step %d: %w", v, err)
		}
	}
	return nil
}
