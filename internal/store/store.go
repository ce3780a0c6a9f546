// Package store opens the configured calendar backend.
package store

import (
	"context"
	"fmt"

	"schedsync/internal/config"
	"schedsync/internal/model"
	"schedsync/internal/reconcile"
	"schedsync/internal/store/gcal"
	"schedsync/internal/store/icsfile"
	"schedsync/internal/store/sqlite"
)

// Store is a calendar backend held open for the duration of one run.
type Store interface {
	reconcile.CalendarStore
	Close() error
}

// RunRecorder is implemented by stores that keep a history of sync runs.
type RunRecorder interface {
	RecordRun(ctx context.Context, report *model.SyncReport) error
	// RecentRuns returns up to limit runs, newest first.
	RecentRuns(ctx context.Context, limit int) ([]model.RunSummary, error)
}

// Open returns the backend selected by cfg.Store.Kind.
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	var (
		s   Store
		err error
	)
	switch cfg.Store.Kind {
	case config.StoreGoogle:
		s, err = unwrap(gcal.Open(ctx, cfg.Store, cfg.Location()))
	case config.StoreICS:
		s, err = unwrap(icsfile.Open(cfg.Store.Path, cfg.Location(), cfg.Store.CalendarID))
	case config.StoreSQLite:
		s, err = unwrap(sqlite.Open(ctx, cfg.Store.Path))
	default:
		return nil, fmt.Errorf("unknown store kind %q", cfg.Store.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Kind, err)
	}
	return s, nil
}

// unwrap keeps a failed constructor's typed nil out of the interface.
func unwrap[S Store](s S, err error) (Store, error) {
	if err != nil {
		return nil, err
	}
	return s, nil
}
