package store

import (
	"context"
	"path/filepath"
	"testing"

	"schedsync/internal/config"
)

func TestOpenLocalBackends(t *testing.T) {
	dir := t.TempDir()
	for _, kind := range []string{config.StoreICS, config.StoreSQLite} {
		cfg := config.DefaultConfig()
		cfg.Store.Kind = kind
		cfg.Store.Path = filepath.Join(dir, "schedule."+kind)

		s, err := Open(context.Background(), cfg)
		if err != nil {
			t.Fatalf("%s: open: %v", kind, err)
		}
		if err := s.Close(); err != nil {
			t.Fatalf("%s: close: %v", kind, err)
		}
	}
}

func TestOpenSQLiteRecordsRuns(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Store.Kind = config.StoreSQLite
	cfg.Store.Path = filepath.Join(t.TempDir(), "s.db")

	s, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if _, ok := s.(RunRecorder); !ok {
		t.Fatalf("sqlite store should record runs")
	}
}

func TestOpenUnknownKind(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Store.Kind = "caldav"
	if _, err := Open(context.Background(), cfg); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}
