package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadCreatesDefaultConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Sync.BatchSize != 100 || cfg.Sync.EventDuration != 30*time.Minute {
		t.Fatalf("unexpected defaults: %+v", cfg.Sync)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("config perms = %v, want 0600", info.Mode().Perm())
	}
}

func TestLoadRoundTripKeepsRuleOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := DefaultConfig()
	cfg.Rules.ChannelMarkers = []RuleConfig{
		{Pattern: "b", Emoji: "2"},
		{Pattern: "a", Emoji: "1", URL: "https://example.com/a"},
	}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got.Rules.ChannelMarkers) != 2 || got.Rules.ChannelMarkers[0].Pattern != "b" {
		t.Fatalf("rule order not preserved: %+v", got.Rules.ChannelMarkers)
	}
	if got.Rules.ChannelMarkers[1].URL != "https://example.com/a" {
		t.Fatalf("url lost: %+v", got.Rules.ChannelMarkers[1])
	}
	if got.Sync.BatchTimeout != 30*time.Second {
		t.Fatalf("duration round trip = %v", got.Sync.BatchTimeout)
	}
}

func TestLoadNormalizesPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "timezone: UTC\nsync:\n  batch_size: 10\n  event_duration: 45m\nstore:\n  kind: SQLite\n  path: ./cal.db\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Sync.BatchSize != 10 || cfg.Sync.EventDuration != 45*time.Minute {
		t.Fatalf("explicit values lost: %+v", cfg.Sync)
	}
	if cfg.Sync.Concurrency != 2 || cfg.RefreshCron == "" {
		t.Fatalf("defaults not filled: %+v", cfg)
	}
	if cfg.Store.Kind != StoreSQLite {
		t.Fatalf("store kind = %q", cfg.Store.Kind)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidateRejectsSampleCalendarAndMisplacedURL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Store.CredentialsFile = filepath.Join(t.TempDir(), "missing.json")
	cfg.Rules.Categories = append(cfg.Rules.Categories, RuleConfig{Pattern: "x", Emoji: "y", URL: "https://example.com"})
	cfg.Rules.SpecialKeywords = append(cfg.Rules.SpecialKeywords, RuleConfig{Pattern: " ", Emoji: "z"})

	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation errors")
	}
	msg := err.Error()
	for _, want := range []string{"sample value", "credentials_file", "only allowed on channel_markers", "empty pattern"} {
		if !strings.Contains(msg, want) {
			t.Errorf("missing %q in %q", want, msg)
		}
	}
}
