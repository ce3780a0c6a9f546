package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// NOTE: Load creates a default config file with 0600 permissions on first run,
// the same way the web UI edits are persisted by Save.

// Store kinds.
const (
	StoreGoogle = "google"
	StoreICS    = "ics"
	StoreSQLite = "sqlite"
)

// SourceConfig describes where schedule entries are scraped from.
type SourceConfig struct {
	// URL is the schedule page. file:// URLs read a saved snapshot.
	URL string `yaml:"url" json:"url"`
	// Render loads the page in headless Chromium before parsing.
	Render bool `yaml:"render" json:"render"`
	// CacheDir stores the last good body for ETag revalidation.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`
	// StaleFallback syncs from the cached body when the site is down. Off by
	// default: an outage then aborts the run and the calendar is left as is.
	StaleFallback bool `yaml:"stale_fallback" json:"stale_fallback"`
	// 요청 타임아웃 (render 포함)
	Timeout   time.Duration `yaml:"timeout" json:"timeout"`
	UserAgent string        `yaml:"user_agent" json:"user_agent"`
	// KeywordTimes forces a start time ("HH:MM") when the keyword appears in an entry.
	KeywordTimes map[string]string `yaml:"keyword_times" json:"keyword_times"`
	// ExcludeKeywords drops entries containing any of these words.
	ExcludeKeywords []string `yaml:"exclude_keywords" json:"exclude_keywords"`
}

// WindowConfig controls which date range a run replaces.
type WindowConfig struct {
	BackfillDays int  `yaml:"backfill_days" json:"backfill_days"`
	HorizonDays  int  `yaml:"horizon_days" json:"horizon_days"`
	AlignMonths  bool `yaml:"align_months" json:"align_months"`
}

// SyncConfig tunes the reconciler.
type SyncConfig struct {
	BatchSize     int           `yaml:"batch_size" json:"batch_size"`
	Concurrency   int           `yaml:"concurrency" json:"concurrency"`
	BatchTimeout  time.Duration `yaml:"batch_timeout" json:"batch_timeout"`
	EventDuration time.Duration `yaml:"event_duration" json:"event_duration"`
	// AbortOnInvalid aborts the run on the first unclassifiable entry
	// instead of skipping it.
	AbortOnInvalid bool `yaml:"abort_on_invalid" json:"abort_on_invalid"`
	// AllowEmpty lets a run with zero events clear the window.
	AllowEmpty bool `yaml:"allow_empty" json:"allow_empty"`
}

// StoreConfig selects and configures the calendar backend.
type StoreConfig struct {
	Kind            string `yaml:"kind" json:"kind"`
	CalendarID      string `yaml:"calendar_id" json:"calendar_id"`
	CredentialsFile string `yaml:"credentials_file" json:"credentials_file"`
	TokenFile       string `yaml:"token_file" json:"token_file"`
	// Path is the .ics or SQLite file for local backends.
	Path string `yaml:"path" json:"path"`
}

// RuleConfig is one (pattern, emoji, url) tuple. URL is only honored on
// channel markers.
type RuleConfig struct {
	Pattern string `yaml:"pattern" json:"pattern"`
	Emoji   string `yaml:"emoji" json:"emoji"`
	URL     string `yaml:"url,omitempty" json:"url,omitempty"`
}

// RulesConfig holds the three tiers in priority order. Order within a list
// is significant.
type RulesConfig struct {
	SpecialKeywords []RuleConfig `yaml:"special_keywords" json:"special_keywords"`
	ChannelMarkers  []RuleConfig `yaml:"channel_markers" json:"channel_markers"`
	Categories      []RuleConfig `yaml:"categories" json:"categories"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the status server.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Timezone is the IANA zone entries are interpreted in (e.g. "Asia/Tokyo").
	Timezone string `yaml:"timezone" json:"timezone"`

	// RefreshCron is a cron spec for the daemon (e.g. "0 */6 * * *").
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// Listen is the status server address used by `run`.
	Listen string `yaml:"listen" json:"listen"`

	LogLevel string `yaml:"log_level" json:"log_level"`

	Source SourceConfig `yaml:"source" json:"source"`
	Window WindowConfig `yaml:"window" json:"window"`
	Sync   SyncConfig   `yaml:"sync" json:"sync"`
	Store  StoreConfig  `yaml:"store" json:"store"`
	Rules  RulesConfig  `yaml:"rules" json:"rules"`

	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

const (
	defaultTimezone   = "Asia/Tokyo"
	defaultRefresh    = "0 */6 * * *"
	defaultListen     = "127.0.0.1:8080"
	defaultSourceURL  = "https://aikatsu-academy.com/schedule/"
	defaultCacheDir   = "./var/source-cache"
	defaultUserAgent  = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
	defaultBatchSize  = 100
	defaultHorizon    = 30
	defaultConcurrent = 2
)

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Timezone:    defaultTimezone,
		RefreshCron: defaultRefresh,
		Listen:      defaultListen,
		LogLevel:    "info",
		Source: SourceConfig{
			URL:             defaultSourceURL,
			CacheDir:        defaultCacheDir,
			Timeout:         15 * time.Second,
			UserAgent:       defaultUserAgent,
			KeywordTimes:    map[string]string{"デミカツ通信": "20:00"},
			ExcludeKeywords: []string{"祝日"},
		},
		Window: WindowConfig{
			BackfillDays: 0,
			HorizonDays:  defaultHorizon,
			AlignMonths:  true,
		},
		Sync: SyncConfig{
			BatchSize:     defaultBatchSize,
			Concurrency:   defaultConcurrent,
			BatchTimeout:  30 * time.Second,
			EventDuration: 30 * time.Minute,
		},
		Store: StoreConfig{
			Kind:            StoreGoogle,
			CalendarID:      "your_calendar_id@group.calendar.google.com",
			CredentialsFile: "credentials.json",
			TokenFile:       "token.json",
		},
		Rules: DefaultRules(),
	}
}

// DefaultRules is the starter rule table written on first run.
func DefaultRules() RulesConfig {
	return RulesConfig{
		SpecialKeywords: []RuleConfig{
			{Pattern: "デミカツ通信", Emoji: "📰"},
			{Pattern: "誕生日", Emoji: "🎂"},
		},
		ChannelMarkers: []RuleConfig{
			{Pattern: "みえる個人配信", Emoji: "🩷", URL: "https://www.youtube.com/@HimeminoMieru"},
			{Pattern: "メエ個人配信", Emoji: "💙", URL: "https://www.youtube.com/@SuzukaMee"},
			{Pattern: "パリン個人配信", Emoji: "💛", URL: "https://www.youtube.com/@PalinMonet"},
			{Pattern: "たいむ個人配信", Emoji: "💜", URL: "https://www.youtube.com/@TaimuRinne"},
			{Pattern: "配信部", Emoji: "📺", URL: "https://www.youtube.com/@aikatsu_academy"},
		},
		Categories: []RuleConfig{
			{Pattern: "配信", Emoji: "📺"},
			{Pattern: "グッズ", Emoji: "🛍️"},
			{Pattern: "イベント", Emoji: "🎪"},
			{Pattern: "メディア", Emoji: "📡"},
		},
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}
	if c.RefreshCron == "" {
		c.RefreshCron = defaultRefresh
	}
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	if c.Source.URL == "" {
		c.Source.URL = defaultSourceURL
	}
	if c.Source.CacheDir == "" {
		c.Source.CacheDir = defaultCacheDir
	}
	if c.Source.Timeout <= 0 {
		c.Source.Timeout = 15 * time.Second
	}
	if c.Source.UserAgent == "" {
		c.Source.UserAgent = defaultUserAgent
	}
	if c.Source.KeywordTimes == nil {
		c.Source.KeywordTimes = map[string]string{}
	}

	if c.Window.BackfillDays < 0 {
		c.Window.BackfillDays = 0
	}
	if c.Window.HorizonDays <= 0 {
		c.Window.HorizonDays = defaultHorizon
	}

	if c.Sync.BatchSize <= 0 {
		c.Sync.BatchSize = defaultBatchSize
	}
	if c.Sync.Concurrency <= 0 {
		c.Sync.Concurrency = defaultConcurrent
	}
	if c.Sync.BatchTimeout <= 0 {
		c.Sync.BatchTimeout = 30 * time.Second
	}
	if c.Sync.EventDuration <= 0 {
		c.Sync.EventDuration = 30 * time.Minute
	}

	c.Store.Kind = strings.ToLower(strings.TrimSpace(c.Store.Kind))
	if c.Store.Kind == "" {
		c.Store.Kind = StoreGoogle
	}
}

// Location resolves Timezone, falling back to time.Local.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// Validate catches settings that would make a sync run fail or misbehave.
func (c *Config) Validate() error {
	var errs []error

	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone %q: %w", c.Timezone, err))
	}
	if _, err := cron.ParseStandard(c.RefreshCron); err != nil {
		errs = append(errs, fmt.Errorf("refresh %q: %w", c.RefreshCron, err))
	}
	for kw, hm := range c.Source.KeywordTimes {
		if _, err := time.Parse("15:04", hm); err != nil {
			errs = append(errs, fmt.Errorf("source.keyword_times[%s]=%q: want HH:MM", kw, hm))
		}
	}

	switch c.Store.Kind {
	case StoreGoogle:
		id := c.Store.CalendarID
		switch {
		case id == "" || id == "your_calendar_id@group.calendar.google.com":
			errs = append(errs, errors.New("store.calendar_id is still the sample value"))
		case !strings.Contains(id, "@"):
			errs = append(errs, fmt.Errorf("store.calendar_id %q: want xxxxx@group.calendar.google.com", id))
		}
		if _, err := os.Stat(c.Store.CredentialsFile); err != nil {
			errs = append(errs, fmt.Errorf("store.credentials_file: %w", err))
		}
	case StoreICS, StoreSQLite:
		if c.Store.Path == "" {
			errs = append(errs, fmt.Errorf("store.path is required for %s store", c.Store.Kind))
		}
	default:
		errs = append(errs, fmt.Errorf("store.kind %q: want google, ics or sqlite", c.Store.Kind))
	}

	errs = append(errs, validateTier("special_keywords", c.Rules.SpecialKeywords, false)...)
	errs = append(errs, validateTier("channel_markers", c.Rules.ChannelMarkers, true)...)
	errs = append(errs, validateTier("categories", c.Rules.Categories, false)...)

	return errors.Join(errs...)
}

func validateTier(name string, rules []RuleConfig, urlAllowed bool) []error {
	var errs []error
	for i, r := range rules {
		if strings.TrimSpace(r.Pattern) == "" {
			errs = append(errs, fmt.Errorf("rules.%s[%d]: empty pattern", name, i))
		}
		if r.URL != "" && !urlAllowed {
			errs = append(errs, fmt.Errorf("rules.%s[%d]: url is only allowed on channel_markers", name, i))
		}
	}
	return errs
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, data, ".schedsync-config-*.tmp")
}

// WriteFileAtomic writes data next to path and renames it into place with
// 0600 permissions. It is shared by the config and the .ics store.
func WriteFileAtomic(path string, data []byte, pattern string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
