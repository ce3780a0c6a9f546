// Package source scrapes schedule entries from the official schedule page.
package source

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"schedsync/internal/config"
	appLog "schedsync/internal/log"
	"schedsync/internal/model"
)

// Scraper fetches and parses the schedule page. It ignores the window; the
// reconciler discards entries that fall outside it.
type Scraper struct {
	url           string
	render        bool
	renderTimeout time.Duration
	fetcher       *Fetcher
	staleFallback bool
	keywordTimes  map[string]string
	exclude       []string
}

func New(cfg config.SourceConfig) *Scraper {
	return &Scraper{
		url:           cfg.URL,
		render:        cfg.Render,
		renderTimeout: cfg.Timeout,
		fetcher:       NewFetcher(cfg.CacheDir, cfg.Timeout, cfg.UserAgent),
		staleFallback: cfg.StaleFallback,
		keywordTimes:  cfg.KeywordTimes,
		exclude:       cfg.ExcludeKeywords,
	}
}

// ErrStale means the site was unreachable and only an old cached copy exists.
var ErrStale = errors.New("source unreachable, only a stale cached copy is available")

// Fetch returns the entries currently on the page. Any failure to obtain a
// fresh, parseable page is reported as model.ErrSourceUnavailable. A stale
// cached copy counts as a failure unless StaleFallback is enabled.
func (s *Scraper) Fetch(ctx context.Context, window model.SyncWindow) ([]model.RawEntry, error) {
	body, err := s.body(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrSourceUnavailable, err)
	}
	entries, err := Parse(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrSourceUnavailable, err)
	}

	out := s.apply(entries)
	appLog.Info("source entries parsed", "parsed", len(entries), "kept", len(out), "window", window.String())
	return out, nil
}

func (s *Scraper) body(ctx context.Context) ([]byte, error) {
	if s.render && !strings.HasPrefix(s.url, "file://") {
		return RenderHTML(ctx, s.url, s.renderTimeout)
	}
	res, err := s.fetcher.Fetch(ctx, s.url)
	if err != nil {
		return nil, err
	}
	if res.Stale {
		if !s.staleFallback {
			return nil, ErrStale
		}
		appLog.Warn("source unreachable, syncing from stale cache", "url", redactURL(s.url))
	}
	return res.Body, nil
}

// apply drops excluded entries and forces keyword start times.
func (s *Scraper) apply(entries []model.RawEntry) []model.RawEntry {
	keywords := make([]string, 0, len(s.keywordTimes))
	for k := range s.keywordTimes {
		keywords = append(keywords, k)
	}
	sort.Strings(keywords)

	out := entries[:0]
	for _, e := range entries {
		if kw := containsAny(e, s.exclude); kw != "" {
			appLog.Debug("entry excluded", "title", e.Title, "date", e.Date, "keyword", kw)
			continue
		}
		for _, kw := range keywords {
			if strings.Contains(e.Title, kw) || strings.Contains(e.Raw, kw) {
				e.StartTime = s.keywordTimes[kw]
				break
			}
		}
		out = append(out, e)
	}
	return out
}

func containsAny(e model.RawEntry, words []string) string {
	for _, w := range words {
		if w == "" {
			continue
		}
		if strings.Contains(e.Title, w) || strings.Contains(e.Raw, w) {
			return w
		}
		for _, t := range e.Tags {
			if strings.Contains(t.Text, w) {
				return w
			}
		}
	}
	return ""
}
