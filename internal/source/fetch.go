package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	appLog "schedsync/internal/log"
)

// DefaultUserAgent mimics a desktop browser; the schedule site serves a
// reduced page to unknown agents.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

// FetchResult is the outcome of fetching the schedule page.
type FetchResult struct {
	Body      []byte
	FromCache bool // true if the cached body was reused (304 or fallback)
	// Stale is set when the site could not be reached and the body is the
	// last cached copy, of unknown age.
	Stale bool
}

// cacheEntry holds HTTP cache metadata for one URL.
type cacheEntry struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Fetcher downloads the schedule page with ETag / Last-Modified revalidation.
// When the site is unreachable the last cached body is returned marked Stale;
// callers decide whether a stale page may be used.
type Fetcher struct {
	client    *http.Client
	cacheDir  string
	userAgent string
}

// NewFetcher creates a Fetcher. An empty cacheDir disables the disk cache.
func NewFetcher(cacheDir string, timeout time.Duration, userAgent string) *Fetcher {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	return &Fetcher{
		client:    &http.Client{Timeout: timeout},
		cacheDir:  cacheDir,
		userAgent: userAgent,
	}
}

// Fetch returns the page body for rawURL. file:// URLs are read from disk.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (FetchResult, error) {
	if rawURL == "" {
		return FetchResult{}, errors.New("source URL is empty")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return FetchResult{}, fmt.Errorf("parse source URL: %w", err)
	}
	if u.Scheme == "file" {
		body, err := os.ReadFile(u.Path)
		if err != nil {
			return FetchResult{}, err
		}
		appLog.Info("source snapshot read", "path", u.Path, "bytes", len(body))
		return FetchResult{Body: body}, nil
	}

	var meta cacheEntry
	var cachedBody []byte
	cachePath := ""
	if f.cacheDir != "" {
		cachePath = f.cachePathForURL(rawURL)
		if err := os.MkdirAll(cachePath, 0o700); err != nil {
			return FetchResult{}, err
		}
		meta, _ = loadCacheMeta(cachePath)
		cachedBody, _ = os.ReadFile(filepath.Join(cachePath, "body.html"))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return FetchResult{}, err
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "ja,en-US;q=0.5")
	if meta.ETag != "" {
		req.Header.Set("If-None-Match", meta.ETag)
	}
	if meta.LastModified != "" {
		req.Header.Set("If-Modified-Since", meta.LastModified)
	}

	appLog.Info("source fetch start", "url", redactURL(rawURL))

	resp, err := f.client.Do(req)
	if err != nil {
		if len(cachedBody) > 0 {
			appLog.Error("source fetch network error, cached body available", err, "url", redactURL(rawURL), "cached_at", meta.UpdatedAt)
			return FetchResult{Body: cachedBody, FromCache: true, Stale: true}, nil
		}
		return FetchResult{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return FetchResult{}, err
		}
		if cachePath != "" {
			newMeta := cacheEntry{
				URL:          rawURL,
				ETag:         resp.Header.Get("ETag"),
				LastModified: resp.Header.Get("Last-Modified"),
			}
			if err := saveCache(cachePath, newMeta, body); err != nil {
				appLog.Error("source cache save failed", err, "url", redactURL(rawURL))
			}
		}
		appLog.Info("source fetch success", "url", redactURL(rawURL), "status", resp.StatusCode, "bytes", len(body))
		return FetchResult{Body: body}, nil

	case http.StatusNotModified:
		// 304 는 캐시가 최신이라는 확인이므로 stale 이 아니다.
		if len(cachedBody) == 0 {
			return FetchResult{}, errors.New("received 304 Not Modified but no cached body available")
		}
		appLog.Info("source not modified; using cache", "url", redactURL(rawURL))
		return FetchResult{Body: cachedBody, FromCache: true}, nil

	default:
		if len(cachedBody) > 0 {
			appLog.Error("source fetch non-OK, cached body available", errors.New(resp.Status), "url", redactURL(rawURL), "status", resp.StatusCode, "cached_at", meta.UpdatedAt)
			return FetchResult{Body: cachedBody, FromCache: true, Stale: true}, nil
		}
		return FetchResult{}, fmt.Errorf("fetch %s: %s", redactURL(rawURL), resp.Status)
	}
}

func (f *Fetcher) cachePathForURL(u string) string {
	sum := sha256.Sum256([]byte(u))
	return filepath.Join(f.cacheDir, hex.EncodeToString(sum[:8]))
}

func loadCacheMeta(cachePath string) (cacheEntry, error) {
	var meta cacheEntry
	data, err := os.ReadFile(filepath.Join(cachePath, "meta.json"))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return cacheEntry{}, err
	}
	return meta, nil
}

func saveCache(cachePath string, meta cacheEntry, body []byte) error {
	// body 를 먼저 쓴다. meta 가 없는 body 를 가리키면 안 됨.
	if err := os.WriteFile(filepath.Join(cachePath, "body.html"), body, 0o600); err != nil {
		return err
	}
	meta.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(cachePath, "meta.json"), data, 0o600)
}

// redactURL keeps scheme and host only, so tokens in paths or queries stay
// out of the logs.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "source://...(redacted)"
	}
	return u.Scheme + "://" + u.Host + "/...(redacted)"
}
