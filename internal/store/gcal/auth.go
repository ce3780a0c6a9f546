package gcal

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"schedsync/internal/config"
	appLog "schedsync/internal/log"
)

// ErrNoToken means an OAuth client credentials file was given but no user
// token has been authorized yet.
var ErrNoToken = errors.New("no OAuth token; run `schedsync auth` first")

// clientOptions builds API options from the credentials file. Service
// account keys are used directly; OAuth client secrets need a stored token.
func clientOptions(ctx context.Context, credentialsFile, tokenFile string) ([]option.ClientOption, error) {
	data, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}

	var kind struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(data, &kind)
	if kind.Type == "service_account" {
		creds, err := google.CredentialsFromJSON(ctx, data, calendar.CalendarScope)
		if err != nil {
			return nil, fmt.Errorf("service account credentials: %w", err)
		}
		return []option.ClientOption{option.WithCredentials(creds)}, nil
	}

	cfg, err := google.ConfigFromJSON(data, calendar.CalendarScope)
	if err != nil {
		return nil, fmt.Errorf("oauth client credentials: %w", err)
	}
	tok, err := loadToken(tokenFile)
	if err != nil {
		return nil, err
	}
	ts := &savingTokenSource{
		base: cfg.TokenSource(ctx, tok),
		path: tokenFile,
		last: tok.AccessToken,
	}
	return []option.ClientOption{option.WithTokenSource(oauth2.ReuseTokenSource(tok, ts))}, nil
}

func loadToken(path string) (*oauth2.Token, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoToken
	}
	if err != nil {
		return nil, fmt.Errorf("read token: %w", err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	return &tok, nil
}

func saveToken(path string, tok *oauth2.Token) error {
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return err
	}
	return config.WriteFileAtomic(path, data, ".schedsync-token-*.tmp")
}

// savingTokenSource writes refreshed tokens back to disk.
type savingTokenSource struct {
	base oauth2.TokenSource
	path string

	mu   sync.Mutex
	last string
}

func (s *savingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.AccessToken != s.last {
		s.last = tok.AccessToken
		if err := saveToken(s.path, tok); err != nil {
			appLog.Error("gcal: token save failed", err, "path", s.path)
		}
	}
	return tok, nil
}

// Authorize runs the installed-app OAuth flow: it prints the consent URL to
// out, reads the authorization code from in and stores the token.
func Authorize(ctx context.Context, credentialsFile, tokenFile string, in io.Reader, out io.Writer) error {
	data, err := os.ReadFile(credentialsFile)
	if err != nil {
		return fmt.Errorf("read credentials: %w", err)
	}
	cfg, err := google.ConfigFromJSON(data, calendar.CalendarScope)
	if err != nil {
		return fmt.Errorf("oauth client credentials: %w", err)
	}

	url := cfg.AuthCodeURL("schedsync", oauth2.AccessTypeOffline, oauth2.ApprovalForce)
	fmt.Fprintf(out, "Open this URL in a browser and paste the authorization code:\n\n%s\n\ncode: ", url)

	code, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read code: %w", err)
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return errors.New("empty authorization code")
	}

	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("exchange code: %w", err)
	}
	if err := saveToken(tokenFile, tok); err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	appLog.Info("gcal: token stored", "path", tokenFile)
	return nil
}
