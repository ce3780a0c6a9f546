package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"schedsync/internal/config"
	appLog "schedsync/internal/log"
	"schedsync/internal/model"
	"schedsync/internal/rules"
)

// Status is what the daemon exposes to the status server.
type Status interface {
	// LastReport returns the most recent SyncReport, or nil before the first run.
	LastReport() *model.SyncReport
	Rules() *rules.Table
	// History returns recorded runs, newest first, or model.ErrNoHistory.
	History(ctx context.Context, limit int) ([]model.RunSummary, error)
	// Trigger starts a sync in the background. It reports false if a run is
	// already in progress.
	Trigger() bool
}

// Server provides the status API of the sync daemon. Everything is read-only
// except POST /api/sync, which starts a run.
type Server struct {
	cfg    *config.Config
	status Status
	mux    *http.ServeMux
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, status Status) *Server {
	s := &Server{
		cfg:    cfg,
		status: status,
		mux:    http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// 빈 사용자명 또는 비밀번호면 인증을 끈 것으로 본다.
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// /health 는 항상 무인증으로 노출한다.
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="schedsync", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Serve listens on cfg.Listen until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	appLog.Info("HTTP server stopped")
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/report", s.handleReport)
	s.mux.HandleFunc("GET /api/rules", s.handleRules)
	s.mux.HandleFunc("GET /api/runs", s.handleRuns)
	s.mux.HandleFunc("POST /api/sync", s.handleSync)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleReport(w http.ResponseWriter, _ *http.Request) {
	report := s.status.LastReport()
	if report == nil {
		writeError(w, http.StatusNotFound, "no sync has run yet")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleRules(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.status.Rules())
}

const (
	defaultRunsLimit = 20
	maxRunsLimit     = 500
)

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	// limit 생략 시 기본 20, 상한은 maxRunsLimit.
	limit := defaultRunsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxRunsLimit)
	}

	runs, err := s.status.History(r.Context(), limit)
	switch {
	case errors.Is(err, model.ErrNoHistory):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, model.ErrStoreUnavailable):
		appLog.Error("run history unavailable", err)
		writeError(w, http.StatusServiceUnavailable, "calendar store unavailable")
	case err != nil:
		appLog.Error("run history query failed", err)
		writeError(w, http.StatusInternalServerError, "failed to read run history")
	default:
		writeJSON(w, http.StatusOK, runs)
	}
}

func (s *Server) handleSync(w http.ResponseWriter, _ *http.Request) {
	if !s.status.Trigger() {
		writeError(w, http.StatusConflict, "a sync is already running")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
