// Package app wires the entry source, rule table, reconciler and calendar
// store into the operations exposed by the command line.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"schedsync/internal/config"
	appLog "schedsync/internal/log"
	"schedsync/internal/model"
	"schedsync/internal/reconcile"
	"schedsync/internal/rules"
	"schedsync/internal/source"
	"schedsync/internal/store"
)

// StoreOpener opens the calendar backend for one run.
type StoreOpener func(ctx context.Context) (store.Store, error)

// Option customizes an App.
type Option func(*App)

// WithSource replaces the configured scraper.
func WithSource(src reconcile.EntrySource) Option {
	return func(a *App) { a.src = src }
}

// WithStoreOpener replaces the configured backend.
func WithStoreOpener(open StoreOpener) Option {
	return func(a *App) { a.openStore = open }
}

// WithClock sets the time source used to pick the sync window.
func WithClock(now func() time.Time) Option {
	return func(a *App) { a.now = now }
}

type App struct {
	cfg       *config.Config
	rules     *rules.Table
	rec       *reconcile.Reconciler
	src       reconcile.EntrySource
	openStore StoreOpener
	now       func() time.Time

	// runMu serializes runs; Trigger uses TryLock to refuse overlap.
	runMu   sync.Mutex
	baseCtx context.Context

	mu   sync.RWMutex
	last *model.SyncReport
}

// New builds an App from a validated config.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	table, err := rules.FromConfig(cfg.Rules)
	if err != nil {
		return nil, fmt.Errorf("rules: %w", err)
	}
	a := &App{
		cfg:     cfg,
		rules:   table,
		rec:     reconcile.NewReconciler(table, reconcile.OptionsFromConfig(cfg)),
		src:     source.New(cfg.Source),
		now:     time.Now,
		baseCtx: context.Background(),
	}
	a.openStore = func(ctx context.Context) (store.Store, error) {
		return store.Open(ctx, cfg)
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Window is the range the next run replaces.
func (a *App) Window() (model.SyncWindow, error) {
	w := a.cfg.Window
	return model.WindowFor(a.now(), a.cfg.Location(), w.BackfillDays, w.HorizonDays, w.AlignMonths)
}

// Sync runs one fetch-classify-reconcile cycle. The store is opened for the
// run and closed when it ends. The returned report is never nil.
func (a *App) Sync(ctx context.Context) (*model.SyncReport, error) {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.syncLocked(ctx)
}

func (a *App) syncLocked(ctx context.Context) (*model.SyncReport, error) {
	window, err := a.Window()
	if err != nil {
		return a.failed(model.SyncWindow{}, err)
	}

	st, err := a.openStore(ctx)
	if err != nil {
		appLog.Error("calendar store unavailable; run skipped", err, "kind", a.cfg.Store.Kind)
		if !errors.Is(err, model.ErrStoreUnavailable) {
			err = fmt.Errorf("%w: %w", model.ErrStoreUnavailable, err)
		}
		return a.failed(window, err)
	}
	defer func() {
		if cerr := st.Close(); cerr != nil {
			appLog.Error("calendar store close failed", cerr, "kind", a.cfg.Store.Kind)
		}
	}()

	report, err := a.rec.Run(ctx, a.src, window, st)
	a.record(ctx, st, report)
	return report, err
}

// Dedupe removes duplicate events from the current window.
func (a *App) Dedupe(ctx context.Context) (*model.SyncReport, error) {
	a.runMu.Lock()
	defer a.runMu.Unlock()

	window, err := a.Window()
	if err != nil {
		return a.failed(model.SyncWindow{}, err)
	}
	st, err := a.openStore(ctx)
	if err != nil {
		return a.failed(window, fmt.Errorf("%w: %w", model.ErrStoreUnavailable, err))
	}
	defer st.Close()

	report, err := a.rec.Dedupe(ctx, st, window)
	a.record(ctx, st, report)
	return report, err
}

// Scrape fetches and classifies without touching any store.
func (a *App) Scrape(ctx context.Context) ([]model.ClassifiedEvent, *model.SyncReport, error) {
	window, err := a.Window()
	if err != nil {
		return nil, nil, err
	}
	entries, err := a.src.Fetch(ctx, window)
	if err != nil {
		return nil, nil, err
	}
	return a.rec.Classify(entries, window)
}

func (a *App) failed(window model.SyncWindow, err error) (*model.SyncReport, error) {
	report := model.NewReport(window)
	report.Error = err.Error()
	report.FinishedAt = time.Now()
	a.setLast(report)
	return report, err
}

func (a *App) record(ctx context.Context, st store.Store, report *model.SyncReport) {
	if report == nil {
		return
	}
	a.setLast(report)
	if rr, ok := st.(store.RunRecorder); ok {
		if err := rr.RecordRun(context.WithoutCancel(ctx), report); err != nil {
			appLog.Warn("sync history not recorded", "run_id", report.RunID, "reason", err)
		}
	}
}

func (a *App) setLast(report *model.SyncReport) {
	a.mu.Lock()
	a.last = report
	a.mu.Unlock()
}

// LastReport returns the report of the most recent run, if any.
func (a *App) LastReport() *model.SyncReport {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.last
}

// History returns up to limit recorded runs, newest first. Stores without a
// run history return model.ErrNoHistory.
func (a *App) History(ctx context.Context, limit int) ([]model.RunSummary, error) {
	st, err := a.openStore(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrStoreUnavailable, err)
	}
	defer st.Close()

	rr, ok := st.(store.RunRecorder)
	if !ok {
		return nil, fmt.Errorf("%w (store kind %q)", model.ErrNoHistory, a.cfg.Store.Kind)
	}
	return rr.RecentRuns(ctx, limit)
}

func (a *App) Rules() *rules.Table {
	return a.rules
}

// Trigger starts a sync in the background unless one is already running.
func (a *App) Trigger() bool {
	if !a.runMu.TryLock() {
		return false
	}
	go func() {
		defer a.runMu.Unlock()
		if _, err := a.syncLocked(a.baseCtx); err != nil {
			appLog.Error("triggered sync failed", err)
		}
	}()
	return true
}
