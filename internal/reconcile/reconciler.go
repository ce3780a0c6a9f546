// Package reconcile applies classified schedule entries to a calendar store
// with a full-window replace: every existing event whose start falls in the
// window is deleted, then the freshly classified set is inserted.
//
// The store offers no stable key shared with the source, so incremental
// diffing is not possible; replace guarantees no stale leftovers and no
// duplicate build-up across runs. A run is idempotent up to remote id churn.
//
// Ordering: the delete phase (all batches, including failed ones) resolves
// before the first insert batch is dispatched. Within a phase, batches run on
// a bounded pool. Item and batch failures never abort the run; they are
// recorded in the SyncReport. Only an unavailable source (or a failed window
// listing) aborts, and it does so before any mutation.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"schedsync/internal/classify"
	"schedsync/internal/config"
	appLog "schedsync/internal/log"
	"schedsync/internal/model"
	"schedsync/internal/rules"
)

// CalendarStore is the narrow view of a calendar backend the reconciler needs.
// Batch calls return partial results; an error means the whole call failed
// (for example the store was unreachable) and every item is counted as failed.
type CalendarStore interface {
	List(ctx context.Context, window model.SyncWindow) ([]model.RemoteEvent, error)
	BatchDelete(ctx context.Context, ids []string) (model.BatchOutcome, error)
	BatchInsert(ctx context.Context, events []model.ClassifiedEvent) (model.BatchOutcome, error)
}

// EntrySource produces the raw entries for a window.
type EntrySource interface {
	Fetch(ctx context.Context, window model.SyncWindow) ([]model.RawEntry, error)
}

// DefaultBatchSize stays under typical calendar API per-request limits.
const DefaultBatchSize = 100

// Options tunes a Reconciler.
type Options struct {
	BatchSize    int
	Concurrency  int
	BatchTimeout time.Duration
	Classify     classify.Options
	// AbortOnInvalid aborts the run on the first ValidationError instead of
	// skipping the entry.
	AbortOnInvalid bool
	// AllowEmpty lets a run with zero classified events clear the window.
	AllowEmpty bool
}

func DefaultOptions() Options {
	return Options{
		BatchSize:    DefaultBatchSize,
		Concurrency:  2,
		BatchTimeout: 30 * time.Second,
		Classify:     classify.Options{Duration: classify.DefaultDuration},
	}
}

// OptionsFromConfig maps the sync section of the config.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		BatchSize:    cfg.Sync.BatchSize,
		Concurrency:  cfg.Sync.Concurrency,
		BatchTimeout: cfg.Sync.BatchTimeout,
		Classify: classify.Options{
			Location: cfg.Location(),
			Duration: cfg.Sync.EventDuration,
		},
		AbortOnInvalid: cfg.Sync.AbortOnInvalid,
		AllowEmpty:     cfg.Sync.AllowEmpty,
	}
}

// Reconciler runs one sync at a time against a store passed in per call.
type Reconciler struct {
	rules *rules.Table
	opts  Options
}

func NewReconciler(table *rules.Table, opts Options) *Reconciler {
	def := DefaultOptions()
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.BatchTimeout <= 0 {
		opts.BatchTimeout = def.BatchTimeout
	}
	return &Reconciler{rules: table, opts: opts}
}

// Run fetches entries from src and syncs them. A fetch failure aborts the
// run before anything in the store is touched.
func (r *Reconciler) Run(ctx context.Context, src EntrySource, window model.SyncWindow, store CalendarStore) (*model.SyncReport, error) {
	report := model.NewReport(window)
	appLog.Info("sync fetch start", "run_id", report.RunID, "window", window.String())

	entries, err := src.Fetch(ctx, window)
	if err != nil {
		if !errors.Is(err, model.ErrSourceUnavailable) {
			err = fmt.Errorf("%w: %w", model.ErrSourceUnavailable, err)
		}
		appLog.Error("sync aborted: source unavailable, calendar left untouched", err, "run_id", report.RunID)
		return r.abort(report, err)
	}
	return r.sync(ctx, report, entries, store)
}

// Sync classifies entries and replaces the window's contents in store.
func (r *Reconciler) Sync(ctx context.Context, entries []model.RawEntry, window model.SyncWindow, store CalendarStore) (*model.SyncReport, error) {
	return r.sync(ctx, model.NewReport(window), entries, store)
}

func (r *Reconciler) sync(ctx context.Context, report *model.SyncReport, entries []model.RawEntry, store CalendarStore) (*model.SyncReport, error) {
	window := report.Window
	runID := report.RunID

	events, err := r.prepare(report, entries)
	if err != nil {
		return r.abort(report, err)
	}
	if err := checkInside(events, window); err != nil {
		return r.abort(report, err)
	}

	if len(events) == 0 && !r.opts.AllowEmpty {
		report.SkippedReason = "no events classified for window; refusing to clear it"
		appLog.Warn("sync skipped", "run_id", runID, "reason", report.SkippedReason, "fetched", report.Fetched)
		return r.finish(report), nil
	}

	if ctx.Err() != nil {
		report.Cancelled = true
		report.Skipped = append(report.Skipped, insertSkips(events)...)
		return r.finish(report), nil
	}

	existing, err := r.list(ctx, store, window)
	if err != nil {
		return r.abort(report, fmt.Errorf("list window %s: %w", window, err))
	}
	report.Existing = len(existing)
	appLog.Info("sync window listed", "run_id", runID, "existing", len(existing), "new", len(events))

	// Delete phase. Must fully resolve before any insert is dispatched.
	delOut, delSkipped, cancelled := r.runPhase(ctx, runID, model.PhaseDelete, deleteBatches(store, existing, r.opts.BatchSize))
	report.Deletes = delOut
	report.Skipped = append(report.Skipped, delSkipped...)
	if cancelled {
		report.Cancelled = true
		report.Skipped = append(report.Skipped, insertSkips(events)...)
		appLog.Warn("sync cancelled during delete phase", "run_id", runID, "skipped", len(report.Skipped))
		return r.finish(report), nil
	}

	insOut, insSkipped, cancelled := r.runPhase(ctx, runID, model.PhaseInsert, insertBatches(store, events, r.opts.BatchSize))
	report.Inserts = insOut
	report.Skipped = append(report.Skipped, insSkipped...)
	report.Cancelled = cancelled

	return r.finish(report), nil
}

// Classify runs the classification step alone, for dry runs.
func (r *Reconciler) Classify(entries []model.RawEntry, window model.SyncWindow) ([]model.ClassifiedEvent, *model.SyncReport, error) {
	report := model.NewReport(window)
	events, err := r.prepare(report, entries)
	return events, report, err
}

// prepare classifies entries, dropping invalid ones (or aborting, per
// AbortOnInvalid) and those dated outside the window.
func (r *Reconciler) prepare(report *model.SyncReport, entries []model.RawEntry) ([]model.ClassifiedEvent, error) {
	report.Fetched = len(entries)
	events := make([]model.ClassifiedEvent, 0, len(entries))
	seen := make(map[string]bool, len(entries))

	for _, e := range entries {
		ev, err := classify.Classify(e, r.rules, r.opts.Classify)
		if err != nil {
			var verr *model.ValidationError
			if !errors.As(err, &verr) {
				return nil, err
			}
			report.Invalid = append(report.Invalid, model.InvalidEntry{Title: e.Title, Date: e.Date, Reason: err.Error()})
			if r.opts.AbortOnInvalid {
				appLog.Error("invalid entry, aborting run", err, "run_id", report.RunID)
				return nil, err
			}
			appLog.Warn("invalid entry skipped", "run_id", report.RunID, "title", e.Title, "date", e.Date, "reason", verr.Err)
			continue
		}
		if !report.Window.Contains(ev.Date) {
			report.Discarded++
			appLog.Debug("entry outside window discarded", "run_id", report.RunID, "title", ev.Title, "date", e.Date, "window", report.Window.String())
			continue
		}
		ev.RequestID = uniqueRequestID(seen, ev.RequestID)
		events = append(events, ev)
	}

	report.Classified = len(events)
	appLog.Info("entries classified",
		"run_id", report.RunID,
		"fetched", report.Fetched,
		"classified", report.Classified,
		"discarded", report.Discarded,
		"invalid", len(report.Invalid),
	)
	return events, nil
}

// uniqueRequestID keeps insert outcomes unambiguous when the page lists the
// same entry twice: later copies get a "#n" suffix.
func uniqueRequestID(seen map[string]bool, id string) string {
	out := id
	for n := 2; seen[out]; n++ {
		out = fmt.Sprintf("%s #%d", id, n)
	}
	seen[out] = true
	return out
}

func checkInside(events []model.ClassifiedEvent, window model.SyncWindow) error {
	for _, ev := range events {
		if !window.Contains(ev.Date) {
			return fmt.Errorf("%w: event %q on %s outside %s", model.ErrInvalidWindow, ev.Title, ev.Date.Format("2006-01-02"), window)
		}
	}
	return nil
}

func (r *Reconciler) list(ctx context.Context, store CalendarStore, window model.SyncWindow) ([]model.RemoteEvent, error) {
	lctx, cancel := context.WithTimeout(ctx, r.opts.BatchTimeout)
	defer cancel()

	listed, err := store.List(lctx, window)
	if err != nil {
		return nil, err
	}
	out := listed[:0:0]
	for _, ev := range listed {
		if window.Contains(ev.Start) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (r *Reconciler) abort(report *model.SyncReport, err error) (*model.SyncReport, error) {
	report.Error = err.Error()
	r.finish(report)
	return report, err
}

func (r *Reconciler) finish(report *model.SyncReport) *model.SyncReport {
	report.FinishedAt = time.Now()
	logReport(report)
	return report
}

func logReport(report *model.SyncReport) {
	kv := []any{
		"run_id", report.RunID,
		"window", report.Window.String(),
		"attempted", report.Attempted(),
		"succeeded", report.Succeeded(),
		"failed", report.Failed(),
		"skipped", len(report.Skipped),
		"invalid", len(report.Invalid),
		"cancelled", report.Cancelled,
		"elapsed", report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond),
	}
	if report.OK() {
		appLog.Info("sync finished", kv...)
		return
	}
	for _, f := range report.Failures() {
		appLog.Warn("sync item failed", "run_id", report.RunID, "id", f.ID, "title", f.Title, "reason", f.Err)
	}
	err := report.Err()
	if err == nil {
		err = errors.New(report.Error)
	}
	appLog.Error("sync finished with failures", err, kv...)
}
