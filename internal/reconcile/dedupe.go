package reconcile

import (
	"context"
	"fmt"

	appLog "schedsync/internal/log"
	"schedsync/internal/model"
)

// Dedupe deletes every copy but the first of events sharing a title and start
// time inside window. It repairs calendars left with duplicates by an
// interrupted run or by manual imports, using the same batched delete path as
// Sync.
func (r *Reconciler) Dedupe(ctx context.Context, store CalendarStore, window model.SyncWindow) (*model.SyncReport, error) {
	report := model.NewReport(window)

	existing, err := r.list(ctx, store, window)
	if err != nil {
		return r.abort(report, fmt.Errorf("list window %s: %w", window, err))
	}
	report.Existing = len(existing)

	dupes := Duplicates(existing)
	appLog.Info("dedupe scan", "run_id", report.RunID, "existing", len(existing), "duplicates", len(dupes))
	if len(dupes) == 0 {
		return r.finish(report), nil
	}

	out, skipped, cancelled := r.runPhase(ctx, report.RunID, model.PhaseDelete, deleteBatches(store, dupes, r.opts.BatchSize))
	report.Deletes = out
	report.Skipped = skipped
	report.Cancelled = cancelled
	return r.finish(report), nil
}

// Duplicates returns the events that repeat an earlier (title, start) pair,
// in list order.
func Duplicates(events []model.RemoteEvent) []model.RemoteEvent {
	type key struct {
		title string
		start int64
	}
	seen := make(map[key]bool, len(events))
	var out []model.RemoteEvent
	for _, ev := range events {
		k := key{title: ev.Title, start: ev.Start.Unix()}
		if seen[k] {
			out = append(out, ev)
			continue
		}
		seen[k] = true
	}
	return out
}
