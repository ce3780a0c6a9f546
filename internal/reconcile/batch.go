package reconcile

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	appLog "schedsync/internal/log"
	"schedsync/internal/model"
)

// batch is one bounded group of mutations plus what is needed to report on
// it if the call never returns a usable outcome.
type batch struct {
	ids    []string
	titles []string
	call   func(ctx context.Context) (model.BatchOutcome, error)
}

func chunks(n, size int) [][2]int {
	var out [][2]int
	for lo := 0; lo < n; lo += size {
		out = append(out, [2]int{lo, min(lo+size, n)})
	}
	return out
}

func deleteBatches(store CalendarStore, existing []model.RemoteEvent, size int) []batch {
	var out []batch
	for _, c := range chunks(len(existing), size) {
		part := existing[c[0]:c[1]]
		b := batch{}
		for _, ev := range part {
			b.ids = append(b.ids, ev.ID)
			b.titles = append(b.titles, ev.Title)
		}
		ids := b.ids
		b.call = func(ctx context.Context) (model.BatchOutcome, error) {
			return store.BatchDelete(ctx, ids)
		}
		out = append(out, b)
	}
	return out
}

func insertBatches(store CalendarStore, events []model.ClassifiedEvent, size int) []batch {
	var out []batch
	for _, c := range chunks(len(events), size) {
		part := events[c[0]:c[1]]
		b := batch{}
		for _, ev := range part {
			b.ids = append(b.ids, ev.RequestID)
			b.titles = append(b.titles, ev.Title)
		}
		b.call = func(ctx context.Context) (model.BatchOutcome, error) {
			return store.BatchInsert(ctx, part)
		}
		out = append(out, b)
	}
	return out
}

func insertSkips(events []model.ClassifiedEvent) []model.SkippedItem {
	out := make([]model.SkippedItem, 0, len(events))
	for _, ev := range events {
		out = append(out, model.SkippedItem{Phase: model.PhaseInsert, ID: ev.RequestID, Title: ev.Title})
	}
	return out
}

// runPhase dispatches batches on a pool of at most Concurrency workers and
// waits for every dispatched batch to resolve. Cancellation is checked
// between dispatches only; once cancelled, undispatched batches are returned
// as skipped.
func (r *Reconciler) runPhase(ctx context.Context, runID string, phase model.Phase, batches []batch) ([]model.BatchOutcome, []model.SkippedItem, bool) {
	outcomes := make([]model.BatchOutcome, len(batches))
	var skipped []model.SkippedItem
	cancelled := false
	dispatched := 0

	// The slot is taken before the cancellation check so a batch finishing
	// with a cancel is observed by the next dispatch.
	sem := make(chan struct{}, r.opts.Concurrency)
	var g errgroup.Group

	for i, b := range batches {
		sem <- struct{}{}
		if ctx.Err() != nil {
			<-sem
			cancelled = true
			for _, rest := range batches[i:] {
				for j, id := range rest.ids {
					skipped = append(skipped, model.SkippedItem{Phase: phase, ID: id, Title: rest.titles[j]})
				}
			}
			break
		}
		dispatched++
		i, b := i, b
		g.Go(func() error {
			defer func() { <-sem }()
			outcomes[i] = r.dispatch(ctx, runID, phase, i, b)
			return nil
		})
	}
	_ = g.Wait()

	if len(batches) > 0 {
		appLog.Info("sync phase resolved", "run_id", runID, "phase", phase, "batches", len(batches), "dispatched", dispatched, "cancelled", cancelled)
	}
	return outcomes[:dispatched], skipped, cancelled
}

// dispatch submits one batch under its own timeout. The run context's
// cancellation does not interrupt a batch already in flight.
func (r *Reconciler) dispatch(ctx context.Context, runID string, phase model.Phase, index int, b batch) model.BatchOutcome {
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.BatchTimeout)
	defer cancel()

	appLog.Debug("batch submit", "run_id", runID, "phase", phase, "batch", index, "size", len(b.ids))

	out, err := b.call(bctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("batch timed out after %s: %w", r.opts.BatchTimeout, err)
		}
		appLog.Error("batch failed", err, "run_id", runID, "phase", phase, "batch", index, "size", len(b.ids))
		return model.FailAll(phase, index, b.ids, b.titles, err)
	}

	out = reconcileOutcome(out, phase, index, b)
	if len(out.Failed) > 0 {
		appLog.Warn("batch partially failed", "run_id", runID, "phase", phase, "batch", index, "failed", len(out.Failed), "succeeded", len(out.Succeeded))
	} else {
		appLog.Debug("batch done", "run_id", runID, "phase", phase, "batch", index, "succeeded", len(out.Succeeded))
	}
	return out
}

// reconcileOutcome stamps phase/batch, fills failure titles, and counts any
// submitted item the store did not report on as failed.
func reconcileOutcome(out model.BatchOutcome, phase model.Phase, index int, b batch) model.BatchOutcome {
	out.Phase = phase
	out.Batch = index
	out.Attempted = len(b.ids)

	title := make(map[string]string, len(b.ids))
	for i, id := range b.ids {
		title[id] = b.titles[i]
	}
	seen := make(map[string]bool, len(b.ids))
	for _, id := range out.Succeeded {
		seen[id] = true
	}
	for i := range out.Failed {
		seen[out.Failed[i].ID] = true
		if out.Failed[i].Title == "" {
			out.Failed[i].Title = title[out.Failed[i].ID]
		}
	}
	for _, id := range b.ids {
		if !seen[id] {
			out.Failed = append(out.Failed, model.ItemFailure{ID: id, Title: title[id], Err: "store reported no result"})
			seen[id] = true
		}
	}
	return out
}
