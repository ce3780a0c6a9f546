package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"schedsync/internal/classify"
	"schedsync/internal/model"
	"schedsync/internal/rules"
)

var jst = time.FixedZone("JST", 9*3600)

// memStore is an in-memory CalendarStore that records call order.
type memStore struct {
	mu     sync.Mutex
	events map[string]model.RemoteEvent
	nextID int
	log    []string

	failInsertBatch func([]model.ClassifiedEvent) error
	failDeleteIDs   map[string]bool
	onDelete        func()
	blockInsert     bool
}

func newMemStore() *memStore {
	return &memStore{events: map[string]model.RemoteEvent{}}
}

func (s *memStore) record(entry string) {
	s.mu.Lock()
	s.log = append(s.log, entry)
	s.mu.Unlock()
}

func (s *memStore) seed(title string, start time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := fmt.Sprintf("ev-%d", s.nextID)
	s.events[id] = model.RemoteEvent{ID: id, Title: title, Start: start, End: start.Add(30 * time.Minute)}
	return id
}

func (s *memStore) List(_ context.Context, window model.SyncWindow) ([]model.RemoteEvent, error) {
	s.record("list")
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.RemoteEvent
	for _, ev := range s.events {
		if window.Contains(ev.Start) {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) BatchDelete(_ context.Context, ids []string) (model.BatchOutcome, error) {
	s.record("delete-start")
	defer s.record("delete-end")
	if s.onDelete != nil {
		s.onDelete()
	}
	// Widen the window for an overlapping insert to show up.
	time.Sleep(5 * time.Millisecond)

	s.mu.Lock()
	defer s.mu.Unlock()
	var out model.BatchOutcome
	for _, id := range ids {
		if s.failDeleteIDs[id] {
			out.Failed = append(out.Failed, model.ItemFailure{ID: id, Err: "403 forbidden"})
			continue
		}
		delete(s.events, id)
		out.Succeeded = append(out.Succeeded, id)
	}
	return out, nil
}

func (s *memStore) BatchInsert(ctx context.Context, events []model.ClassifiedEvent) (model.BatchOutcome, error) {
	s.record("insert-start")
	defer s.record("insert-end")
	if s.blockInsert {
		<-ctx.Done()
		return model.BatchOutcome{}, ctx.Err()
	}
	if s.failInsertBatch != nil {
		if err := s.failInsertBatch(events); err != nil {
			return model.BatchOutcome{}, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out model.BatchOutcome
	for _, ev := range events {
		s.nextID++
		id := fmt.Sprintf("ev-%d", s.nextID)
		s.events[id] = model.RemoteEvent{ID: id, Title: ev.Title, Start: ev.Start, End: ev.End}
		out.Succeeded = append(out.Succeeded, ev.RequestID)
	}
	return out, nil
}

func (s *memStore) calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.log...)
}

type tuple struct {
	title      string
	start, end int64
}

func (s *memStore) state() []tuple {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []tuple
	for _, ev := range s.events {
		out = append(out, tuple{ev.Title, ev.Start.Unix(), ev.End.Unix()})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].start != out[j].start {
			return out[i].start < out[j].start
		}
		return out[i].title < out[j].title
	})
	return out
}

func (s *memStore) ids() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]bool{}
	for id := range s.events {
		out[id] = true
	}
	return out
}

type stubSource struct {
	entries []model.RawEntry
	err     error
}

func (s stubSource) Fetch(context.Context, model.SyncWindow) ([]model.RawEntry, error) {
	return s.entries, s.err
}

func marchWindow(t *testing.T) model.SyncWindow {
	t.Helper()
	w, err := model.NewWindow(time.Date(2024, 3, 1, 0, 0, 0, 0, jst), time.Date(2024, 4, 1, 0, 0, 0, 0, jst))
	if err != nil {
		t.Fatalf("window: %v", err)
	}
	return w
}

func entries(n int) []model.RawEntry {
	out := make([]model.RawEntry, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, model.RawEntry{
			Date:      fmt.Sprintf("2024-03-%02d", i%28+1),
			StartTime: "19:00",
			Title:     fmt.Sprintf("E%d", i),
		})
	}
	return out
}

func newTestReconciler(t *testing.T, batchSize, concurrency int) *Reconciler {
	t.Helper()
	tbl, err := rules.New(nil, nil, nil)
	if err != nil {
		t.Fatalf("rules: %v", err)
	}
	return NewReconciler(tbl, Options{
		BatchSize:    batchSize,
		Concurrency:  concurrency,
		BatchTimeout: time.Second,
		Classify:     classify.Options{Location: jst, Duration: 30 * time.Minute},
	})
}

func TestDeletesResolveBeforeAnyInsert(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	for i := 0; i < 7; i++ {
		store.seed(fmt.Sprintf("old-%d", i), time.Date(2024, 3, i+1, 10, 0, 0, 0, jst))
	}
	r := newTestReconciler(t, 2, 3)

	report, err := r.Sync(ctx, entries(7), marchWindow(t), store)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if !report.OK() {
		t.Fatalf("expected clean run, failures: %+v", report.Failures())
	}

	calls := store.calls()
	lastDeleteEnd, firstInsert := -1, -1
	for i, c := range calls {
		if c == "delete-end" {
			lastDeleteEnd = i
		}
		if c == "insert-start" && firstInsert < 0 {
			firstInsert = i
		}
	}
	if lastDeleteEnd < 0 || firstInsert < 0 {
		t.Fatalf("missing phases in %v", calls)
	}
	if firstInsert < lastDeleteEnd {
		t.Fatalf("insert dispatched before delete phase resolved: %v", calls)
	}
	if len(report.Deletes) != 4 || len(report.Inserts) != 4 {
		t.Fatalf("batches = %d deletes, %d inserts", len(report.Deletes), len(report.Inserts))
	}
}

func TestInsertBatchFailureDoesNotStopOtherBatches(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.failInsertBatch = func(evs []model.ClassifiedEvent) error {
		for _, ev := range evs {
			if ev.Title == "E3" {
				return fmt.Errorf("%w: connection reset", model.ErrStoreUnavailable)
			}
		}
		return nil
	}
	r := newTestReconciler(t, 2, 1)

	report, err := r.Sync(ctx, entries(6), marchWindow(t), store)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(report.Inserts) != 3 {
		t.Fatalf("want 3 insert batches, got %d", len(report.Inserts))
	}
	if got := len(report.Inserts[0].Succeeded) + len(report.Inserts[2].Succeeded); got != 4 {
		t.Fatalf("batches 1 and 3 should succeed, succeeded=%d", got)
	}
	failed := report.Inserts[1].Failed
	if len(failed) != 2 || failed[0].Title != "E2" || failed[1].Title != "E3" {
		t.Fatalf("batch 2 failures = %+v", failed)
	}
	if report.Attempted() != 6 || report.Succeeded() != 4 || report.Failed() != 2 {
		t.Fatalf("totals %d/%d/%d", report.Attempted(), report.Succeeded(), report.Failed())
	}
	if report.OK() || report.Err() == nil {
		t.Fatalf("run with failures must not be OK")
	}
	if len(store.state()) != 4 {
		t.Fatalf("store should hold the 4 inserted events, got %d", len(store.state()))
	}
}

func TestItemFailureInDeleteBatchIsReportedWithTitle(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	keep := store.seed("stuck", time.Date(2024, 3, 2, 9, 0, 0, 0, jst))
	store.seed("gone", time.Date(2024, 3, 3, 9, 0, 0, 0, jst))
	store.failDeleteIDs = map[string]bool{keep: true}
	r := newTestReconciler(t, 100, 1)

	report, err := r.Sync(ctx, entries(1), marchWindow(t), store)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	failures := report.Failures()
	if len(failures) != 1 || failures[0].ID != keep || failures[0].Title != "stuck" {
		t.Fatalf("failures = %+v", failures)
	}
	if len(report.Inserts) != 1 || len(report.Inserts[0].Succeeded) != 1 {
		t.Fatalf("insert phase should still run: %+v", report.Inserts)
	}
}

func TestSyncIsIdempotentUpToIDs(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.seed("stale", time.Date(2024, 3, 10, 8, 0, 0, 0, jst))
	outside := store.seed("other month", time.Date(2024, 4, 10, 8, 0, 0, 0, jst))
	r := newTestReconciler(t, 3, 2)
	src := stubSource{entries: entries(8)}

	if _, err := r.Run(ctx, src, marchWindow(t), store); err != nil {
		t.Fatalf("first run: %v", err)
	}
	first, firstIDs := store.state(), store.ids()

	if _, err := r.Run(ctx, src, marchWindow(t), store); err != nil {
		t.Fatalf("second run: %v", err)
	}
	second, secondIDs := store.state(), store.ids()

	if fmt.Sprint(first) != fmt.Sprint(second) {
		t.Fatalf("state diverged:\n%v\n%v", first, second)
	}
	if len(first) != 9 {
		t.Fatalf("want 8 synced + 1 outside window, got %d", len(first))
	}
	if !secondIDs[outside] {
		t.Fatalf("event outside the window must not be touched")
	}
	churned := 0
	for id := range secondIDs {
		if !firstIDs[id] {
			churned++
		}
	}
	if churned != 8 {
		t.Fatalf("expected all 8 window events re-created with new ids, got %d", churned)
	}
}

func TestSourceUnavailableMutatesNothing(t *testing.T) {
	store := newMemStore()
	store.seed("keep", time.Date(2024, 3, 2, 9, 0, 0, 0, jst))
	r := newTestReconciler(t, 10, 1)

	report, err := r.Run(context.Background(), stubSource{err: errors.New("dial tcp: timeout")}, marchWindow(t), store)
	if !errors.Is(err, model.ErrSourceUnavailable) {
		t.Fatalf("want ErrSourceUnavailable, got %v", err)
	}
	if report == nil || report.Error == "" || report.OK() {
		t.Fatalf("report must record the abort: %+v", report)
	}
	if calls := store.calls(); len(calls) != 0 {
		t.Fatalf("store must not be called, got %v", calls)
	}
}

func TestEmptyFetchDoesNotClearWindow(t *testing.T) {
	store := newMemStore()
	store.seed("keep", time.Date(2024, 3, 2, 9, 0, 0, 0, jst))
	r := newTestReconciler(t, 10, 1)

	report, err := r.Sync(context.Background(), nil, marchWindow(t), store)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if report.SkippedReason == "" || len(store.state()) != 1 {
		t.Fatalf("empty fetch must leave the calendar alone: %+v", report)
	}

	r.opts.AllowEmpty = true
	if _, err := r.Sync(context.Background(), nil, marchWindow(t), store); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(store.state()) != 0 {
		t.Fatalf("AllowEmpty should clear the window")
	}
}

func TestInvalidEntriesSkippedOrAbort(t *testing.T) {
	in := append(entries(2), model.RawEntry{Date: "2024-03-32", Title: "broken"})

	store := newMemStore()
	r := newTestReconciler(t, 10, 1)
	report, err := r.Sync(context.Background(), in, marchWindow(t), store)
	if err != nil {
		t.Fatalf("skip policy should not fail: %v", err)
	}
	if len(report.Invalid) != 1 || report.Invalid[0].Title != "broken" || report.Classified != 2 {
		t.Fatalf("report = %+v", report)
	}

	store = newMemStore()
	r.opts.AbortOnInvalid = true
	_, err = r.Sync(context.Background(), in, marchWindow(t), store)
	var verr *model.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("abort policy should surface ValidationError, got %v", err)
	}
	if len(store.calls()) != 0 {
		t.Fatalf("abort must happen before any store call")
	}
}

func TestEntriesOutsideWindowAreDiscarded(t *testing.T) {
	in := []model.RawEntry{
		{Date: "2024-02-29", Title: "before"},
		{Date: "2024-03-15", Title: "inside"},
		{Date: "2024-04-01", Title: "after"},
	}
	store := newMemStore()
	r := newTestReconciler(t, 10, 1)
	report, err := r.Sync(context.Background(), in, marchWindow(t), store)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if report.Discarded != 2 || report.Classified != 1 {
		t.Fatalf("discarded=%d classified=%d", report.Discarded, report.Classified)
	}
	if st := store.state(); len(st) != 1 || st[0].title != "inside" {
		t.Fatalf("state = %v", st)
	}
}

func TestCancelBetweenBatchesMarksRemainderSkipped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newMemStore()
	for i := 0; i < 6; i++ {
		store.seed(fmt.Sprintf("old-%d", i), time.Date(2024, 3, i+1, 10, 0, 0, 0, jst))
	}
	store.onDelete = cancel
	r := newTestReconciler(t, 2, 1)

	report, err := r.Sync(ctx, entries(3), marchWindow(t), store)
	if err != nil {
		t.Fatalf("cancelled run still returns a report, got err %v", err)
	}
	if !report.Cancelled {
		t.Fatalf("report should be marked cancelled")
	}
	if len(report.Deletes) != 1 || len(report.Deletes[0].Succeeded) != 2 {
		t.Fatalf("the in-flight batch should complete: %+v", report.Deletes)
	}
	if report.Failed() != 0 {
		t.Fatalf("skipped items must not count as failed: %+v", report.Failures())
	}
	if len(report.Skipped) != 4+3 {
		t.Fatalf("want 4 deletes + 3 inserts skipped, got %d", len(report.Skipped))
	}
	for _, c := range store.calls() {
		if c == "insert-start" {
			t.Fatalf("no insert may run after cancellation")
		}
	}
}

func TestBatchTimeoutCountsAsFailure(t *testing.T) {
	store := newMemStore()
	store.blockInsert = true
	r := newTestReconciler(t, 10, 1)
	r.opts.BatchTimeout = 20 * time.Millisecond

	report, err := r.Sync(context.Background(), entries(2), marchWindow(t), store)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if report.Failed() != 2 {
		t.Fatalf("timed out batch items should fail, got %+v", report.Inserts)
	}
	if reason := report.Inserts[0].Failed[0].Err; !strings.Contains(reason, "timed out") {
		t.Fatalf("failure reason = %q", reason)
	}
}

func TestDedupeRemovesLaterCopies(t *testing.T) {
	store := newMemStore()
	start := time.Date(2024, 3, 5, 19, 0, 0, 0, jst)
	first := store.seed("🩷 雑談", start)
	store.seed("🩷 雑談", start)
	store.seed("🩷 雑談", start)
	store.seed("other", start)
	r := newTestReconciler(t, 10, 1)

	report, err := r.Dedupe(context.Background(), store, marchWindow(t))
	if err != nil {
		t.Fatalf("dedupe: %v", err)
	}
	if report.Succeeded() != 2 {
		t.Fatalf("want 2 duplicates deleted, got %d", report.Succeeded())
	}
	ids := store.ids()
	if !ids[first] || len(ids) != 2 {
		t.Fatalf("remaining ids = %v", ids)
	}
}

func TestRepeatedEntriesGetDistinctRequestIDs(t *testing.T) {
	store := newMemStore()
	r := newTestReconciler(t, 10, 1)
	same := model.RawEntry{Date: "2024-03-02", StartTime: "19:00", Title: "雑談"}
	entries := []model.RawEntry{same, same, same, {Date: "2024-03-03", Title: "雑談"}}

	report, err := r.Sync(context.Background(), entries, marchWindow(t), store)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	ids := map[string]bool{}
	for _, o := range report.Inserts {
		for _, id := range o.Succeeded {
			if ids[id] {
				t.Fatalf("request id %q reported twice", id)
			}
			ids[id] = true
		}
	}
	if len(ids) != 4 || report.Succeeded() != 4 {
		t.Fatalf("ids = %v", ids)
	}
	for _, want := range []string{"2024-03-02T19:00 雑談", "2024-03-02T19:00 雑談 #2", "2024-03-02T19:00 雑談 #3", "2024-03-03 雑談"} {
		if !ids[want] {
			t.Fatalf("missing request id %q in %v", want, ids)
		}
	}
}
