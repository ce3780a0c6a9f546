package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Phase names a reconciliation step.
type Phase string

const (
	PhaseDelete Phase = "delete"
	PhaseInsert Phase = "insert"
)

// ItemFailure is one remote mutation that did not succeed.
type ItemFailure struct {
	// ID is the remote event id (delete) or the request id (insert).
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
	Err   string `json:"error"`
}

// BatchOutcome is the per-item result of one delete or insert batch.
type BatchOutcome struct {
	Phase     Phase         `json:"phase"`
	Batch     int           `json:"batch"`
	Attempted int           `json:"attempted"`
	Succeeded []string      `json:"succeeded,omitempty"`
	Failed    []ItemFailure `json:"failed,omitempty"`
}

// FailAll builds an outcome where every id failed with err.
func FailAll(phase Phase, batch int, ids, titles []string, err error) BatchOutcome {
	out := BatchOutcome{Phase: phase, Batch: batch, Attempted: len(ids)}
	for i, id := range ids {
		f := ItemFailure{ID: id, Err: err.Error()}
		if i < len(titles) {
			f.Title = titles[i]
		}
		out.Failed = append(out.Failed, f)
	}
	return out
}

// SkippedItem is a mutation that was never dispatched because the run was cancelled.
type SkippedItem struct {
	Phase Phase  `json:"phase"`
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
}

// InvalidEntry records a RawEntry excluded by validation.
type InvalidEntry struct {
	Title  string `json:"title"`
	Date   string `json:"date"`
	Reason string `json:"reason"`
}

// SyncReport aggregates everything one run did. It is always returned, even
// when the run is cancelled or aborted, so nothing is silently dropped.
type SyncReport struct {
	RunID      string     `json:"run_id"`
	Window     SyncWindow `json:"window"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at"`

	Fetched    int            `json:"fetched"`
	Classified int            `json:"classified"`
	Discarded  int            `json:"discarded"`
	Invalid    []InvalidEntry `json:"invalid,omitempty"`
	Existing   int            `json:"existing"`

	Deletes []BatchOutcome `json:"deletes,omitempty"`
	Inserts []BatchOutcome `json:"inserts,omitempty"`
	Skipped []SkippedItem  `json:"skipped,omitempty"`

	Cancelled bool `json:"cancelled,omitempty"`
	// SkippedReason is set when the run deliberately performed no mutation.
	SkippedReason string `json:"skipped_reason,omitempty"`
	// Error is the run-level error, if the run aborted.
	Error string `json:"error,omitempty"`
}

// RunSummary is one run as kept in a store's sync history.
type RunSummary struct {
	RunID       string    `json:"run_id"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	Attempted   int       `json:"attempted"`
	Succeeded   int       `json:"succeeded"`
	Failed      int       `json:"failed"`
	Skipped     int       `json:"skipped"`
	Cancelled   bool      `json:"cancelled,omitempty"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

// NewReport starts a report with a fresh run id.
func NewReport(window SyncWindow) *SyncReport {
	return &SyncReport{
		RunID:     uuid.NewString(),
		Window:    window,
		StartedAt: time.Now(),
	}
}

func (r *SyncReport) outcomes() []BatchOutcome {
	all := make([]BatchOutcome, 0, len(r.Deletes)+len(r.Inserts))
	all = append(all, r.Deletes...)
	return append(all, r.Inserts...)
}

func (r *SyncReport) Attempted() int {
	n := 0
	for _, o := range r.outcomes() {
		n += o.Attempted
	}
	return n
}

func (r *SyncReport) Succeeded() int {
	n := 0
	for _, o := range r.outcomes() {
		n += len(o.Succeeded)
	}
	return n
}

func (r *SyncReport) Failed() int {
	n := 0
	for _, o := range r.outcomes() {
		n += len(o.Failed)
	}
	return n
}

// Failures lists every failed item across both phases, deletes first.
func (r *SyncReport) Failures() []ItemFailure {
	var out []ItemFailure
	for _, o := range r.outcomes() {
		out = append(out, o.Failed...)
	}
	return out
}

// OK reports a fully successful run: no failures and no run-level error.
func (r *SyncReport) OK() bool {
	return r.Error == "" && r.Failed() == 0
}

// Err returns a *BatchPartialFailure when any mutation failed.
func (r *SyncReport) Err() error {
	failed := r.Failures()
	if len(failed) == 0 {
		return nil
	}
	titles := make([]string, 0, len(failed))
	for _, f := range failed {
		titles = append(titles, f.Title)
	}
	return &BatchPartialFailure{Attempted: r.Attempted(), Failed: len(failed), Titles: titles}
}

// MarshalJSON adds the run totals next to the recorded fields, so every JSON
// rendering of a report carries attempted/succeeded/failed counts.
func (r SyncReport) MarshalJSON() ([]byte, error) {
	type fields SyncReport
	return json.Marshal(struct {
		fields
		OK        bool `json:"ok"`
		Attempted int  `json:"attempted"`
		Succeeded int  `json:"succeeded"`
		Failed    int  `json:"failed"`
	}{
		fields:    fields(r),
		OK:        r.OK(),
		Attempted: r.Attempted(),
		Succeeded: r.Succeeded(),
		Failed:    r.Failed(),
	})
}
