package model

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestWindowForAlignsToMonths(t *testing.T) {
	loc := time.FixedZone("JST", 9*3600)
	now := time.Date(2024, 3, 15, 22, 30, 0, 0, loc)

	w, err := WindowFor(now, loc, 0, 30, true)
	if err != nil {
		t.Fatalf("window: %v", err)
	}
	if want := time.Date(2024, 3, 1, 0, 0, 0, 0, loc); !w.Start.Equal(want) {
		t.Fatalf("start = %s, want %s", w.Start, want)
	}
	if want := time.Date(2024, 5, 1, 0, 0, 0, 0, loc); !w.End.Equal(want) {
		t.Fatalf("end = %s, want %s", w.End, want)
	}
}

func TestWindowForUnaligned(t *testing.T) {
	loc := time.UTC
	now := time.Date(2024, 3, 15, 10, 0, 0, 0, loc)

	w, err := WindowFor(now, loc, 2, 7, false)
	if err != nil {
		t.Fatalf("window: %v", err)
	}
	if want := time.Date(2024, 3, 13, 0, 0, 0, 0, loc); !w.Start.Equal(want) {
		t.Fatalf("start = %s, want %s", w.Start, want)
	}
	if want := time.Date(2024, 3, 23, 0, 0, 0, 0, loc); !w.End.Equal(want) {
		t.Fatalf("end = %s, want %s", w.End, want)
	}
}

func TestWindowIsHalfOpen(t *testing.T) {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	w, err := NewWindow(start, start.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("window: %v", err)
	}
	if !w.Contains(start) {
		t.Fatalf("start must be inside")
	}
	if w.Contains(w.End) {
		t.Fatalf("end must be outside")
	}
	if _, err := NewWindow(start, start); !errors.Is(err, ErrInvalidWindow) {
		t.Fatalf("empty window should be rejected, got %v", err)
	}
}

func TestReportTotals(t *testing.T) {
	r := &SyncReport{
		Deletes: []BatchOutcome{{Phase: PhaseDelete, Attempted: 2, Succeeded: []string{"a", "b"}}},
		Inserts: []BatchOutcome{
			{Phase: PhaseInsert, Attempted: 2, Succeeded: []string{"x"}, Failed: []ItemFailure{{ID: "y", Title: "雑談", Err: "500"}}},
		},
	}
	if r.Attempted() != 4 || r.Succeeded() != 3 || r.Failed() != 1 {
		t.Fatalf("totals = %d/%d/%d", r.Attempted(), r.Succeeded(), r.Failed())
	}
	if r.OK() {
		t.Fatalf("report with failures must not be OK")
	}
	var pf *BatchPartialFailure
	if !errors.As(r.Err(), &pf) || pf.Failed != 1 || pf.Titles[0] != "雑談" {
		t.Fatalf("unexpected Err(): %v", r.Err())
	}
}

func TestReportJSONCarriesTotals(t *testing.T) {
	r := &SyncReport{
		RunID:   "run-1",
		Inserts: []BatchOutcome{{Phase: PhaseInsert, Attempted: 2, Succeeded: []string{"x"}, Failed: []ItemFailure{{ID: "y", Err: "500"}}}},
	}
	// Both pointer and value renderings go through MarshalJSON.
	for _, v := range []any{r, *r} {
		data, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		var got struct {
			RunID     string         `json:"run_id"`
			OK        *bool          `json:"ok"`
			Attempted int            `json:"attempted"`
			Succeeded int            `json:"succeeded"`
			Failed    int            `json:"failed"`
			Inserts   []BatchOutcome `json:"inserts"`
		}
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if got.RunID != "run-1" || got.OK == nil || *got.OK || got.Attempted != 2 || got.Succeeded != 1 || got.Failed != 1 {
			t.Fatalf("totals missing from %s", data)
		}
		if len(got.Inserts) != 1 {
			t.Fatalf("batch detail missing from %s", data)
		}
	}
}

func TestValidationErrorUnwraps(t *testing.T) {
	base := errors.New("bad day")
	err := error(&ValidationError{Entry: RawEntry{Title: "x", Date: "2024-02-31"}, Field: "date", Err: base})
	if !errors.Is(err, base) {
		t.Fatalf("ValidationError should unwrap to its cause")
	}
}
