package model

import (
	"fmt"
	"time"
)

// SyncWindow is the half-open range [Start, End) one sync run reconciles.
type SyncWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// NewWindow validates and returns a window.
func NewWindow(start, end time.Time) (SyncWindow, error) {
	if !end.After(start) {
		return SyncWindow{}, fmt.Errorf("%w: end %s is not after start %s",
			ErrInvalidWindow, end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	return SyncWindow{Start: start, End: end}, nil
}

// WindowFor derives the window for a run starting at now.
//
// The window opens at local midnight minus backfillDays and closes at the
// midnight following now+horizonDays. With alignMonths the start snaps to the
// first of its month and the end to the first of the following month, which
// matches sources that publish whole months at a time.
func WindowFor(now time.Time, loc *time.Location, backfillDays, horizonDays int, alignMonths bool) (SyncWindow, error) {
	if loc == nil {
		loc = time.Local
	}
	if backfillDays < 0 || horizonDays < 0 {
		return SyncWindow{}, fmt.Errorf("%w: negative backfill/horizon", ErrInvalidWindow)
	}
	today := Midnight(now, loc)
	start := today.AddDate(0, 0, -backfillDays)
	end := today.AddDate(0, 0, horizonDays+1)

	if alignMonths {
		start = time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, loc)
		last := end.AddDate(0, 0, -1)
		end = time.Date(last.Year(), last.Month()+1, 1, 0, 0, 0, 0, loc)
	}
	return NewWindow(start, end)
}

// Contains reports whether t falls inside [Start, End).
func (w SyncWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

func (w SyncWindow) String() string {
	return w.Start.Format("2006-01-02") + ".." + w.End.Format("2006-01-02")
}

// Midnight returns 00:00 of t's calendar day in loc.
func Midnight(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}
