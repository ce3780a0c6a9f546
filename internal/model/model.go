package model

import "time"

// TagKind distinguishes the markers an Entry Source extracts from the
// schedule markup.
type TagKind string

const (
	// TagChannel is a bracketed channel/streamer marker such as "[みえる個人配信]".
	TagChannel TagKind = "channel"
	// TagCategory is a category label attached to the entry.
	TagCategory TagKind = "category"
)

// Tag is one marker extracted from the source markup.
type Tag struct {
	Kind TagKind `json:"kind"`
	Text string  `json:"text"`
}

// RawEntry is a schedule entry exactly as produced by an Entry Source.
// Date and StartTime are kept as text; validation happens in the classifier.
type RawEntry struct {
	// Date is the calendar date, "YYYY-MM-DD".
	Date string `json:"date"`
	// StartTime is an optional time of day, "H:MM" or "HH:MM".
	StartTime string `json:"start_time,omitempty"`
	Title     string `json:"title"`
	Tags      []Tag  `json:"tags,omitempty"`
	// Raw is the unmodified source text, used as event description.
	Raw string `json:"raw,omitempty"`
}

// TagTexts returns the text of every tag of the given kind, in order.
func (e RawEntry) TagTexts(kind TagKind) []string {
	var out []string
	for _, t := range e.Tags {
		if t.Kind == kind {
			out = append(out, t.Text)
		}
	}
	return out
}

// ClassifiedEvent is a calendar-ready event derived from one RawEntry.
type ClassifiedEvent struct {
	// RequestID identifies the event in insert outcomes before a remote id exists.
	RequestID string `json:"request_id"`

	Title       string `json:"title"`
	Emoji       string `json:"emoji,omitempty"`
	MatchedTier string `json:"matched_tier,omitempty"`
	Description string `json:"description,omitempty"`

	// Date is midnight of the entry date in the sync timezone.
	Date   time.Time `json:"date"`
	AllDay bool      `json:"all_day"`
	// Start/End are [Date, Date+1d) for all-day events.
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// RemoteEvent is the view of an existing calendar event the reconciler needs.
type RemoteEvent struct {
	ID    string    `json:"id"`
	Title string    `json:"title"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}
