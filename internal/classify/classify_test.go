package classify

import (
	"errors"
	"strings"
	"testing"
	"time"

	"schedsync/internal/model"
	"schedsync/internal/rules"
)

var jst = time.FixedZone("JST", 9*3600)

func table(t *testing.T) *rules.Table {
	t.Helper()
	tbl, err := rules.New(
		[]rules.Rule{{Pattern: "デミカツ通信", Emoji: "📰"}},
		[]rules.Rule{{Pattern: "みえる個人配信", Emoji: "🩷", URL: "https://example.com/mieru"}},
		[]rules.Rule{{Pattern: "配信", Emoji: "📺"}},
	)
	if err != nil {
		t.Fatalf("rules: %v", err)
	}
	return tbl
}

func TestSpecialKeywordAllDay(t *testing.T) {
	ev, err := Classify(model.RawEntry{Date: "2024-03-01", Title: "デミカツ通信"}, table(t), Options{Location: jst})
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if ev.Title != "📰 デミカツ通信" {
		t.Fatalf("title = %q", ev.Title)
	}
	if !ev.AllDay {
		t.Fatalf("expected all-day event")
	}
	if want := time.Date(2024, 3, 1, 0, 0, 0, 0, jst); !ev.Start.Equal(want) || !ev.End.Equal(want.AddDate(0, 0, 1)) {
		t.Fatalf("all-day span = %s..%s", ev.Start, ev.End)
	}
}

func TestChannelMarkerWithURL(t *testing.T) {
	entry := model.RawEntry{
		Date:      "2024-03-02",
		StartTime: "19:00",
		Title:     "雑談",
		Tags:      []model.Tag{{Kind: model.TagChannel, Text: "みえる個人配信"}},
	}
	ev, err := Classify(entry, table(t), Options{Location: jst})
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if ev.Title != "🩷 雑談" {
		t.Fatalf("title = %q", ev.Title)
	}
	if ev.AllDay {
		t.Fatalf("timed event classified as all-day")
	}
	if want := time.Date(2024, 3, 2, 19, 0, 0, 0, jst); !ev.Start.Equal(want) {
		t.Fatalf("start = %s", ev.Start)
	}
	if want := time.Date(2024, 3, 2, 19, 30, 0, 0, jst); !ev.End.Equal(want) {
		t.Fatalf("end = %s", ev.End)
	}
	if !strings.Contains(ev.Description, "https://example.com/mieru") {
		t.Fatalf("description missing url: %q", ev.Description)
	}
}

func TestSpecialKeywordWinsOverChannelAndCategory(t *testing.T) {
	entry := model.RawEntry{
		Date:  "2024-03-03",
		Title: "デミカツ通信 特別回",
		Tags: []model.Tag{
			{Kind: model.TagChannel, Text: "みえる個人配信"},
			{Kind: model.TagCategory, Text: "配信"},
		},
	}
	ev, err := Classify(entry, table(t), Options{Location: jst})
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if ev.Emoji != "📰" || strings.Count(ev.Title, "📰") != 1 || strings.Contains(ev.Title, "🩷") {
		t.Fatalf("exactly one emoji from the special tier expected, got %q", ev.Title)
	}
	if strings.Contains(ev.Description, "https://") {
		t.Fatalf("special keyword must not add a URL: %q", ev.Description)
	}
}

func TestNoMatchLeavesTitleUnchanged(t *testing.T) {
	entry := model.RawEntry{
		Date:  "2024-03-04",
		Title: "お知らせ",
		Raw:   "原文テキスト",
		Tags:  []model.Tag{{Kind: model.TagCategory, Text: "その他"}},
	}
	ev, err := Classify(entry, table(t), Options{Location: jst})
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if ev.Title != "お知らせ" || ev.Emoji != "" {
		t.Fatalf("title changed: %q", ev.Title)
	}
	if ev.Description != "原文テキスト" {
		t.Fatalf("description = %q", ev.Description)
	}
}

func TestNoMatchKeepsTitleByteForByte(t *testing.T) {
	for _, title := range []string{" お知らせ ", "お知らせ　(再)", "Live!  #1"} {
		ev, err := Classify(model.RawEntry{Date: "2024-03-04", Title: title}, table(t), Options{Location: jst})
		if err != nil {
			t.Fatalf("%q: classify: %v", title, err)
		}
		if ev.Title != title {
			t.Fatalf("title = %q, want %q", ev.Title, title)
		}
	}
}

func TestEndAfterStartAcrossMidnight(t *testing.T) {
	cases := []struct {
		start    string
		duration time.Duration
		wantDay  int
	}{
		{"23:45", 30 * time.Minute, 6},
		{"23:59", time.Hour, 6},
		{"0:00", 30 * time.Minute, 5},
		{"12:00", 0, 5},
	}
	for _, tc := range cases {
		ev, err := Classify(model.RawEntry{Date: "2024-03-05", StartTime: tc.start, Title: "夜配信"}, nil, Options{Location: jst, Duration: tc.duration})
		if err != nil {
			t.Fatalf("%s: classify: %v", tc.start, err)
		}
		if !ev.End.After(ev.Start) {
			t.Fatalf("%s: end %s not after start %s", tc.start, ev.End, ev.Start)
		}
		if ev.End.Day() != tc.wantDay {
			t.Fatalf("%s: end day = %d, want %d", tc.start, ev.End.Day(), tc.wantDay)
		}
	}
}

func TestValidationErrors(t *testing.T) {
	cases := map[string]model.RawEntry{
		"date":       {Date: "2024-02-31", Title: "x"},
		"start_time": {Date: "2024-03-01", StartTime: "25:00", Title: "x"},
		"title":      {Date: "2024-03-01", Title: "  "},
	}
	for field, entry := range cases {
		_, err := Classify(entry, nil, Options{})
		var verr *model.ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("%s: expected ValidationError, got %v", field, err)
		}
		if verr.Field != field {
			t.Fatalf("field = %q, want %q", verr.Field, field)
		}
	}
}
