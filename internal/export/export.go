// Package export renders classified events for dry runs.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/google/uuid"

	"schedsync/internal/model"
)

// Formats accepted by Write.
const (
	FormatTable = "table"
	FormatJSON  = "json"
	FormatCSV   = "csv"
	FormatICS   = "ics"
)

var Formats = []string{FormatTable, FormatJSON, FormatCSV, FormatICS}

// Write renders events to w in the given format.
func Write(w io.Writer, format string, events []model.ClassifiedEvent, loc *time.Location) error {
	if loc == nil {
		loc = time.UTC
	}
	switch format {
	case FormatTable, "":
		return writeTable(w, events, loc)
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(events)
	case FormatCSV:
		return writeCSV(w, events, loc)
	case FormatICS:
		return writeICS(w, events, loc)
	default:
		return fmt.Errorf("unknown format %q (want one of %s)", format, strings.Join(Formats, ", "))
	}
}

func when(ev model.ClassifiedEvent, loc *time.Location) (date, start, end string) {
	date = ev.Start.In(loc).Format(time.DateOnly)
	if ev.AllDay {
		return date, "", ""
	}
	return date, ev.Start.In(loc).Format("15:04"), ev.End.In(loc).Format("15:04")
}

func writeTable(w io.Writer, events []model.ClassifiedEvent, loc *time.Location) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DATE\tTIME\tTIER\tTITLE")
	for _, ev := range events {
		date, start, end := when(ev, loc)
		span := "all-day"
		if !ev.AllDay {
			span = start + "-" + end
		}
		tier := ev.MatchedTier
		if tier == "" {
			tier = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", date, span, tier, ev.Title)
	}
	fmt.Fprintf(tw, "\n%d events\n", len(events))
	return tw.Flush()
}

func writeCSV(w io.Writer, events []model.ClassifiedEvent, loc *time.Location) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"date", "start", "end", "all_day", "title", "emoji", "tier", "description"}); err != nil {
		return err
	}
	for _, ev := range events {
		date, start, end := when(ev, loc)
		row := []string{date, start, end, strconv.FormatBool(ev.AllDay), ev.Title, ev.Emoji, ev.MatchedTier, ev.Description}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// writeICS derives each UID from the request id so repeated exports of the
// same schedule produce the same feed.
func writeICS(w io.Writer, events []model.ClassifiedEvent, loc *time.Location) error {
	cal := ical.NewCalendar()
	cal.SetProductId("-//schedsync//export//JA")
	cal.SetXWRTimezone(loc.String())

	stamp := time.Now()
	for _, ev := range events {
		uid := uuid.NewSHA1(uuid.NameSpaceURL, []byte(ev.RequestID)).String() + "@schedsync"
		ve := cal.AddEvent(uid)
		ve.SetDtStampTime(stamp)
		ve.SetSummary(ev.Title)
		if ev.Description != "" {
			ve.SetDescription(ev.Description)
		}
		if ev.AllDay {
			ve.SetAllDayStartAt(ev.Start.In(loc))
			ve.SetAllDayEndAt(ev.End.In(loc))
		} else {
			ve.SetStartAt(ev.Start)
			ve.SetEndAt(ev.End)
		}
	}
	return cal.SerializeTo(w)
}
