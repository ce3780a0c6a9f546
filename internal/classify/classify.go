package classify

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"schedsync/internal/model"
	"schedsync/internal/rules"
)

// DefaultDuration is the length given to timed events.
const DefaultDuration = 30 * time.Minute

const (
	dateLayout = "2006-01-02"
	timeLayout = "15:04"
)

// Options controls time derivation.
type Options struct {
	// Location is the zone entries are interpreted in. Nil means time.Local.
	Location *time.Location
	// Duration is added to the start time of timed events. Zero means DefaultDuration.
	Duration time.Duration
}

func (o Options) normalized() Options {
	if o.Location == nil {
		o.Location = time.Local
	}
	if o.Duration <= 0 {
		o.Duration = DefaultDuration
	}
	return o
}

// Classify turns one RawEntry into a ClassifiedEvent using the rule table.
// Malformed dates, times or empty titles return a *model.ValidationError;
// the caller decides whether to skip the entry or abort.
func Classify(e model.RawEntry, table *rules.Table, opts Options) (model.ClassifiedEvent, error) {
	opts = opts.normalized()

	// 제목은 그대로 둔다. 공백 정리는 파서 몫.
	title := e.Title
	if strings.TrimSpace(title) == "" {
		return model.ClassifiedEvent{}, &model.ValidationError{Entry: e, Field: "title", Err: errors.New("empty title")}
	}

	date, err := time.ParseInLocation(dateLayout, strings.TrimSpace(e.Date), opts.Location)
	if err != nil {
		return model.ClassifiedEvent{}, &model.ValidationError{Entry: e, Field: "date", Err: err}
	}

	ev := model.ClassifiedEvent{
		Title:       title,
		Description: strings.TrimSpace(e.Raw),
		Date:        date,
	}

	if st := strings.TrimSpace(e.StartTime); st != "" {
		hm, err := time.Parse(timeLayout, st)
		if err != nil {
			return model.ClassifiedEvent{}, &model.ValidationError{Entry: e, Field: "start_time", Err: err}
		}
		ev.Start = time.Date(date.Year(), date.Month(), date.Day(), hm.Hour(), hm.Minute(), 0, 0, opts.Location)
		// Add, not AddDate: late starts roll over into the next day.
		ev.End = ev.Start.Add(opts.Duration)
	} else {
		ev.AllDay = true
		ev.Start = date
		ev.End = date.AddDate(0, 0, 1)
	}

	if m, ok := table.Match(title, e.TagTexts(model.TagChannel), e.TagTexts(model.TagCategory)); ok {
		ev.Emoji = m.Rule.Emoji
		ev.MatchedTier = m.Tier.String()
		if ev.Emoji != "" {
			ev.Title = ev.Emoji + " " + title
		}
		if url := m.Annotation(); url != "" {
			ev.Description = appendLine(ev.Description, url)
		}
	}

	ev.RequestID = requestID(ev)
	return ev, nil
}

func appendLine(text, line string) string {
	if text == "" {
		return line
	}
	return text + "\n" + line
}

func requestID(ev model.ClassifiedEvent) string {
	if ev.AllDay {
		return fmt.Sprintf("%s %s", ev.Start.Format(dateLayout), ev.Title)
	}
	return fmt.Sprintf("%sT%s %s", ev.Start.Format(dateLayout), ev.Start.Format(timeLayout), ev.Title)
}
