// Package icsfile is a calendar store backed by a single .ics file, for
// publishing the schedule as a subscribable feed without a calendar account.
package icsfile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/google/uuid"

	"schedsync/internal/config"
	appLog "schedsync/internal/log"
	"schedsync/internal/model"
)

const productID = "-//schedsync//schedule feed//JA"

type record struct {
	id          string
	title       string
	description string
	start, end  time.Time
	allDay      bool
}

// Store keeps the whole calendar in memory and rewrites the file atomically
// after every batch.
type Store struct {
	mu      sync.Mutex
	path    string
	loc     *time.Location
	name    string
	records map[string]record
}

// Open loads path if it exists. A missing file is an empty calendar.
func Open(path string, loc *time.Location, name string) (*Store, error) {
	if path == "" {
		return nil, errors.New("ics store: path is empty")
	}
	if loc == nil {
		loc = time.UTC
	}
	s := &Store{path: path, loc: loc, name: name, records: map[string]record{}}

	body, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", model.ErrStoreUnavailable, path, err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return s, nil
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: parse %s: %w", model.ErrStoreUnavailable, path, err)
	}
	for _, ve := range cal.Events() {
		rec, err := s.parseVEvent(ve)
		if err != nil {
			appLog.Warn("ics store: skipping unreadable event", "path", path, "reason", err)
			continue
		}
		s.records[rec.id] = rec
	}
	appLog.Debug("ics store opened", "path", path, "events", len(s.records))
	return s, nil
}

func (s *Store) parseVEvent(ve *ical.VEvent) (record, error) {
	var rec record
	uid := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uid == nil || uid.Value == "" {
		return rec, errors.New("missing UID")
	}
	rec.id = uid.Value
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		rec.title = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		rec.description = p.Value
	}

	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStart == nil {
		return rec, errors.New("missing DTSTART")
	}
	// VALUE=DATE or no 'T' in the value -> all-day
	if vs := dtStart.ICalParameters["VALUE"]; len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		rec.allDay = true
	}
	if !strings.Contains(dtStart.Value, "T") {
		rec.allDay = true
	}

	if rec.allDay {
		start, err := time.ParseInLocation("20060102", dtStart.Value, s.loc)
		if err != nil {
			return rec, fmt.Errorf("DTSTART: %w", err)
		}
		rec.start, rec.end = start, start.AddDate(0, 0, 1)
		if p := ve.GetProperty(ical.ComponentPropertyDtEnd); p != nil {
			if end, err := time.ParseInLocation("20060102", p.Value, s.loc); err == nil {
				rec.end = end
			}
		}
		return rec, nil
	}

	start, err := ve.GetStartAt()
	if err != nil {
		return rec, fmt.Errorf("DTSTART: %w", err)
	}
	end, err := ve.GetEndAt()
	if err != nil {
		end = start
	}
	rec.start, rec.end = start.In(s.loc), end.In(s.loc)
	return rec, nil
}

func (s *Store) List(_ context.Context, window model.SyncWindow) ([]model.RemoteEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.RemoteEvent, 0, len(s.records))
	for _, r := range s.records {
		if window.Contains(r.start) {
			out = append(out, model.RemoteEvent{ID: r.id, Title: r.title, Start: r.start, End: r.end})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// BatchDelete removes ids. Unknown ids count as already deleted.
func (s *Store) BatchDelete(_ context.Context, ids []string) (model.BatchOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := make(map[string]record, len(ids))
	var out model.BatchOutcome
	for _, id := range ids {
		if r, ok := s.records[id]; ok {
			removed[id] = r
			delete(s.records, id)
		}
		out.Succeeded = append(out.Succeeded, id)
	}
	if err := s.flush(); err != nil {
		for id, r := range removed {
			s.records[id] = r
		}
		return model.BatchOutcome{}, err
	}
	return out, nil
}

// BatchInsert assigns each event a fresh UID.
func (s *Store) BatchInsert(_ context.Context, events []model.ClassifiedEvent) (model.BatchOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	added := make([]string, 0, len(events))
	var out model.BatchOutcome
	for _, ev := range events {
		id := uuid.NewString() + "@schedsync"
		s.records[id] = record{
			id:          id,
			title:       ev.Title,
			description: ev.Description,
			start:       ev.Start,
			end:         ev.End,
			allDay:      ev.AllDay,
		}
		added = append(added, id)
		out.Succeeded = append(out.Succeeded, ev.RequestID)
	}
	if err := s.flush(); err != nil {
		for _, id := range added {
			delete(s.records, id)
		}
		return model.BatchOutcome{}, err
	}
	return out, nil
}

// Close is a no-op; every batch is already on disk.
func (s *Store) Close() error { return nil }

// flush must be called with s.mu held.
func (s *Store) flush() error {
	cal := ical.NewCalendar()
	cal.SetProductId(productID)
	cal.SetXWRTimezone(s.loc.String())
	if s.name != "" {
		cal.SetXWRCalName(s.name)
	}

	recs := make([]record, 0, len(s.records))
	for _, r := range s.records {
		recs = append(recs, r)
	}
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].start.Equal(recs[j].start) {
			return recs[i].start.Before(recs[j].start)
		}
		return recs[i].id < recs[j].id
	})

	stamp := time.Now()
	for _, r := range recs {
		ve := cal.AddEvent(r.id)
		ve.SetDtStampTime(stamp)
		ve.SetSummary(r.title)
		if r.description != "" {
			ve.SetDescription(r.description)
		}
		ve.SetClass(ical.ClassificationPublic)
		if r.allDay {
			ve.SetAllDayStartAt(r.start.In(s.loc))
			ve.SetAllDayEndAt(r.end.In(s.loc))
		} else {
			ve.SetStartAt(r.start)
			ve.SetEndAt(r.end)
		}
	}

	if err := config.WriteFileAtomic(s.path, []byte(cal.Serialize()), ".schedsync-*.ics"); err != nil {
		return fmt.Errorf("%w: write %s: %w", model.ErrStoreUnavailable, s.path, err)
	}
	return nil
}
