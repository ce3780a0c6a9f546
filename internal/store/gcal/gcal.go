// Package gcal is the Google Calendar store.
package gcal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"schedsync/internal/config"
	appLog "schedsync/internal/log"
	"schedsync/internal/model"
)

const listPageSize = 2500

type Store struct {
	svc        *calendar.Service
	calendarID string
	loc        *time.Location
}

// Open authenticates with the configured credentials.
func Open(ctx context.Context, cfg config.StoreConfig, loc *time.Location) (*Store, error) {
	opts, err := clientOptions(ctx, cfg.CredentialsFile, cfg.TokenFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrStoreUnavailable, err)
	}
	return New(ctx, cfg.CalendarID, loc, opts...)
}

// New builds a Store from explicit client options.
func New(ctx context.Context, calendarID string, loc *time.Location, opts ...option.ClientOption) (*Store, error) {
	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: calendar service: %w", model.ErrStoreUnavailable, err)
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Store{svc: svc, calendarID: calendarID, loc: loc}, nil
}

// Close is a no-op; the HTTP client has no resources to release.
func (s *Store) Close() error { return nil }

// List returns expanded single events whose start falls in window.
func (s *Store) List(ctx context.Context, window model.SyncWindow) ([]model.RemoteEvent, error) {
	var out []model.RemoteEvent
	call := s.svc.Events.List(s.calendarID).
		TimeMin(window.Start.Format(time.RFC3339)).
		TimeMax(window.End.Format(time.RFC3339)).
		SingleEvents(true).
		OrderBy("startTime").
		MaxResults(listPageSize)

	err := call.Pages(ctx, func(page *calendar.Events) error {
		for _, item := range page.Items {
			if item.Status == "cancelled" {
				continue
			}
			start, err := s.parseTime(item.Start)
			if err != nil {
				appLog.Warn("gcal: event with unreadable start skipped", "id", item.Id, "reason", err)
				continue
			}
			if !window.Contains(start) {
				continue
			}
			end, err := s.parseTime(item.End)
			if err != nil {
				end = start
			}
			out = append(out, model.RemoteEvent{ID: item.Id, Title: item.Summary, Start: start, End: end})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", s.calendarID, err)
	}
	return out, nil
}

// BatchDelete deletes ids one request at a time, in order. The Go client has
// no multipart batch call, so a batch here is a bounded group of single
// requests sharing one deadline. 404 and 410 mean the event is already gone
// and count as success. A transport error on the first request fails the
// whole group as unavailable.
func (s *Store) BatchDelete(ctx context.Context, ids []string) (model.BatchOutcome, error) {
	var out model.BatchOutcome
	for i, id := range ids {
		err := s.svc.Events.Delete(s.calendarID, id).Context(ctx).Do()
		if err == nil || isGone(err) {
			out.Succeeded = append(out.Succeeded, id)
			continue
		}
		if i == 0 && !isAPIError(err) {
			return model.BatchOutcome{}, fmt.Errorf("%w: %w", model.ErrStoreUnavailable, err)
		}
		out.Failed = append(out.Failed, model.ItemFailure{ID: id, Err: err.Error()})
	}
	return out, nil
}

// BatchInsert creates public events one request at a time, all-day ones by
// date. As with BatchDelete, the group is not a single multipart request and
// each item succeeds or fails on its own.
func (s *Store) BatchInsert(ctx context.Context, events []model.ClassifiedEvent) (model.BatchOutcome, error) {
	var out model.BatchOutcome
	for i, ev := range events {
		_, err := s.svc.Events.Insert(s.calendarID, s.toAPI(ev)).Context(ctx).Do()
		if err == nil {
			out.Succeeded = append(out.Succeeded, ev.RequestID)
			continue
		}
		if i == 0 && !isAPIError(err) {
			return model.BatchOutcome{}, fmt.Errorf("%w: %w", model.ErrStoreUnavailable, err)
		}
		out.Failed = append(out.Failed, model.ItemFailure{ID: ev.RequestID, Title: ev.Title, Err: err.Error()})
	}
	return out, nil
}

func (s *Store) toAPI(ev model.ClassifiedEvent) *calendar.Event {
	out := &calendar.Event{
		Summary:     ev.Title,
		Description: ev.Description,
		Visibility:  "public",
	}
	if ev.AllDay {
		out.Start = &calendar.EventDateTime{Date: ev.Start.In(s.loc).Format(time.DateOnly)}
		out.End = &calendar.EventDateTime{Date: ev.End.In(s.loc).Format(time.DateOnly)}
		return out
	}
	out.Start = &calendar.EventDateTime{DateTime: ev.Start.In(s.loc).Format(time.RFC3339), TimeZone: s.loc.String()}
	out.End = &calendar.EventDateTime{DateTime: ev.End.In(s.loc).Format(time.RFC3339), TimeZone: s.loc.String()}
	return out
}

func (s *Store) parseTime(dt *calendar.EventDateTime) (time.Time, error) {
	if dt == nil {
		return time.Time{}, errors.New("missing time")
	}
	if dt.DateTime != "" {
		t, err := time.Parse(time.RFC3339, dt.DateTime)
		if err != nil {
			return time.Time{}, err
		}
		return t.In(s.loc), nil
	}
	return time.ParseInLocation(time.DateOnly, dt.Date, s.loc)
}

func isAPIError(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr)
}

func isGone(err error) bool {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return false
	}
	return gerr.Code == http.StatusNotFound || gerr.Code == http.StatusGone
}
