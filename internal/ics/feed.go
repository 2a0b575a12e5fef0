// Package ics reads events from ICS subscription feeds.
package ics

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/teambition/rrule-go"

	"kronos/internal/models"
)

// maxOccurrences caps the expansion of a single recurring event.
const maxOccurrences = 1000

// IsFeedURL reports whether calendarID names an ICS feed rather than a
// calendar of an account.
func IsFeedURL(calendarID string) bool {
	lower := strings.ToLower(calendarID)
	return strings.HasPrefix(lower, "https://") ||
		strings.HasPrefix(lower, "http://") ||
		strings.HasPrefix(lower, "webcal://")
}

// Fetcher downloads and expands ICS feeds.
type Fetcher struct {
	client   *http.Client
	logger   *slog.Logger
	location *time.Location
}

// NewFetcher creates a Fetcher. Floating and all-day times are read in loc.
func NewFetcher(logger *slog.Logger, client *http.Client, loc *time.Location) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if loc == nil {
		loc = time.Local
	}
	return &Fetcher{client: client, logger: logger, location: loc}
}

// ListEvents fetches the feed at url and returns the occurrences overlapping
// [from, to] ordered by start time.
func (f *Fetcher) ListEvents(ctx context.Context, url string, from, to time.Time) ([]*models.Event, error) {
	if strings.HasPrefix(strings.ToLower(url), "webcal://") {
		url = "https://" + url[len("webcal://"):]
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "kronos/1.0")

	f.logger.Debug("Fetching ICS feed", "url", redactURL(url))
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch feed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch feed %s: status %s", redactURL(url), resp.Status)
	}

	events, err := Parse(resp.Body, from, to, f.location)
	if err != nil {
		return nil, err
	}
	for _, ev := range events {
		ev.Source = redactURL(url)
	}
	return events, nil
}

// Parse reads an ICS payload and returns the occurrences overlapping
// [from, to] ordered by start time.
func Parse(r io.Reader, from, to time.Time, loc *time.Location) ([]*models.Event, error) {
	cal, err := ical.ParseCalendar(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse feed: %w", err)
	}

	// An override replaces the instance of its master named by RECURRENCE-ID.
	overrides := make(map[string]bool)
	var masters []*ical.VEvent
	var out []*models.Event
	for _, ve := range cal.Events() {
		rid := ve.GetProperty(ical.ComponentPropertyRecurrenceId)
		if rid == nil {
			masters = append(masters, ve)
			continue
		}
		if t, err := propTime(rid, loc); err == nil {
			overrides[occurrenceKey(ve.Id(), t)] = true
		}
		out = append(out, occurrences(ve, from, to, loc, nil)...)
	}
	for _, ve := range masters {
		out = append(out, occurrences(ve, from, to, loc, overrides)...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out, nil
}

// occurrences expands ve into the instances overlapping [from, to], leaving
// out the ones listed in overrides.
func occurrences(ve *ical.VEvent, from, to time.Time, loc *time.Location, overrides map[string]bool) []*models.Event {
	allDay := isAllDay(ve)

	var start, end time.Time
	var err error
	if allDay {
		start, err = ve.GetAllDayStartAt()
		if err != nil {
			return nil
		}
		start = time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, loc)
		end = start.AddDate(0, 0, 1)
		if e, err := ve.GetAllDayEndAt(); err == nil && e.After(start) {
			end = time.Date(e.Year(), e.Month(), e.Day(), 0, 0, 0, 0, loc)
		}
	} else {
		start, err = ve.GetStartAt()
		if err != nil {
			return nil
		}
		end = start
		if e, err := ve.GetEndAt(); err == nil && e.After(start) {
			end = e
		}
	}

	rruleProp := ve.GetProperty(ical.ComponentPropertyRrule)
	if rruleProp == nil || rruleProp.Value == "" {
		if !overlaps(start, end, from, to) {
			return nil
		}
		return []*models.Event{toEvent(ve, start, allDay)}
	}

	r, err := rrule.StrToRRule(rruleProp.Value)
	if err != nil {
		return nil
	}
	r.DTStart(start)

	var set rrule.Set
	set.RRule(r)
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			if t, err := parseICSTime(strings.TrimSpace(part), loc); err == nil {
				set.ExDate(t)
			}
		}
	}

	duration := end.Sub(start)
	var out []*models.Event
	for _, occ := range set.Between(from.Add(-duration), to, true) {
		if !overlaps(occ, occ.Add(duration), from, to) || overrides[occurrenceKey(ve.Id(), occ)] {
			continue
		}
		out = append(out, toEvent(ve, occ, allDay))
		if len(out) >= maxOccurrences {
			break
		}
	}
	return out
}

func isAllDay(ve *ical.VEvent) bool {
	p := ve.GetProperty(ical.ComponentPropertyDtStart)
	if p == nil {
		return false
	}
	if vs, ok := p.ICalParameters["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		return true
	}
	return !strings.Contains(p.Value, "T")
}

func toEvent(ve *ical.VEvent, start time.Time, allDay bool) *models.Event {
	e := &models.Event{
		ID:        ve.Id(),
		Status:    models.StatusConfirmed,
		StartTime: start,
		AllDay:    allDay,
	}
	if p := ve.GetProperty(ical.ComponentPropertyStatus); p != nil && p.Value != "" {
		e.Status = strings.ToLower(p.Value)
	}
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		e.Summary = p.Value
	}
	if allDay {
		e.StartDate = start.Format(models.DateLayout)
	}
	return e
}

// propTime reads a DATE or DATE-TIME property, honouring its TZID.
func propTime(p *ical.IANAProperty, loc *time.Location) (time.Time, error) {
	if tzids, ok := p.ICalParameters["TZID"]; ok && len(tzids) > 0 {
		if tz, err := time.LoadLocation(tzids[0]); err == nil {
			loc = tz
		}
	}
	return parseICSTime(strings.TrimSpace(p.Value), loc)
}

func occurrenceKey(uid string, t time.Time) string {
	return uid + "|" + t.UTC().Format(time.RFC3339)
}

// parseICSTime parses the DATE and DATE-TIME forms used by EXDATE.
func parseICSTime(v string, loc *time.Location) (time.Time, error) {
	switch {
	case strings.HasSuffix(v, "Z"):
		return time.Parse("20060102T150405Z", v)
	case strings.Contains(v, "T"):
		return time.ParseInLocation("20060102T150405", v, loc)
	default:
		return time.ParseInLocation("20060102", v, loc)
	}
}

func overlaps(start, end, from, to time.Time) bool {
	if end.Equal(start) {
		return !start.Before(from) && !start.After(to)
	}
	return start.Before(to) && end.After(from)
}

// redactURL drops the query string, which often carries a private token.
func redactURL(u string) string {
	if i := strings.IndexByte(u, '?'); i >= 0 {
		return u[:i] + "?…"
	}
	return u
}
