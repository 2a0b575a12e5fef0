// Package caldav reads events from CalDAV calendars such as iCloud.
package caldav

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	webdavcaldav "github.com/emersion/go-webdav/caldav"
	"github.com/teambition/rrule-go"

	"kronos/internal/models"
)

const (
	// DefaultEndpoint is the iCloud CalDAV server.
	DefaultEndpoint = "https://caldav.icloud.com/"

	// Prefix marks trigger calendar ids that are CalDAV collection paths,
	// e.g. "caldav:/1234/calendars/work/".
	Prefix = "caldav:"

	// maxOccurrences caps the expansion of a single recurring event.
	maxOccurrences = 1000
)

// customTransport handles adding Basic Auth and custom headers to requests.
type customTransport struct {
	Username  string
	Password  string
	Transport http.RoundTripper
}

// RoundTrip adds required headers and authentication to each request.
func (t *customTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.SetBasicAuth(t.Username, t.Password)
	req.Header.Set("User-Agent", "kronos/1.0")
	return t.Transport.RoundTrip(req)
}

// Client reads events from a CalDAV server.
type Client struct {
	caldavClient *webdavcaldav.Client
	logger       *slog.Logger
	location     *time.Location
}

// NewClient creates a CalDAV client for endpoint authenticating with username
// and password. Floating times are interpreted in loc.
func NewClient(logger *slog.Logger, endpoint, username, password string, loc *time.Location) (*Client, error) {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if loc == nil {
		loc = time.Local
	}
	transport := &customTransport{
		Username:  username,
		Password:  password,
		Transport: http.DefaultTransport,
	}
	httpClient := &http.Client{Transport: transport, Timeout: 30 * time.Second}

	caldavClient, err := webdavcaldav.NewClient(httpClient, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create caldav client: %w", err)
	}

	return &Client{caldavClient: caldavClient, logger: logger, location: loc}, nil
}

// ListEvents returns the occurrences of the events in the calendar at
// calendarID (with or without the "caldav:" prefix) overlapping [from, to],
// ordered by start time.
func (c *Client) ListEvents(ctx context.Context, calendarID string, from, to time.Time) ([]*models.Event, error) {
	path := strings.TrimPrefix(calendarID, Prefix)
	c.logger.Debug("Querying CalDAV calendar", "path", path, "from", from, "to", to)

	query := &webdavcaldav.CalendarQuery{
		CompRequest: webdavcaldav.CalendarCompRequest{
			Name:     ical.CompCalendar,
			AllProps: true,
			AllComps: true,
		},
		CompFilter: webdavcaldav.CompFilter{
			Name: ical.CompCalendar,
			Comps: []webdavcaldav.CompFilter{{
				Name:  ical.CompEvent,
				Start: from,
				End:   to,
			}},
		},
	}

	objects, err := c.caldavClient.QueryCalendar(ctx, path, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query calendar %s: %w", path, err)
	}

	var events []*models.Event
	for _, obj := range objects {
		if obj.Data == nil {
			continue
		}
		occ, err := Occurrences(obj.Data, from, to, c.location)
		if err != nil {
			c.logger.Warn("Skipping calendar object", "path", obj.Path, "error", err)
			continue
		}
		for _, ev := range occ {
			ev.Source = Prefix + path
		}
		events = append(events, occ...)
	}
	SortByStart(events)

	c.logger.Debug("Fetched events from CalDAV", "count", len(events), "path", path)
	return events, nil
}

// Occurrences expands the VEVENTs of cal into single occurrences overlapping
// [from, to]. Instances overridden by a RECURRENCE-ID component are replaced
// by the override.
func Occurrences(cal *ical.Calendar, from, to time.Time, loc *time.Location) ([]*models.Event, error) {
	var masters []*ical.Component
	overrides := make(map[string]bool)
	var out []*models.Event

	for _, comp := range cal.Children {
		if comp.Name != ical.CompEvent {
			continue
		}
		if rid := comp.Props.Get(ical.PropRecurrenceID); rid != nil {
			ev := ical.Event{Component: comp}
			start, end, allDay, err := bounds(ev, loc)
			if err != nil {
				return nil, err
			}
			if ridTime, err := rid.DateTime(loc); err == nil {
				overrides[occurrenceKey(ev, ridTime)] = true
			}
			if overlaps(start, end, from, to) {
				out = append(out, toEvent(ev, start, allDay))
			}
			continue
		}
		masters = append(masters, comp)
	}

	for _, comp := range masters {
		ev := ical.Event{Component: comp}
		start, end, allDay, err := bounds(ev, loc)
		if err != nil {
			return nil, err
		}

		set, err := ev.RecurrenceSet(loc)
		if err != nil {
			return nil, fmt.Errorf("invalid recurrence: %w", err)
		}
		if set == nil {
			if overlaps(start, end, from, to) {
				out = append(out, toEvent(ev, start, allDay))
			}
			continue
		}

		for _, occStart := range expand(set, start, end, from, to) {
			if overrides[occurrenceKey(ev, occStart)] {
				continue
			}
			out = append(out, toEvent(ev, occStart, allDay))
		}
	}
	return out, nil
}

// expand lists the starts of the occurrences of set that overlap [from, to].
func expand(set *rrule.Set, start, end, from, to time.Time) []time.Time {
	duration := end.Sub(start)
	var out []time.Time
	for _, occ := range set.Between(from.Add(-duration), to, true) {
		if !overlaps(occ, occ.Add(duration), from, to) {
			continue
		}
		out = append(out, occ)
		if len(out) >= maxOccurrences {
			break
		}
	}
	return out
}

func bounds(ev ical.Event, loc *time.Location) (start, end time.Time, allDay bool, err error) {
	prop := ev.Props.Get(ical.PropDateTimeStart)
	if prop == nil {
		return start, end, false, fmt.Errorf("event without DTSTART")
	}
	allDay = prop.ValueType() == ical.ValueDate

	start, err = ev.DateTimeStart(loc)
	if err != nil {
		return start, end, false, fmt.Errorf("invalid DTSTART: %w", err)
	}
	end, err = ev.DateTimeEnd(loc)
	if err != nil || end.IsZero() || end.Before(start) {
		end = start
		if allDay {
			end = start.AddDate(0, 0, 1)
		}
	}
	return start, end, allDay, nil
}

func toEvent(ev ical.Event, start time.Time, allDay bool) *models.Event {
	e := &models.Event{
		Status:    normalizeStatus(ev.Props.Get(ical.PropStatus)),
		StartTime: start,
		AllDay:    allDay,
	}
	if p := ev.Props.Get(ical.PropUID); p != nil {
		e.ID = p.Value
	}
	if p := ev.Props.Get(ical.PropSummary); p != nil {
		e.Summary = p.Value
	}
	if allDay {
		e.StartDate = start.Format(models.DateLayout)
	}
	return e
}

// normalizeStatus maps the iCalendar STATUS to the lower-case form used by
// the Google API. Events without STATUS are treated as confirmed.
func normalizeStatus(p *ical.Prop) string {
	if p == nil || p.Value == "" {
		return models.StatusConfirmed
	}
	return strings.ToLower(p.Value)
}

func occurrenceKey(ev ical.Event, t time.Time) string {
	uid := ""
	if p := ev.Props.Get(ical.PropUID); p != nil {
		uid = p.Value
	}
	return uid + "|" + t.UTC().Format(time.RFC3339)
}

func overlaps(start, end, from, to time.Time) bool {
	if end.Equal(start) {
		return !start.Before(from) && !start.After(to)
	}
	return start.Before(to) && end.After(from)
}

// SortByStart orders events by start time, keeping the input order of events
// starting at the same time.
func SortByStart(events []*models.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].StartTime.Before(events[j].StartTime)
	})
}
