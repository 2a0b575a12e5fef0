package google

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"kronos/internal/models"
)

const applicationName = "Kronos"

// CalendarClient provides a client for reading events from the Google Calendar API.
type CalendarClient struct {
	service *calendar.Service
	logger  *slog.Logger
}

// NewClient creates a new Google Calendar client.
// It loads the client secrets, takes the credential stored for the default
// user and sets up an authenticated HTTP client. Refreshed tokens are saved
// back to the store.
func NewClient(ctx context.Context, logger *slog.Logger, secretsFile string, store *FileTokenStore) (*CalendarClient, error) {
	config, err := OAuthConfig(secretsFile)
	if err != nil {
		return nil, err
	}

	token, err := store.Load(DefaultUserID)
	if err != nil {
		return nil, fmt.Errorf("couldn't get credentials from %s: %w", store.Path(), err)
	}

	ts := newStoringTokenSource(config.TokenSource(ctx, token), store, DefaultUserID, token, func(err error) {
		logger.Warn("Failed to save refreshed token", "file", store.Path(), "error", err)
	})
	service, err := calendar.NewService(ctx,
		option.WithTokenSource(ts),
		option.WithUserAgent(applicationName),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}

	return &CalendarClient{service: service, logger: logger}, nil
}

// NewClientWithService wraps an already configured calendar service.
func NewClientWithService(logger *slog.Logger, service *calendar.Service) *CalendarClient {
	return &CalendarClient{service: service, logger: logger}
}

// ListEvents fetches the events of a calendar overlapping [from, to].
// Recurring events are expanded into single occurrences and the result is
// ordered by start time.
func (c *CalendarClient) ListEvents(ctx context.Context, calendarID string, from, to time.Time) ([]*models.Event, error) {
	c.logger.Debug("Fetching events", "calendarID", calendarID, "from", from, "to", to)

	var items []*calendar.Event
	err := c.service.Events.List(calendarID).
		SingleEvents(true).
		OrderBy("startTime").
		TimeMin(from.Format(time.RFC3339)).
		TimeMax(to.Format(time.RFC3339)).
		Pages(ctx, func(page *calendar.Events) error {
			items = append(items, page.Items...)
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve events: %w", err)
	}

	c.logger.Debug("Fetched events from Google Calendar", "count", len(items), "calendarID", calendarID)
	return toInternalEvents(items, calendarID), nil
}

// toInternalEvents converts Google Calendar events to the internal Event model.
// Only all-day events carry a StartDate; timed events keep their start time.
func toInternalEvents(googleEvents []*calendar.Event, source string) []*models.Event {
	internalEvents := make([]*models.Event, 0, len(googleEvents))
	for _, item := range googleEvents {
		event := &models.Event{
			ID:      item.Id,
			Status:  item.Status,
			Summary: item.Summary,
			Source:  "google-" + source,
		}
		if item.Start != nil {
			switch {
			case item.Start.Date != "":
				event.AllDay = true
				event.StartDate = item.Start.Date
				if t, err := time.Parse(models.DateLayout, item.Start.Date); err == nil {
					event.StartTime = t
				}
			case item.Start.DateTime != "":
				if t, err := time.Parse(time.RFC3339, item.Start.DateTime); err == nil {
					event.StartTime = t
				}
			}
		}
		internalEvents = append(internalEvents, event)
	}
	return internalEvents
}
