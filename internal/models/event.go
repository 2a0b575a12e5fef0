package models

import "time"

// StatusConfirmed is the only event status that can fire a trigger.
const StatusConfirmed = "confirmed"

// DateLayout is the layout of Event.StartDate.
const DateLayout = "2006-01-02"

// Event is a calendar event as seen by the trigger runner.
// It is independent of the calendar provider it was read from.
type Event struct {
	ID        string    // Provider identifier of the event (or occurrence)
	Status    string    // "confirmed", "tentative" or "cancelled"
	Summary   string    // Title of the event, matched against trigger patterns
	StartDate string    // Start day (YYYY-MM-DD) of an all-day event, empty for timed events
	StartTime time.Time // Start of a timed event, or midnight of StartDate
	AllDay    bool      // True when the event has no time of day
	Source    string    // The calendar the event was read from
}

// Confirmed reports whether the event status is exactly "confirmed".
func (e *Event) Confirmed() bool {
	return e.Status == StatusConfirmed
}
