// Package sources routes trigger calendar ids to the backend that serves them.
package sources

import (
	"context"
	"fmt"
	"strings"
	"time"

	"kronos/internal/caldav"
	"kronos/internal/ics"
	"kronos/internal/models"
)

// Kind identifies a calendar backend.
type Kind string

const (
	KindGoogle Kind = "google"
	KindCalDAV Kind = "caldav"
	KindICS    Kind = "ics"
)

// Lister reads the events of one calendar overlapping [from, to].
type Lister interface {
	ListEvents(ctx context.Context, calendarID string, from, to time.Time) ([]*models.Event, error)
}

// KindOf returns the backend serving calendarID: "caldav:" paths go to
// CalDAV, feed URLs to the ICS fetcher and everything else to Google.
func KindOf(calendarID string) Kind {
	switch {
	case strings.HasPrefix(calendarID, caldav.Prefix):
		return KindCalDAV
	case ics.IsFeedURL(calendarID):
		return KindICS
	default:
		return KindGoogle
	}
}

// Kinds returns the set of backends needed for calendarIDs.
func Kinds(calendarIDs []string) map[Kind]bool {
	kinds := make(map[Kind]bool)
	for _, id := range calendarIDs {
		kinds[KindOf(id)] = true
	}
	return kinds
}

// Router dispatches ListEvents to the backend registered for the kind of
// the calendar id.
type Router struct {
	backends map[Kind]Lister
}

// NewRouter returns an empty Router.
func NewRouter() *Router {
	return &Router{backends: make(map[Kind]Lister)}
}

// Register sets the backend for kind.
func (r *Router) Register(kind Kind, l Lister) {
	r.backends[kind] = l
}

// ListEvents implements runner.Calendar.
func (r *Router) ListEvents(ctx context.Context, calendarID string, from, to time.Time) ([]*models.Event, error) {
	kind := KindOf(calendarID)
	l, ok := r.backends[kind]
	if !ok {
		return nil, fmt.Errorf("no %s backend configured for calendar %q", kind, calendarID)
	}
	return l.ListEvents(ctx, calendarID, from, to)
}
