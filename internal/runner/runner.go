package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"kronos/internal/mail"
	"kronos/internal/models"
	"kronos/internal/trigger"
)

// Calendar lists the events of a calendar overlapping [from, to], with
// recurring events expanded and ordered by start time.
type Calendar interface {
	ListEvents(ctx context.Context, calendarID string, from, to time.Time) ([]*models.Event, error)
}

// Mailer delivers a notification.
type Mailer interface {
	Send(ctx context.Context, msg mail.Message) error
}

// Options tune a Runner.
type Options struct {
	// DryRun logs the notifications instead of sending them.
	DryRun bool
	// KeepGoing logs a failing trigger and continues with the next one
	// instead of aborting the run.
	KeepGoing bool
}

// Report summarises a run.
type Report struct {
	Triggers int // enabled triggers processed
	Skipped  int // disabled triggers
	Events   int // events returned by the calendars
	Matched  int // events that fired a trigger
	Sent     int // notifications delivered (or logged in dry-run mode)
	Failed   int // triggers that failed
}

// Runner evaluates triggers against calendars and dispatches notifications.
type Runner struct {
	logger   *slog.Logger
	calendar Calendar
	mailer   Mailer
	opts     Options
}

// New creates a new Runner.
func New(logger *slog.Logger, calendar Calendar, mailer Mailer, opts Options) *Runner {
	return &Runner{
		logger:   logger,
		calendar: calendar,
		mailer:   mailer,
		opts:     opts,
	}
}

// Run processes the enabled triggers in order, one at a time. All triggers
// share the same reference time now.
//
// Without KeepGoing the first failure stops the run and is returned. With
// KeepGoing every trigger is processed and the failures are returned joined.
func (r *Runner) Run(ctx context.Context, triggers []trigger.Trigger, now time.Time) (Report, error) {
	logger := r.logger.With("run", uuid.NewString())
	logger.Info("Starting trigger run.", "now", now.Format(time.RFC3339), "triggers", len(triggers))

	var report Report
	var errs []error
	for _, t := range triggers {
		if !t.Enabled {
			report.Skipped++
			logger.Debug("Skipping disabled trigger.", "trigger", t.Name)
			continue
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}

		report.Triggers++
		if err := r.runTrigger(ctx, logger, t, now, &report); err != nil {
			err = fmt.Errorf("trigger %s: %w", t.Name, err)
			if !r.opts.KeepGoing {
				return report, err
			}
			report.Failed++
			logger.Error("Trigger failed, continuing with the next one.", "trigger", t.Name, "error", err)
			errs = append(errs, err)
		}
	}

	logger.Info("Trigger run finished.",
		"triggers", report.Triggers, "events", report.Events,
		"matched", report.Matched, "sent", report.Sent, "failed", report.Failed)
	return report, errors.Join(errs...)
}

// runTrigger fetches the events of one trigger, filters them and sends a
// notification for each match.
func (r *Runner) runTrigger(ctx context.Context, logger *slog.Logger, t trigger.Trigger, now time.Time, report *Report) error {
	end := t.Target(now)

	events, err := r.calendar.ListEvents(ctx, t.SourceCalendarID, now, end)
	if err != nil {
		return fmt.Errorf("failed to fetch events: %w", err)
	}
	report.Events += len(events)
	logger.Info(fmt.Sprintf("%d events found in the time period defined (%s) for %s", len(events), t.Lookahead, t.Name),
		"trigger", t.Name, "calendarID", t.SourceCalendarID, "target", end.Format(models.DateLayout))

	for _, ev := range events {
		if !ev.Confirmed() {
			continue
		}
		logger.Info("Confirmed event.", "trigger", t.Name, "date", ev.StartDate, "summary", ev.Summary, "status", ev.Status)

		if !t.Matches(ev, now) {
			continue
		}
		report.Matched++

		msg := t.Message(end)
		if r.opts.DryRun {
			logger.Info("[DRY RUN] Would send email", "trigger", t.Name, "to", msg.To, "subject", msg.Subject, "smtp", msg.Addr())
			report.Sent++
			continue
		}

		logger.Info("Sending email.", "trigger", t.Name, "to", msg.To, "event", ev.Summary)
		if err := r.mailer.Send(ctx, msg); err != nil {
			return fmt.Errorf("failed to send email for %q: %w", ev.Summary, err)
		}
		report.Sent++
	}
	return nil
}
