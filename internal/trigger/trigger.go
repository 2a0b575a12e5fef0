// Package trigger holds the configured notification rules and decides which
// calendar events fire them.
package trigger

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"kronos/internal/mail"
	"kronos/internal/models"
	"kronos/internal/offset"
)

// Spec is the raw configuration of a trigger.
type Spec struct {
	Name             string
	Enabled          bool
	SourceCalendarID string
	Lookahead        string
	Regex            string
	SMTP             string
	From             string
	To               string
	Subject          string
	Body             string
}

// Trigger is a validated, immutable notification rule.
type Trigger struct {
	Name             string
	Enabled          bool
	SourceCalendarID string
	Lookahead        string
	Offset           offset.Offset
	Pattern          string
	SMTP             string
	Host             string
	Port             int
	From             string
	To               string
	Subject          string
	Body             string

	re *regexp.Regexp
}

// New validates spec and builds a Trigger from it. The pattern is compiled
// case-insensitively; an invalid pattern or SMTP target is an error.
// A malformed lookahead is not an error and yields a zero offset.
func New(spec Spec) (Trigger, error) {
	re, err := regexp.Compile("(?i)" + spec.Regex)
	if err != nil {
		return Trigger{}, fmt.Errorf("trigger %s: invalid regex %q: %w", spec.Name, spec.Regex, err)
	}

	var host string
	var port int
	if spec.SMTP != "" {
		host, port, err = SplitSMTP(spec.SMTP)
		if err != nil {
			return Trigger{}, fmt.Errorf("trigger %s: %w", spec.Name, err)
		}
	}

	return Trigger{
		Name:             spec.Name,
		Enabled:          spec.Enabled,
		SourceCalendarID: spec.SourceCalendarID,
		Lookahead:        spec.Lookahead,
		Offset:           offset.Parse(spec.Lookahead),
		Pattern:          spec.Regex,
		SMTP:             spec.SMTP,
		Host:             host,
		Port:             port,
		From:             spec.From,
		To:               spec.To,
		Subject:          spec.Subject,
		Body:             spec.Body,
		re:               re,
	}, nil
}

// Disabled builds a disabled Trigger from spec without compiling its pattern
// or checking its SMTP target. The result never matches an event.
func Disabled(spec Spec) Trigger {
	return Trigger{
		Name:             spec.Name,
		SourceCalendarID: spec.SourceCalendarID,
		Lookahead:        spec.Lookahead,
		Offset:           offset.Parse(spec.Lookahead),
		Pattern:          spec.Regex,
		SMTP:             spec.SMTP,
		From:             spec.From,
		To:               spec.To,
		Subject:          spec.Subject,
		Body:             spec.Body,
	}
}

// SplitSMTP splits an SMTP target of the form "host" or "host:port".
// The port defaults to 25.
func SplitSMTP(target string) (string, int, error) {
	if !strings.Contains(target, ":") {
		if target == "" {
			return "", 0, fmt.Errorf("empty smtp target")
		}
		return target, mail.DefaultPort, nil
	}

	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		return "", 0, fmt.Errorf("invalid smtp target %q: %w", target, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid smtp port in %q", target)
	}
	if host == "" {
		return "", 0, fmt.Errorf("invalid smtp target %q: missing host", target)
	}
	return host, port, nil
}

func (t Trigger) String() string {
	return t.Name
}

// Target returns now projected by the trigger's lookahead. Its date is the
// only day on which an event can fire the trigger.
func (t Trigger) Target(now time.Time) time.Time {
	return offset.Project(now, t.Offset)
}

// MatchesSummary reports whether summary matches the trigger pattern.
func (t Trigger) MatchesSummary(summary string) bool {
	if t.re == nil {
		return false
	}
	return t.re.MatchString(summary)
}

// Matches reports whether ev fires the trigger at time now: the event must be
// confirmed, its summary must match the pattern and it must start exactly on
// the target date.
func (t Trigger) Matches(ev *models.Event, now time.Time) bool {
	if ev == nil || !ev.Confirmed() {
		return false
	}
	if !t.MatchesSummary(ev.Summary) {
		return false
	}
	return ev.StartDate == t.Target(now).Format(models.DateLayout)
}

// RenderBody substitutes %{event_date} in the body template with the target
// date. A literal percent sign is written as %%.
func (t Trigger) RenderBody(target time.Time) string {
	r := strings.NewReplacer(
		"%{event_date}", target.Format(models.DateLayout),
		"%%", "%",
	)
	return r.Replace(t.Body)
}

// Message builds the notification sent when the trigger fires for target.
func (t Trigger) Message(target time.Time) mail.Message {
	return mail.Message{
		Host:    t.Host,
		Port:    t.Port,
		From:    t.From,
		To:      t.To,
		Subject: t.Subject,
		Body:    t.RenderBody(target),
	}
}
