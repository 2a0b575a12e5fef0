// Package offset parses relative lookahead expressions such as "1m 2w 3d 4h"
// and projects them from a base timestamp.
package offset

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// pattern matches the optional components in their fixed order. Every group
// is optional, so the leftmost match always exists (possibly empty).
var pattern = regexp.MustCompile(`(?i)((\d+)m)? ?((\d+)w)? ?((\d+)d)? ?((\d+)h)?`)

// Offset is a relative duration expressed in calendar units.
type Offset struct {
	Months int
	Weeks  int
	Days   int
	Hours  int
}

// Parse extracts an Offset from text. It never fails: components that are
// absent or unparsable are zero, so malformed input yields the zero Offset.
func Parse(text string) Offset {
	m := pattern.FindStringSubmatch(text)
	if m == nil {
		return Offset{}
	}
	return Offset{
		Months: component(m[2]),
		Weeks:  component(m[4]),
		Days:   component(m[6]),
		Hours:  component(m[8]),
	}
}

// MaxComponent bounds every component of an Offset. Larger values parse as
// zero, which keeps the day and hour sums in Project far from overflow.
const MaxComponent = 100000

func component(s string) int {
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n > MaxComponent {
		return 0
	}
	return n
}

// Validate reports whether text is fully understood by Parse. It returns an
// error when some of the text is ignored, e.g. "1week" or "tomorrow". Parse
// itself is not affected; callers use this to warn about likely typos.
func Validate(text string) error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	loc := pattern.FindStringIndex(trimmed)
	if loc == nil || loc[0] != 0 || loc[1] != len(trimmed) {
		consumed := 0
		if loc != nil && loc[0] == 0 {
			consumed = loc[1]
		}
		return fmt.Errorf("lookahead %q: unrecognised text %q (expected \"<N>m <N>w <N>d <N>h\")", text, trimmed[consumed:])
	}
	m := pattern.FindStringSubmatch(trimmed)
	for _, i := range []int{2, 4, 6, 8} {
		if m[i] != "" && component(m[i]) == 0 && strings.Trim(m[i], "0") != "" {
			return fmt.Errorf("lookahead %q: %s is out of range (at most %d)", text, m[i-1], MaxComponent)
		}
	}
	return nil
}

// IsZero reports whether o adds nothing.
func (o Offset) IsZero() bool {
	return o == Offset{}
}

// String renders o in the canonical "1m 2w 3d 4h" form, omitting zero
// components. The zero Offset renders as "0h".
func (o Offset) String() string {
	var parts []string
	if o.Months > 0 {
		parts = append(parts, strconv.Itoa(o.Months)+"m")
	}
	if o.Weeks > 0 {
		parts = append(parts, strconv.Itoa(o.Weeks)+"w")
	}
	if o.Days > 0 {
		parts = append(parts, strconv.Itoa(o.Days)+"d")
	}
	if o.Hours > 0 {
		parts = append(parts, strconv.Itoa(o.Hours)+"h")
	}
	if len(parts) == 0 {
		return "0h"
	}
	return strings.Join(parts, " ")
}

// Project returns base advanced by o.
//
// Hours are folded first: the hour overflow past midnight becomes extra days.
// The months are then added to an intermediate timestamp carrying the new hour,
// and the days (weeks, days and hour carry) last. Month arithmetic follows
// time.AddDate normalisation, so a day-of-month missing from the target month
// overflows into the next one (2024-01-31 + 1m is 2024-03-02) instead of being
// clamped.
func Project(base time.Time, o Offset) time.Time {
	hour := base.Hour() + o.Hours
	carry := hour / 24
	hour %= 24
	days := o.Weeks*7 + o.Days + carry

	later := time.Date(base.Year(), base.Month(), base.Day(),
		hour, base.Minute(), base.Second(), base.Nanosecond(), base.Location())
	later = later.AddDate(0, o.Months, 0)
	return later.AddDate(0, 0, days)
}
