// Package cronspec validates five-field cron expressions and derives the
// canonical expression for a report recurrence.
//
// Supported recurrences and their fixed mapping (minute m, hour h):
//   - daily:   "m h * * *"
//   - weekly:  "m h * * 1" (Monday)
//   - monthly: "m h 1 * *" (first day of month)
package cronspec

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

type Kind string

const (
	Daily   Kind = "daily"
	Weekly  Kind = "weekly"
	Monthly Kind = "monthly"
)

// Kinds lists every supported recurrence.
var Kinds = []Kind{Daily, Weekly, Monthly}

// ValidationError reports a malformed cron expression or time-of-day.
type ValidationError struct {
	Input string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid schedule %q: %v", e.Input, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// IsValidationError reports whether err (or anything it wraps) is a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Standard five fields only: no seconds, no descriptors, no per-entry TZ.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Parser returns the parser every schedule is validated and installed with,
// so validation and installation never disagree.
func Parser() cron.Parser { return parser }

// Parse validates expr and returns its schedule.
func Parse(expr string) (cron.Schedule, error) {
	s := strings.TrimSpace(expr)
	if s == "" {
		return nil, &ValidationError{Input: expr, Err: errors.New("empty expression")}
	}
	// robfig accepts a TZ= prefix; the operating timezone is fixed per service.
	if strings.HasPrefix(s, "TZ=") || strings.HasPrefix(s, "CRON_TZ=") {
		return nil, &ValidationError{Input: expr, Err: errors.New("timezone prefix not allowed")}
	}
	sched, err := parser.Parse(s)
	if err != nil {
		return nil, &ValidationError{Input: expr, Err: err}
	}
	return sched, nil
}

// Validate reports whether expr is a well-formed five-field cron expression.
func Validate(expr string) error {
	_, err := Parse(expr)
	return err
}

func Valid(expr string) bool { return Validate(expr) == nil }

// ParseKind normalizes a recurrence name.
func ParseKind(raw string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(raw)))
	switch k {
	case Daily, Weekly, Monthly:
		return k, nil
	}
	return "", &ValidationError{Input: raw, Err: errors.New("recurrence must be daily, weekly or monthly")}
}

// ParseTimeOfDay parses "HH:MM" (24h).
func ParseTimeOfDay(s string) (hour, minute int, err error) {
	raw := s
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, &ValidationError{Input: raw, Err: errors.New("expected HH:MM")}
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 || !digits(parts[0], 1, 2) {
		return 0, 0, &ValidationError{Input: raw, Err: errors.New("hour must be 0-23")}
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 || !digits(parts[1], 2, 2) {
		return 0, 0, &ValidationError{Input: raw, Err: errors.New("minute must be 00-59")}
	}
	return h, m, nil
}

// digits reports whether s is between minLen and maxLen ASCII digits.
func digits(s string, minLen, maxLen int) bool {
	if len(s) < minLen || len(s) > maxLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// Derive returns the canonical cron expression for kind at timeOfDay.
func Derive(kind Kind, timeOfDay string) (string, error) {
	h, m, err := ParseTimeOfDay(timeOfDay)
	if err != nil {
		return "", err
	}
	switch kind {
	case Daily:
		return fmt.Sprintf("%d %d * * *", m, h), nil
	case Weekly:
		return fmt.Sprintf("%d %d * * 1", m, h), nil
	case Monthly:
		return fmt.Sprintf("%d %d 1 * *", m, h), nil
	}
	return "", &ValidationError{Input: string(kind), Err: errors.New("unknown recurrence")}
}

// NextRuns returns up to n activation times after from, evaluated in loc.
func NextRuns(expr string, loc *time.Location, from time.Time, n int) ([]time.Time, error) {
	sched, err := Parse(expr)
	if err != nil {
		return nil, err
	}
	if loc == nil {
		loc = time.Local
	}
	out := make([]time.Time, 0, n)
	t := from.In(loc)
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out, nil
}

// FormatRuns renders run times as a short comma separated list for logs.
func FormatRuns(runs []time.Time) string {
	var b strings.Builder
	for i, t := range runs {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04"))
	}
	return b.String()
}

// LoadLocation resolves an IANA zone name; empty means time.Local.
func LoadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local, nil
	}
	return time.LoadLocation(tz)
}
