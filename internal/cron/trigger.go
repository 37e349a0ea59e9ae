package cron

import (
	"errors"
	"fmt"
	"strings"
	"time"

	robfig "github.com/robfig/cron/v3"
)

// Trigger is a parsed 5-field cron schedule pinned to a timezone.
//
// Field sets are kept as the bitsets produced by robfig/cron: bit N set means
// value N is accepted, and starBit marks a field written as "*" (which matters
// for the day-of-month / day-of-week combination rule).
type Trigger struct {
	spec robfig.SpecSchedule
	loc  *time.Location
}

// Fields exposes the raw per-field bitsets of a trigger.
type Fields struct {
	Minute uint64
	Hour   uint64
	Dom    uint64
	Month  uint64
	Dow    uint64
}

// ParseError reports a malformed or out-of-range cron string.
type ParseError struct {
	Expr string
	Err  error
}

func (e *ParseError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("invalid cron %q: %v", e.Expr, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// IsParseError reports whether err carries a *ParseError.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

const starBit = 1 << 63

var parser = robfig.NewParser(robfig.Minute | robfig.Hour | robfig.Dom | robfig.Month | robfig.Dow)

// Parse parses expr (minute hour day-of-month month day-of-week) and binds
// it to the IANA timezone tz. An empty tz means UTC.
func Parse(expr, tz string) (*Trigger, error) {
	loc, err := loadLocation(tz)
	if err != nil {
		return nil, &ParseError{Expr: expr, Err: err}
	}
	return ParseIn(expr, loc)
}

// ParseIn is Parse with an already resolved location.
func ParseIn(expr string, loc *time.Location) (*Trigger, error) {
	s := strings.TrimSpace(expr)
	if s == "" {
		return nil, &ParseError{Expr: expr, Err: errors.New("empty expression")}
	}
	if strings.HasPrefix(s, "TZ=") || strings.HasPrefix(s, "CRON_TZ=") {
		return nil, &ParseError{Expr: expr, Err: errors.New("timezone prefix not allowed")}
	}
	if strings.HasPrefix(s, "@") {
		return nil, &ParseError{Expr: expr, Err: errors.New("descriptors are not supported")}
	}
	if err := checkLists(s); err != nil {
		return nil, &ParseError{Expr: expr, Err: err}
	}
	sched, err := parser.Parse(s)
	if err != nil {
		return nil, &ParseError{Expr: expr, Err: err}
	}
	spec, ok := sched.(*robfig.SpecSchedule)
	if !ok {
		return nil, &ParseError{Expr: expr, Err: fmt.Errorf("unexpected schedule type %T", sched)}
	}
	if loc == nil {
		loc = time.UTC
	}
	t := &Trigger{spec: *spec, loc: loc}
	t.spec.Location = loc
	return t, nil
}

// checkLists rejects input robfig/cron would silently rewrite: empty list
// items ("1,,2", "1,", ",5") and the "?" alias for "*".
func checkLists(s string) error {
	for i, field := range strings.Fields(s) {
		if strings.Contains(field, "?") {
			return fmt.Errorf("field %d: %q is not supported, use %q", i+1, "?", "*")
		}
		for _, item := range strings.Split(field, ",") {
			if item == "" {
				return fmt.Errorf("field %d: empty list item in %q", i+1, field)
			}
		}
	}
	return nil
}

// MustParse is Parse for tests and static tables.
func MustParse(expr, tz string) *Trigger {
	t, err := Parse(expr, tz)
	if err != nil {
		panic(err)
	}
	return t
}

func loadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" || strings.EqualFold(tz, "UTC") {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("unknown timezone %q: %w", tz, err)
	}
	return loc, nil
}

// Next returns the earliest fire time strictly after the given instant,
// expressed in the trigger timezone. ok is false when nothing matches within
// the next five years.
func (t *Trigger) Next(after time.Time) (time.Time, bool) {
	if t == nil {
		return time.Time{}, false
	}
	spec := t.spec
	n := spec.Next(after.In(t.loc))
	if n.IsZero() {
		return time.Time{}, false
	}
	return n.In(t.loc), true
}

// Preview returns up to n consecutive fire times after the given instant.
func (t *Trigger) Preview(after time.Time, n int) []time.Time {
	out := make([]time.Time, 0, n)
	cur := after
	for i := 0; i < n; i++ {
		next, ok := t.Next(cur)
		if !ok {
			break
		}
		out = append(out, next)
		cur = next
	}
	return out
}

// Matches reports whether the minute containing at satisfies every field.
func (t *Trigger) Matches(at time.Time) bool {
	if t == nil {
		return false
	}
	at = at.In(t.loc)
	s := t.spec
	if s.Minute&(1<<uint(at.Minute())) == 0 ||
		s.Hour&(1<<uint(at.Hour())) == 0 ||
		s.Month&(1<<uint(at.Month())) == 0 {
		return false
	}
	dom := s.Dom&(1<<uint(at.Day())) != 0
	dow := s.Dow&(1<<uint(at.Weekday())) != 0
	if s.Dom&starBit != 0 || s.Dow&starBit != 0 {
		return dom && dow
	}
	return dom || dow
}

// Fields returns a copy of the field bitsets.
func (t *Trigger) Fields() Fields {
	return Fields{
		Minute: t.spec.Minute,
		Hour:   t.spec.Hour,
		Dom:    t.spec.Dom,
		Month:  t.spec.Month,
		Dow:    t.spec.Dow,
	}
}

// Location returns the trigger timezone.
func (t *Trigger) Location() *time.Location { return t.loc }

// Timezone returns the IANA name of the trigger timezone.
func (t *Trigger) Timezone() string { return t.loc.String() }
