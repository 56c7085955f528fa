package borrow

import (
	"strings"
	"time"

	orm "github.com/medatechnology/putralib"
)

// Clock supplies "now". Tests pass a fixed one.
type Clock interface {
	Now() time.Time
}

type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// FixedClock always returns t.
func FixedClock(t time.Time) Clock {
	return ClockFunc(func() time.Time { return t })
}

// Today returns the civil date of now in loc.
func Today(c Clock, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return c.Now().In(loc).Format(orm.DateLayout)
}

// ParseDate normalizes a YYYY-MM-DD date. Empty input is a missing date.
func ParseDate(field, value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", Invalid(field, "is required")
	}
	t, err := time.Parse(orm.DateLayout, value)
	if err != nil {
		return "", Invalid(field, "must be a date in YYYY-MM-DD format")
	}
	return t.Format(orm.DateLayout), nil
}

// DaysBetween counts calendar days from a to b (both YYYY-MM-DD).
func DaysBetween(a, b string) int {
	ta, errA := time.Parse(orm.DateLayout, a)
	tb, errB := time.Parse(orm.DateLayout, b)
	if errA != nil || errB != nil {
		return 0
	}
	return int(tb.Sub(ta).Hours() / 24)
}
