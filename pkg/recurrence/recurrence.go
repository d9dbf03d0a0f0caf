// Package recurrence computes when a recurring task happens next.
//
// The calculator is a pure function over civil-calendar arithmetic. Monthly
// steps carry year overflow and clamp the day-of-month to the target month's
// last valid day (Jan 31 + 1 month = Feb 28, or Feb 29 in a leap year), and
// yearly steps apply the same clamp when they land on a short February.
package recurrence

import (
	"errors"
	"time"

	"taskpulse/pkg/tasks"
)

var (
	// ErrUnknownPattern is returned for a pattern outside the closed set.
	// Recurring tasks are validated at write time, so reaching this from a
	// scheduler scan means the invariant was bypassed; we fail rather than
	// silently treat the pattern as daily.
	ErrUnknownPattern = errors.New("recurrence: unknown pattern")

	// ErrInvalidInterval is returned when interval < 1.
	ErrInvalidInterval = errors.New("recurrence: interval must be >= 1")
)

// Next returns the occurrence that follows anchor under the given pattern and
// interval. It never reads the clock and has no side effects.
func Next(anchor time.Time, pattern tasks.RecurrencePattern, interval int) (time.Time, error) {
	if interval < 1 {
		return time.Time{}, ErrInvalidInterval
	}

	switch pattern {
	case tasks.Daily:
		return anchor.AddDate(0, 0, interval), nil
	case tasks.Weekly:
		return anchor.AddDate(0, 0, 7*interval), nil
	case tasks.Monthly:
		return addMonths(anchor, interval), nil
	case tasks.Yearly:
		return addMonths(anchor, 12*interval), nil
	default:
		return time.Time{}, ErrUnknownPattern
	}
}

// addMonths steps the month component with year carry and day clamping.
// time.AddDate normalizes overflow instead (Jan 31 + 1 month = Mar 2 or 3),
// which is the wrong behavior for calendar schedules, so the arithmetic is
// spelled out.
func addMonths(t time.Time, months int) time.Time {
	year, month, day := t.Date()

	m := int(month) + months
	year += (m - 1) / 12
	m = (m-1)%12 + 1

	if last := daysIn(year, time.Month(m)); day > last {
		day = last
	}

	return time.Date(year, time.Month(m), day,
		t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month) int {
	switch month {
	case time.February:
		if isLeap(year) {
			return 29
		}
		return 28
	case time.April, time.June, time.September, time.November:
		return 30
	default:
		return 31
	}
}

func isLeap(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}
