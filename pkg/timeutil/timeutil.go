// Package timeutil provides UTC calendar helpers. Ledger login days, streaks
// and the daily-login guard all use UTC day boundaries.
package timeutil

import (
	"time"
)

// DateLayout is the ISO date format used for login_day columns and CLI input.
const DateLayout = "2006-01-02"

// Now returns the current time in UTC.
func Now() time.Time {
	return time.Now().UTC()
}

// Date creates a UTC midnight for the given date.
func Date(year, month, day int) time.Time {
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
}

// StartOfDay returns 00:00:00 UTC of t's calendar day.
func StartOfDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// EndOfDay returns the last nanosecond of t's UTC day.
func EndOfDay(t time.Time) time.Time {
	return StartOfDay(t).AddDate(0, 0, 1).Add(-time.Nanosecond)
}

// IsSameDay checks if two times fall on the same UTC day.
func IsSameDay(t1, t2 time.Time) bool {
	return StartOfDay(t1).Equal(StartOfDay(t2))
}

// IsConsecutiveDay checks if t2 is the UTC day right after t1.
func IsConsecutiveDay(t1, t2 time.Time) bool {
	return StartOfDay(t1).AddDate(0, 0, 1).Equal(StartOfDay(t2))
}

// DaysBetween returns the number of whole UTC days from t1 to t2 (negative if
// t2 is earlier).
func DaysBetween(t1, t2 time.Time) int {
	d := StartOfDay(t2).Sub(StartOfDay(t1))
	return int(d.Hours() / 24)
}

// FormatDate formats t's UTC day as YYYY-MM-DD.
func FormatDate(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

// ParseDate parses YYYY-MM-DD as a UTC day.
func ParseDate(value string) (time.Time, error) {
	return time.ParseInLocation(DateLayout, value, time.UTC)
}

// Since returns the elapsed time since t, never negative.
func Since(t time.Time) time.Duration {
	d := time.Since(t)
	if d < 0 {
		return 0
	}
	return d
}
