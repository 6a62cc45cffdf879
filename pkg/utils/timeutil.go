package utils

import "time"

// DateLayout is the calendar date format used in prompts and report names.
const DateLayout = "2006-01-02"

// Today formats t as YYYY-MM-DD in its own location.
func Today(t time.Time) string {
	return t.Format(DateLayout)
}

// ParseDate parses a YYYY-MM-DD date in UTC.
func ParseDate(s string) (time.Time, error) {
	return time.Parse(DateLayout, s)
}

// Elapsed returns a compact human duration, rounded to the nearest tenth of a second.
func Elapsed(start, end time.Time) string {
	return end.Sub(start).Round(100 * time.Millisecond).String()
}
