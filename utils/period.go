// utils/period.go
package utils

import "time"

// PeriodKey returns the calendar-month budget window for t, e.g. "2025-08".
// All period math is done in UTC so the window never shifts with server TZ.
func PeriodKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// PreviousPeriodKey returns the key of the month before t's.
func PreviousPeriodKey(t time.Time) string {
	t = t.UTC()
	firstOfMonth := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return firstOfMonth.AddDate(0, 0, -1).Format("2006-01")
}

// PeriodBounds returns [start, end) of the calendar month named by key.
// Returns zero times if the key does not parse.
func PeriodBounds(key string) (time.Time, time.Time) {
	start, err := time.Parse("2006-01", key)
	if err != nil {
		return time.Time{}, time.Time{}
	}
	return start, start.AddDate(0, 1, 0)
}
