package sqlite

import (
	"fmt"
	"time"
)

// Fixed-width fractional seconds keep lexical order equal to time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// formatTime renders t as RFC3339 TEXT in UTC, the SQLite idiom.
func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseRFC3339 parses the timestamp strings stored in SQLite.
func parseRFC3339(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("sqlite: parse time %q: %w", s, err)
	}
	return t.UTC(), nil
}
