package coord

import "time"

// Timestamps are stored as ISO-8601 UTC strings throughout the schema.

// FormatTime renders t as an ISO-8601 UTC string.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTime parses an ISO-8601 timestamp produced by FormatTime.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// Now returns the current time formatted for storage.
func Now() string {
	return FormatTime(time.Now())
}
