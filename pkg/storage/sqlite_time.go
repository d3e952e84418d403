package storage

import "time"

// timeLayout is fixed width so text order matches time order
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// formatTime stores timestamps as sortable UTC text
func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseSQLiteTime accepts our own format plus the layouts SQLite and
// external tools commonly write. Unparseable values become the zero time.
func parseSQLiteTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05.999999",
		"2006-01-02 15:04:05",
	}
	for _, layout := range layouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts
		}
	}
	return time.Time{}
}
