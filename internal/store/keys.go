package store

import (
	"fmt"
	"time"
)

// DayKey returns the daily key for t in local time, formatted
// <prefix>:<day>-<month>-<year> without zero padding.
func DayKey(prefix string, t time.Time) string {
	t = t.Local()
	return fmt.Sprintf("%s:%d-%d-%d", prefix, t.Day(), int(t.Month()), t.Year())
}

// DayKeys returns today's key followed by the keys of the lookback previous
// days.
func DayKeys(prefix string, now time.Time, lookback int) []string {
	if lookback < 0 {
		lookback = 0
	}
	keys := make([]string, 0, lookback+1)
	for i := 0; i <= lookback; i++ {
		keys = append(keys, DayKey(prefix, now.AddDate(0, 0, -i)))
	}
	return keys
}
