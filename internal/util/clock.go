package util

import (
	"fmt"
	"strings"
	"time"
)

// ParseClock parses a "HH:MM" wall-clock time.
func ParseClock(v string) (hour, minute int, err error) {
	parsed, err := time.Parse("15:04", strings.TrimSpace(v))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time of day %q: want HH:MM", v)
	}
	return parsed.Hour(), parsed.Minute(), nil
}

// ParseWeekday accepts full or three-letter English day names, any case.
func ParseWeekday(v string) (time.Weekday, error) {
	s := strings.ToLower(strings.TrimSpace(v))
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if s == name || s == name[:3] {
			return d, nil
		}
	}
	return 0, fmt.Errorf("invalid weekday %q", v)
}

// LoadLocation resolves a timezone name; empty means the local zone.
func LoadLocation(tz string) (*time.Location, error) {
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone: %w", err)
	}
	return loc, nil
}
