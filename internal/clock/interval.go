package clock

import (
	"errors"
	"time"
)

// ErrInvalidInterval is returned when an interval string is not supported.
var ErrInvalidInterval = errors.New("invalid interval")

// intervalDurations maps exchange interval strings to their width.
// Only fixed-width intervals are listed; calendar intervals (months) are not
// supported because boundary arithmetic assumes a constant spacing.
var intervalDurations = map[string]time.Duration{
	"1m":  time.Minute,
	"3m":  3 * time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"2h":  2 * time.Hour,
	"4h":  4 * time.Hour,
	"6h":  6 * time.Hour,
	"8h":  8 * time.Hour,
	"12h": 12 * time.Hour,
	"1d":  24 * time.Hour,
}

// ParseInterval converts an exchange interval string (e.g., "5m") to a duration.
func ParseInterval(s string) (time.Duration, error) {
	d, ok := intervalDurations[s]
	if !ok {
		return 0, ErrInvalidInterval
	}
	return d, nil
}
