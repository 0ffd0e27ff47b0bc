// Package clock handles candle-boundary arithmetic and the conversion between
// exchange-native timestamps (UTC) and the display-shifted timestamps the
// store keys records by.
package clock

import "time"

// Normalizer converts between exchange time and storage time.
//
// The shift is a fixed additive offset (e.g., +3h). It is a display
// convention, not a real timezone conversion: it does not follow DST rules.
// All offset math in the application goes through this type.
type Normalizer struct {
	offset time.Duration
}

// NewNormalizer returns a Normalizer applying the given fixed hour shift.
func NewNormalizer(offsetHours int) Normalizer {
	return Normalizer{offset: time.Duration(offsetHours) * time.Hour}
}

// ToStorage shifts an exchange-native instant into storage time.
// Absolute ordering of instants is preserved.
func (n Normalizer) ToStorage(t time.Time) time.Time {
	return t.Add(n.offset)
}

// FromStorage shifts a stored timestamp back into exchange-native time.
func (n Normalizer) FromStorage(t time.Time) time.Time {
	return t.Add(-n.offset)
}

// Offset returns the configured shift.
func (n Normalizer) Offset() time.Duration {
	return n.offset
}

// IsClosed reports whether a candle ending at closeTime has fully elapsed.
func IsClosed(closeTime, now time.Time) bool {
	return !closeTime.After(now)
}

// OpenBoundaryStart returns the start of the candle currently in progress,
// i.e. now truncated down to the interval boundary.
func OpenBoundaryStart(now time.Time, interval time.Duration) time.Time {
	return now.Truncate(interval)
}
