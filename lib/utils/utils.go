package utils

import (
	"time"
)

// DateLayout is the wire format for calendar dates throughout the engine.
const DateLayout = "2006-01-02"

// ParseDate parses a calendar date in DateLayout and returns it normalized
// to UTC midnight. Returns an error for any other format.
func ParseDate(value string) (time.Time, error) {
	parsed, err := time.Parse(DateLayout, value)
	if err != nil {
		return time.Time{}, err
	}
	return DateOnly(parsed), nil
}

// FormatDate renders a time as a calendar date in DateLayout.
func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}

// DateOnly truncates a time to UTC midnight. All scheduled dates are stored
// and compared in this form, so equality means "same calendar day".
func DateOnly(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// ValidIntensity takes an intensity string as input and returns a boolean indicating whether the input is a valid routine intensity.
func ValidIntensity(intensity string) bool {
	return intensity == "lite" || intensity == "intense"
}

// ValidCadence takes a cadence string as input and returns a boolean indicating whether the input is a valid habit cadence.
func ValidCadence(cadence string) bool {
	return cadence == "daily" || cadence == "weekly" || cadence == "as_needed"
}
