package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DurationUnit is the unit of a trade or tournament duration.
type DurationUnit string

const (
	Seconds DurationUnit = "seconds"
	Minutes DurationUnit = "minutes"
	Hours   DurationUnit = "hours"
	Days    DurationUnit = "days"
)

var ErrInvalidDuration = errors.New("model: invalid duration")

var unitLengths = map[DurationUnit]time.Duration{
	Seconds: time.Second,
	Minutes: time.Minute,
	Hours:   time.Hour,
	Days:    24 * time.Hour,
}

// ParseDurationUnit accepts the plural unit names, case-insensitively.
func ParseDurationUnit(s string) (DurationUnit, error) {
	u := DurationUnit(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := unitLengths[u]; !ok {
		return "", fmt.Errorf("%w: unit %q (want seconds, minutes, hours or days)", ErrInvalidDuration, s)
	}
	return u, nil
}

// ToDuration converts value units into a time.Duration.
func ToDuration(value int64, unit DurationUnit) (time.Duration, error) {
	per, ok := unitLengths[unit]
	if !ok {
		return 0, fmt.Errorf("%w: unit %q", ErrInvalidDuration, unit)
	}
	if value <= 0 {
		return 0, fmt.Errorf("%w: value must be positive, got %d", ErrInvalidDuration, value)
	}
	if value > int64((1<<63-1)/per) {
		return 0, fmt.Errorf("%w: %d %s overflows", ErrInvalidDuration, value, unit)
	}
	return time.Duration(value) * per, nil
}
