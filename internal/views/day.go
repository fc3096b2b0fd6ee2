package views

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidDayBucket indicates a day bucket that is not a YYYYMMDD calendar date.
var ErrInvalidDayBucket = errors.New("views: invalid day bucket")

// DayBucket is a UTC calendar date in YYYYMMDD form.
type DayBucket string

// DayBucketOf returns the UTC day containing instant.
func DayBucketOf(instant time.Time) DayBucket {
	return DayBucket(instant.UTC().Format(dayBucketLayout))
}

// ParseDayBucket validates a raw YYYYMMDD value.
func ParseDayBucket(raw string) (DayBucket, error) {
	if len(raw) != dayBucketLength {
		return "", fmt.Errorf("%w: %q", ErrInvalidDayBucket, raw)
	}
	if _, err := time.Parse(dayBucketLayout, raw); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidDayBucket, raw)
	}
	return DayBucket(raw), nil
}

// String returns the YYYYMMDD form.
func (d DayBucket) String() string {
	return string(d)
}
