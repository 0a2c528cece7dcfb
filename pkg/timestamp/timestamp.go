// Package timestamp provides the microsecond clock used to stamp decoded samples.
//
// Sample timestamps are int64 microseconds elapsed since the clock was
// created. They come from Go's monotonic clock, so wall-clock adjustments
// during a run never make them jump or run backwards. The wall time of the
// clock's epoch is kept so that offsets can be converted back for display
// or for consumers that need absolute time.
//
// Usage:
//
//	clock := timestamp.NewClock()
//	us := clock.Micros()
//	fmt.Println(clock.Format(us))
package timestamp

import (
	"time"
)

// Clock measures microseconds since its creation.
type Clock struct {
	epoch time.Time
}

// NewClock starts a clock at the current instant.
func NewClock() *Clock {
	return &Clock{epoch: time.Now()}
}

// Micros returns the microseconds elapsed since the epoch.
func (c *Clock) Micros() int64 {
	return time.Since(c.epoch).Microseconds()
}

// WallTime converts an offset back to wall time.
func (c *Clock) WallTime(us int64) time.Time {
	return c.epoch.Add(time.Duration(us) * time.Microsecond)
}

// Format renders an offset as an RFC3339 UTC time with microsecond precision.
func (c *Clock) Format(us int64) string {
	return c.WallTime(us).UTC().Format("2006-01-02T15:04:05.000000Z07:00")
}

// Elapsed returns the duration between two offsets.
func Elapsed(startUs, endUs int64) time.Duration {
	return time.Duration(endUs-startUs) * time.Microsecond
}

// Rate returns samples per second for count samples spanning the given offsets.
// It returns 0 when the span is empty.
func Rate(count int64, startUs, endUs int64) float64 {
	span := endUs - startUs
	if span <= 0 || count <= 0 {
		return 0
	}
	return float64(count) * 1e6 / float64(span)
}
