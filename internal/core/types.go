// Package core defines the streaming data model shared by the codec,
// the streamers and the device layer. It has no external dependencies.
package core

import (
	"fmt"
	"math"
)

// TimeSpec is a point in device time split into whole seconds and a
// fractional remainder in [0, 1). Conversion to and from tick counts is the
// only place where rounding happens.
type TimeSpec struct {
	FullSecs int64
	FracSecs float64
}

// NewTimeSpec builds a normalized TimeSpec from a full and fractional part.
func NewTimeSpec(full int64, frac float64) TimeSpec {
	whole := math.Floor(frac)
	return TimeSpec{FullSecs: full + int64(whole), FracSecs: frac - whole}
}

// TimeSpecFromSeconds builds a TimeSpec from real seconds.
func TimeSpecFromSeconds(secs float64) TimeSpec {
	return NewTimeSpec(0, secs)
}

// TimeSpecFromTicks converts a tick count at the given rate.
// The integer part of the rate is handled exactly so large tick counts do
// not lose precision through a float division.
func TimeSpecFromTicks(ticks int64, rate float64) TimeSpec {
	if rate <= 0 {
		return TimeSpec{}
	}
	rateI := int64(rate)
	if rateI == 0 {
		return NewTimeSpec(0, float64(ticks)/rate)
	}
	rateF := rate - float64(rateI)
	full := ticks / rateI
	errTicks := ticks - full*rateI
	frac := float64(errTicks) - float64(full)*rateF
	return NewTimeSpec(full, frac/rate)
}

// Ticks converts the time back to a tick count at the given rate, rounded to
// the nearest tick.
func (t TimeSpec) Ticks(rate float64) int64 {
	rateI := int64(rate)
	rateF := rate - float64(rateI)
	full := t.FullSecs * rateI
	errTicks := float64(t.FullSecs) * rateF
	frac := t.FracSecs * rate
	return full + int64(math.Round(errTicks+frac))
}

// Seconds returns the time as real seconds.
func (t TimeSpec) Seconds() float64 {
	return float64(t.FullSecs) + t.FracSecs
}

// Add returns t + o.
func (t TimeSpec) Add(o TimeSpec) TimeSpec {
	return NewTimeSpec(t.FullSecs+o.FullSecs, t.FracSecs+o.FracSecs)
}

// Sub returns t - o.
func (t TimeSpec) Sub(o TimeSpec) TimeSpec {
	return NewTimeSpec(t.FullSecs-o.FullSecs, t.FracSecs-o.FracSecs)
}

// Compare returns -1, 0 or 1.
func (t TimeSpec) Compare(o TimeSpec) int {
	switch {
	case t.FullSecs < o.FullSecs:
		return -1
	case t.FullSecs > o.FullSecs:
		return 1
	case t.FracSecs < o.FracSecs:
		return -1
	case t.FracSecs > o.FracSecs:
		return 1
	}
	return 0
}

// Before reports whether t is strictly earlier than o.
func (t TimeSpec) Before(o TimeSpec) bool { return t.Compare(o) < 0 }

// After reports whether t is strictly later than o.
func (t TimeSpec) After(o TimeSpec) bool { return t.Compare(o) > 0 }

func (t TimeSpec) String() string {
	return fmt.Sprintf("%.9fs", t.Seconds())
}
