package ratelimit

import "github.com/artpar/quotaguard/domain/plan"

// Clamp bounds for derived thresholds. These are policy constants, not
// per-plan configuration.
const (
	MinPerMinute = 1
	MaxPerMinute = 100
	MinPerHour   = 60
	MaxPerHour   = 6000
	MinPerDay    = 1440
	MaxPerDay    = 144000
)

// Limits holds the admission threshold of every window (value type).
type Limits struct {
	PerMinute int64
	PerHour   int64
	PerDay    int64
	PerMonth  int64
}

// For returns the threshold of a window.
func (l Limits) For(kind Kind) int64 {
	switch kind {
	case Minute:
		return l.PerMinute
	case Hour:
		return l.PerHour
	case Day:
		return l.PerDay
	case Month:
		return l.PerMonth
	}
	return 0
}

// DeriveLimits computes window thresholds from a monthly quota.
// This is a PURE function.
//
// A generous quota cannot permit destructive bursts, and every plan admits
// at least one request per minute.
func DeriveLimits(l plan.Limits) Limits {
	q := l.MonthlyQuota
	return Limits{
		PerMinute: clamp(q/(30*24*60), MinPerMinute, MaxPerMinute),
		PerHour:   clamp(q/(30*24), MinPerHour, MaxPerHour),
		PerDay:    clamp(q/30, MinPerDay, MaxPerDay),
		PerMonth:  q,
	}
}

func clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
