package ratelimit

import "time"

// Reasons for denial
const (
	ReasonLimitExceeded       = "rate_limit_exceeded"
	ReasonConcurrencyExceeded = "concurrency_limit_exceeded"
)

// Counts holds the current counter value of every window (value type).
type Counts struct {
	Minute int64
	Hour   int64
	Day    int64
	Month  int64
}

// For returns the count of a window.
func (c Counts) For(kind Kind) int64 {
	switch kind {
	case Minute:
		return c.Minute
	case Hour:
		return c.Hour
	case Day:
		return c.Day
	case Month:
		return c.Month
	}
	return 0
}

// With returns a copy of c with the count of one window replaced.
func (c Counts) With(kind Kind, v int64) Counts {
	switch kind {
	case Minute:
		c.Minute = v
	case Hour:
		c.Hour = v
	case Day:
		c.Day = v
	case Month:
		c.Month = v
	}
	return c
}

// WindowStatus describes one window at decision time (value type).
type WindowStatus struct {
	Kind      Kind
	Count     int64
	Limit     int64
	Remaining int64
	ResetAt   time.Time
}

// Status is the full picture returned with every decision (value type).
type Status struct {
	Counts   Counts
	Limits   Limits
	Windows  []WindowStatus // minute, hour, day, month
	Violated Kind           // empty when admitted
	Degraded bool           // counters could not be read; decision failed open or closed
}

// Window returns the status of one window.
func (s Status) Window(kind Kind) WindowStatus {
	for _, w := range s.Windows {
		if w.Kind == kind {
			return w
		}
	}
	return WindowStatus{Kind: kind}
}

// Evaluate decides admission from the current counts.
// This is a PURE function - no side effects, deterministic.
//
// Windows are checked minute→hour→day→month and the first one at or over
// its threshold is reported. The order only affects which window is
// reported, never the outcome.
func Evaluate(counts Counts, limits Limits, now time.Time) (bool, Status) {
	status := Status{
		Counts:  counts,
		Limits:  limits,
		Windows: make([]WindowStatus, 0, len(Kinds)),
	}

	for _, k := range Kinds {
		count, limit := counts.For(k), limits.For(k)
		remaining := limit - count
		if remaining < 0 {
			remaining = 0
		}
		status.Windows = append(status.Windows, WindowStatus{
			Kind:      k,
			Count:     count,
			Limit:     limit,
			Remaining: remaining,
			ResetAt:   NextStart(now, k),
		})
		if status.Violated == "" && count >= limit {
			status.Violated = k
		}
	}

	return status.Violated == "", status
}

// RetryAfter returns how long a denied caller should wait.
// This is a PURE function.
func RetryAfter(status Status, now time.Time) time.Duration {
	if status.Violated == "" {
		return 0
	}
	delay := status.Window(status.Violated).ResetAt.Sub(now)
	if delay < 0 {
		return 0
	}
	return delay
}
