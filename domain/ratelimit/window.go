// Package ratelimit provides pure rate limiting functions.
// All functions are deterministic - same input always produces same output.
package ratelimit

import (
	"strings"
	"time"
)

// Kind identifies a fixed-length accounting window.
type Kind string

const (
	Minute Kind = "minute"
	Hour   Kind = "hour"
	Day    Kind = "day"
	Month  Kind = "month"
)

// Kinds lists every window in evaluation order (shortest first).
var Kinds = []Kind{Minute, Hour, Day, Month}

// Key prefixes shared by every gateway instance.
const (
	CounterPrefix     = "rate_limit:"
	ConcurrencyPrefix = "concurrent:"
	SlotPrefix        = "concurrent_slot:"
)

// stamp layouts per window kind.
var layouts = map[Kind]string{
	Minute: "200601021504",
	Hour:   "2006010215",
	Day:    "20060102",
	Month:  "200601",
}

// Valid reports whether k is one of the four known windows.
func (k Kind) Valid() bool {
	_, ok := layouts[k]
	return ok
}

// Truncate returns the start of the window containing t, in UTC.
// Truncate is idempotent: Truncate(Truncate(t, k), k) == Truncate(t, k).
func Truncate(t time.Time, kind Kind) time.Time {
	t = t.UTC()
	switch kind {
	case Minute:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, time.UTC)
	case Hour:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, time.UTC)
	case Day:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case Month:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	return t
}

// NextStart returns the start of the window following the one containing t.
// This is the wall-clock reset time reported to clients.
func NextStart(t time.Time, kind Kind) time.Time {
	start := Truncate(t, kind)
	switch kind {
	case Minute:
		return start.Add(time.Minute)
	case Hour:
		return start.Add(time.Hour)
	case Day:
		return start.AddDate(0, 0, 1)
	case Month:
		return start.AddDate(0, 1, 0)
	}
	return start
}

// Lifetime returns the expiry assigned to a counter created at t.
// Minute, hour and day counters live for their natural length; month
// counters live until the next month begins.
func Lifetime(t time.Time, kind Kind) time.Duration {
	switch kind {
	case Minute:
		return time.Minute
	case Hour:
		return time.Hour
	case Day:
		return 24 * time.Hour
	case Month:
		d := NextStart(t, Month).Sub(t.UTC())
		if d < time.Second {
			d = time.Second
		}
		return d.Truncate(time.Second)
	}
	return 0
}

// SweepTTL is the bounded expiry given by the sweeper to counters that
// lost theirs. It is deliberately larger than the window.
func SweepTTL(kind Kind) time.Duration {
	switch kind {
	case Minute:
		return 2 * time.Minute
	case Hour:
		return 2 * time.Hour
	case Day:
		return 48 * time.Hour
	case Month:
		return 31 * 24 * time.Hour
	}
	return 0
}

// Stamp formats the window containing t.
func Stamp(t time.Time, kind Kind) string {
	return Truncate(t, kind).Format(layouts[kind])
}

// CounterKey returns the canonical counter key for a user and window.
func CounterKey(userID string, kind Kind, t time.Time) string {
	return CounterPrefix + userID + ":" + string(kind) + ":" + Stamp(t, kind)
}

// CounterKeys returns the counter keys of all four windows containing t.
func CounterKeys(userID string, t time.Time) map[Kind]string {
	keys := make(map[Kind]string, len(Kinds))
	for _, k := range Kinds {
		keys[k] = CounterKey(userID, k, t)
	}
	return keys
}

// KindFromKey extracts the window kind from a counter key.
// User ids may contain colons, so the kind is read from the right.
func KindFromKey(key string) (Kind, bool) {
	if !strings.HasPrefix(key, CounterPrefix) {
		return "", false
	}
	parts := strings.Split(strings.TrimPrefix(key, CounterPrefix), ":")
	if len(parts) < 3 {
		return "", false
	}
	kind := Kind(parts[len(parts)-2])
	return kind, kind.Valid()
}

// ConcurrencyKey returns the per-user in-flight counter key.
func ConcurrencyKey(userID string) string {
	return ConcurrencyPrefix + userID
}

// SlotKey returns the marker key for one in-flight request.
func SlotKey(userID, requestID string) string {
	return SlotPrefix + userID + ":" + requestID
}
