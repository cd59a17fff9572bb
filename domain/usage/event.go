// Package usage provides usage event types and aggregation functions.
// All functions are pure - no side effects.
package usage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// QueuePrefix is the key prefix of the per-hour event queues.
const QueuePrefix = "api_requests:"

const hourLayout = "2006010215"

// ErrMalformedEvent is returned when a queued payload cannot be decoded.
var ErrMalformedEvent = errors.New("malformed usage event")

// Event represents a single completed request (immutable value type).
type Event struct {
	UserID         string    `json:"user_id"`
	Endpoint       string    `json:"endpoint"`
	Method         string    `json:"method"`
	StatusCode     int       `json:"status_code"`
	ResponseTimeMs int64     `json:"response_time_ms"`
	Timestamp      time.Time `json:"timestamp"`
}

// IsSuccess reports whether the event counts toward billed usage.
func (e Event) IsSuccess() bool {
	return e.StatusCode >= 200 && e.StatusCode < 300
}

// Encode serializes an event for the queue.
func Encode(e Event) (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Decode parses a queued payload. Events without a user are malformed.
func Decode(payload string) (Event, error) {
	var e Event
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if e.UserID == "" {
		return Event{}, fmt.Errorf("%w: missing user_id", ErrMalformedEvent)
	}
	return e, nil
}

// HourBucket truncates t to its UTC hour.
func HourBucket(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, time.UTC)
}

// QueueKey returns the queue key for the hour containing t.
func QueueKey(t time.Time) string {
	return QueuePrefix + HourBucket(t).Format(hourLayout)
}

// ParseHour parses an hour bucket in the queue key layout (e.g. "2024010113").
func ParseHour(s string) (time.Time, error) {
	t, err := time.ParseInLocation(hourLayout, strings.TrimPrefix(s, QueuePrefix), time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid hour bucket %q: want YYYYMMDDHH", s)
	}
	return t, nil
}

// Realtime analytics counter prefixes.
const (
	DailyPrefix   = "usage_daily:"
	HourlyPrefix  = "usage_hourly:"
	MonthlyPrefix = "usage_monthly:"
)

// Realtime analytics counter lifetimes.
const (
	DailyTTL   = 2 * 24 * time.Hour
	HourlyTTL  = 7 * 24 * time.Hour
	MonthlyTTL = 35 * 24 * time.Hour
)

// DailyKey returns the realtime daily counter key.
func DailyKey(userID string, t time.Time) string {
	return DailyPrefix + userID + ":" + t.UTC().Format("20060102")
}

// HourlyKey returns the realtime hourly counter key.
func HourlyKey(userID string, t time.Time) string {
	return HourlyPrefix + userID + ":" + t.UTC().Format(hourLayout)
}

// MonthlyKey returns the realtime monthly counter key.
func MonthlyKey(userID string, t time.Time) string {
	return MonthlyPrefix + userID + ":" + t.UTC().Format("200601")
}
