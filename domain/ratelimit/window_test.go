package ratelimit_test

import (
	"testing"
	"time"

	"github.com/artpar/quotaguard/domain/ratelimit"
)

var baseTime = time.Date(2024, 1, 15, 12, 34, 56, 789000, time.UTC)

func TestTruncate(t *testing.T) {
	tests := []struct {
		kind ratelimit.Kind
		want time.Time
	}{
		{ratelimit.Minute, time.Date(2024, 1, 15, 12, 34, 0, 0, time.UTC)},
		{ratelimit.Hour, time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)},
		{ratelimit.Day, time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)},
		{ratelimit.Month, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			got := ratelimit.Truncate(baseTime, tt.kind)
			if !got.Equal(tt.want) {
				t.Errorf("Truncate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTruncate_Idempotent(t *testing.T) {
	times := []time.Time{
		baseTime,
		time.Date(2023, 12, 31, 23, 59, 59, 999999999, time.UTC),
		time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 3, 10, 8, 0, 0, 0, time.FixedZone("X", 5*3600)),
	}

	for _, ts := range times {
		for _, k := range ratelimit.Kinds {
			once := ratelimit.Truncate(ts, k)
			twice := ratelimit.Truncate(once, k)
			if !once.Equal(twice) {
				t.Errorf("Truncate(%v, %s) not idempotent: %v vs %v", ts, k, once, twice)
			}
		}
	}
}

func TestTruncate_ConvertsToUTC(t *testing.T) {
	local := time.Date(2024, 1, 1, 2, 30, 0, 0, time.FixedZone("X", 5*3600))

	got := ratelimit.Truncate(local, ratelimit.Day)

	want := time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("Truncate() = %v, want %v", got, want)
	}
}

func TestNextStart(t *testing.T) {
	dec := time.Date(2023, 12, 31, 23, 59, 30, 0, time.UTC)

	tests := []struct {
		kind ratelimit.Kind
		want time.Time
	}{
		{ratelimit.Minute, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{ratelimit.Hour, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{ratelimit.Day, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{ratelimit.Month, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			got := ratelimit.NextStart(dec, tt.kind)
			if !got.Equal(tt.want) {
				t.Errorf("NextStart() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLifetime(t *testing.T) {
	tests := []struct {
		kind ratelimit.Kind
		at   time.Time
		want time.Duration
	}{
		{ratelimit.Minute, baseTime, time.Minute},
		{ratelimit.Hour, baseTime, time.Hour},
		{ratelimit.Day, baseTime, 24 * time.Hour},
		{ratelimit.Month, time.Date(2024, 1, 31, 23, 0, 0, 0, time.UTC), time.Hour},
		{ratelimit.Month, time.Date(2024, 1, 31, 23, 59, 59, 900, time.UTC), time.Second},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			got := ratelimit.Lifetime(tt.at, tt.kind)
			if got != tt.want {
				t.Errorf("Lifetime() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCounterKey(t *testing.T) {
	tests := []struct {
		kind ratelimit.Kind
		want string
	}{
		{ratelimit.Minute, "rate_limit:42:minute:202401151234"},
		{ratelimit.Hour, "rate_limit:42:hour:2024011512"},
		{ratelimit.Day, "rate_limit:42:day:20240115"},
		{ratelimit.Month, "rate_limit:42:month:202401"},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			got := ratelimit.CounterKey("42", tt.kind, baseTime)
			if got != tt.want {
				t.Errorf("CounterKey() = %q, want %q", got, tt.want)
			}
		})
	}

	keys := ratelimit.CounterKeys("42", baseTime)
	if len(keys) != 4 {
		t.Fatalf("CounterKeys() returned %d keys, want 4", len(keys))
	}
	if keys[ratelimit.Hour] != "rate_limit:42:hour:2024011512" {
		t.Errorf("CounterKeys()[hour] = %q", keys[ratelimit.Hour])
	}
}

func TestKindFromKey(t *testing.T) {
	tests := []struct {
		key    string
		want   ratelimit.Kind
		wantOK bool
	}{
		{"rate_limit:42:minute:202401151234", ratelimit.Minute, true},
		{"rate_limit:org:42:month:202401", ratelimit.Month, true},
		{"rate_limit:42:week:2024", "", false},
		{"concurrent:42", "", false},
		{"rate_limit:42", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			got, ok := ratelimit.KindFromKey(tt.key)
			if ok != tt.wantOK {
				t.Fatalf("KindFromKey() ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && got != tt.want {
				t.Errorf("KindFromKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestConcurrencyKeys(t *testing.T) {
	if got := ratelimit.ConcurrencyKey("7"); got != "concurrent:7" {
		t.Errorf("ConcurrencyKey() = %q", got)
	}
	if got := ratelimit.SlotKey("7", "req-1"); got != "concurrent_slot:7:req-1" {
		t.Errorf("SlotKey() = %q", got)
	}
}
