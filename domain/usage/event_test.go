package usage_test

import (
	"errors"
	"testing"
	"time"

	"github.com/artpar/quotaguard/domain/usage"
)

func TestEncodeDecode(t *testing.T) {
	e := usage.Event{
		UserID:         "42",
		Endpoint:       "/api/items",
		Method:         "GET",
		StatusCode:     200,
		ResponseTimeMs: 12,
		Timestamp:      time.Date(2024, 1, 1, 13, 5, 0, 0, time.UTC),
	}

	payload, err := usage.Encode(e)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	got, err := usage.Decode(payload)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got != e {
		t.Errorf("Decode() = %+v, want %+v", got, e)
	}
}

func TestDecode_Malformed(t *testing.T) {
	payloads := []string{
		"not json",
		"{",
		`{"endpoint":"/x","status_code":200}`,
		`{"user_id":"1","status_code":"ok"}`,
	}

	for _, p := range payloads {
		_, err := usage.Decode(p)
		if !errors.Is(err, usage.ErrMalformedEvent) {
			t.Errorf("Decode(%q) error = %v, want ErrMalformedEvent", p, err)
		}
	}
}

func TestIsSuccess(t *testing.T) {
	tests := []struct {
		code int
		want bool
	}{
		{199, false},
		{200, true},
		{204, true},
		{299, true},
		{300, false},
		{404, false},
		{500, false},
	}
	for _, tt := range tests {
		if got := (usage.Event{StatusCode: tt.code}).IsSuccess(); got != tt.want {
			t.Errorf("IsSuccess(%d) = %v, want %v", tt.code, got, tt.want)
		}
	}
}

func TestQueueKey(t *testing.T) {
	ts := time.Date(2024, 1, 1, 13, 59, 59, 0, time.UTC)
	if got := usage.QueueKey(ts); got != "api_requests:2024010113" {
		t.Errorf("QueueKey() = %q", got)
	}
}

func TestParseHour(t *testing.T) {
	got, err := usage.ParseHour("2024010113")
	if err != nil {
		t.Fatalf("ParseHour() error = %v", err)
	}
	want := time.Date(2024, 1, 1, 13, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("ParseHour() = %v, want %v", got, want)
	}

	if _, err := usage.ParseHour("2024-01-01"); err == nil {
		t.Error("ParseHour() should reject a date")
	}
}

func TestRealtimeKeys(t *testing.T) {
	ts := time.Date(2024, 3, 9, 7, 30, 0, 0, time.UTC)

	if got := usage.DailyKey("u", ts); got != "usage_daily:u:20240309" {
		t.Errorf("DailyKey() = %q", got)
	}
	if got := usage.HourlyKey("u", ts); got != "usage_hourly:u:2024030907" {
		t.Errorf("HourlyKey() = %q", got)
	}
	if got := usage.MonthlyKey("u", ts); got != "usage_monthly:u:202403" {
		t.Errorf("MonthlyKey() = %q", got)
	}
}
