package jsonapi_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/artpar/quotaguard/pkg/jsonapi"
)

func TestResourceBuilder(t *testing.T) {
	r := jsonapi.NewResource("usage_summary", "u1").
		Attr("current_usage", 5).
		Attrs(map[string]any{"id": "ignored", "type": "ignored", "limit": 100}).
		Meta("plan", "free").
		Build()

	if r.Type != "usage_summary" || r.ID != "u1" {
		t.Errorf("Type, ID = %q, %q", r.Type, r.ID)
	}
	if len(r.Attributes) != 2 {
		t.Errorf("Attributes = %v, want current_usage and limit only", r.Attributes)
	}
	if r.Meta["plan"] != "free" {
		t.Errorf("Meta = %v", r.Meta)
	}
}

func TestErrorBuilder(t *testing.T) {
	e := jsonapi.NewError(400, "invalid_parameter", "Invalid Parameter").
		Detailf("days must be at most %d", 365).
		Parameter("days").
		Header("X-User-ID").
		Meta("max", 365).
		Build()

	if e.StatusCode() != 400 {
		t.Errorf("StatusCode() = %d, want 400", e.StatusCode())
	}
	if e.Detail != "days must be at most 365" {
		t.Errorf("Detail = %q", e.Detail)
	}
	if e.Source == nil || e.Source.Parameter != "days" || e.Source.Header != "X-User-ID" {
		t.Errorf("Source = %+v", e.Source)
	}
	if e.Meta["max"] != 365 {
		t.Errorf("Meta = %v", e.Meta)
	}
}

func TestCommonErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    jsonapi.Error
		status int
		code   string
	}{
		{"bad request", jsonapi.ErrBadRequest("x"), 400, "bad_request"},
		{"invalid parameter", jsonapi.ErrInvalidParameter("days", "x"), 400, "invalid_parameter"},
		{"unauthorized", jsonapi.ErrUnauthorized(""), 401, "unauthorized"},
		{"forbidden", jsonapi.ErrForbidden(""), 403, "forbidden"},
		{"not found", jsonapi.ErrNotFound("user"), 404, "not_found"},
		{"rate limited", jsonapi.ErrRateLimited("month", 100, time.Hour), 429, "rate_limit_exceeded"},
		{"concurrency", jsonapi.ErrConcurrencyLimited(2), 429, "concurrency_limit_exceeded"},
		{"internal", jsonapi.ErrInternal(""), 500, "internal_error"},
		{"unavailable", jsonapi.ErrServiceUnavailable(""), 503, "service_unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.StatusCode(); got != tt.status {
				t.Errorf("StatusCode() = %d, want %d", got, tt.status)
			}
			if tt.err.Code != tt.code {
				t.Errorf("Code = %q, want %q", tt.err.Code, tt.code)
			}
			if tt.err.Detail == "" {
				t.Error("Detail should not be empty")
			}
		})
	}
}

func TestErrRateLimited_Meta(t *testing.T) {
	e := jsonapi.ErrRateLimited("minute", 1, 1500*time.Millisecond)

	if e.Meta["window"] != "minute" || e.Meta["limit"] != int64(1) {
		t.Errorf("Meta = %v", e.Meta)
	}
	if e.Meta["retry_after"] != int64(2) {
		t.Errorf("retry_after = %v, want 2", e.Meta["retry_after"])
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want int64
	}{
		{0, 1},
		{-time.Second, 1},
		{time.Millisecond, 1},
		{time.Second, 1},
		{1001 * time.Millisecond, 2},
		{time.Hour, 3600},
	}

	for _, tt := range tests {
		if got := jsonapi.RetryAfterSeconds(tt.in); got != tt.want {
			t.Errorf("RetryAfterSeconds(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestWriteResource(t *testing.T) {
	w := httptest.NewRecorder()
	jsonapi.WriteResource(w, http.StatusOK, jsonapi.NewResource("usage_summary", "u1").Attr("limit", 100).Build())

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != jsonapi.ContentType {
		t.Errorf("Content-Type = %q", ct)
	}

	var doc struct {
		Data jsonapi.Resource `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc.Data.ID != "u1" || doc.Data.Attributes["limit"] != float64(100) {
		t.Errorf("data = %+v", doc.Data)
	}
}

func TestWriteCollection_Empty(t *testing.T) {
	w := httptest.NewRecorder()
	jsonapi.WriteCollection(w, http.StatusOK, nil)

	if got := w.Body.String(); got != "{\"data\":[]}\n" {
		t.Errorf("body = %q, want empty data array", got)
	}
}

func TestWriteError(t *testing.T) {
	t.Run("status from first error", func(t *testing.T) {
		w := httptest.NewRecorder()
		jsonapi.WriteError(w, jsonapi.ErrUnauthorized(""), jsonapi.ErrInternal(""))

		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", w.Code)
		}
		var doc jsonapi.Document
		if err := json.Unmarshal(w.Body.Bytes(), &doc); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(doc.Errors) != 2 {
			t.Errorf("len(errors) = %d, want 2", len(doc.Errors))
		}
	})

	t.Run("no errors", func(t *testing.T) {
		w := httptest.NewRecorder()
		jsonapi.WriteError(w)

		if w.Code != http.StatusInternalServerError {
			t.Errorf("status = %d, want 500", w.Code)
		}
	})
}

func TestWriteMeta(t *testing.T) {
	w := httptest.NewRecorder()
	jsonapi.WriteMeta(w, http.StatusAccepted, jsonapi.Meta{"billed": 2})

	if w.Code != http.StatusAccepted {
		t.Errorf("status = %d, want 202", w.Code)
	}
	var doc jsonapi.Document
	json.Unmarshal(w.Body.Bytes(), &doc)
	if doc.Meta["billed"] != float64(2) {
		t.Errorf("meta = %v", doc.Meta)
	}
}
