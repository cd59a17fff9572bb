package http_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	qghttp "github.com/artpar/quotaguard/adapters/http"
	"github.com/rs/zerolog"
)

func TestUpstreamProxy_Forwards(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Backend-Path", r.URL.Path)
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, "created")
	}))
	defer backend.Close()

	proxy, err := qghttp.NewUpstreamProxy(qghttp.UpstreamConfig{BaseURL: backend.URL}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewUpstreamProxy() error = %v", err)
	}
	defer proxy.Close()

	rec := httptest.NewRecorder()
	proxy.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/items?x=1", nil))

	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d, want 201", rec.Code)
	}
	if got := rec.Header().Get("X-Backend-Path"); got != "/v1/items" {
		t.Errorf("backend path = %q, want /v1/items", got)
	}
	if rec.Body.String() != "created" {
		t.Errorf("body = %q", rec.Body.String())
	}

	if err := proxy.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}

func TestUpstreamProxy_Unreachable(t *testing.T) {
	backend := httptest.NewServer(http.NotFoundHandler())
	url := backend.URL
	backend.Close()

	proxy, err := qghttp.NewUpstreamProxy(qghttp.UpstreamConfig{BaseURL: url, Timeout: time.Second}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewUpstreamProxy() error = %v", err)
	}

	rec := httptest.NewRecorder()
	proxy.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
	doc := decode(t, rec)
	if len(doc.Errors) == 0 || doc.Errors[0].Code != "upstream_error" {
		t.Errorf("errors = %+v", doc.Errors)
	}
	if err := proxy.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() error = nil for a closed backend")
	}
}

func TestNewUpstreamProxy_InvalidURL(t *testing.T) {
	for _, raw := range []string{"", "/relative", "localhost:8080/api"} {
		if _, err := qghttp.NewUpstreamProxy(qghttp.UpstreamConfig{BaseURL: raw}, zerolog.Nop()); err == nil {
			t.Errorf("NewUpstreamProxy(%q) error = nil", raw)
		}
	}
}

func TestHeaderUserResolver(t *testing.T) {
	tests := []struct {
		name   string
		header string
		set    map[string]string
		want   string
		wantOK bool
	}{
		{"default header", "", map[string]string{"X-User-ID": "42"}, "42", true},
		{"trimmed", "", map[string]string{"X-User-ID": "  42 "}, "42", true},
		{"blank", "", map[string]string{"X-User-ID": "   "}, "", false},
		{"missing", "", nil, "", false},
		{"custom header", "X-Account", map[string]string{"X-Account": "acct", "X-User-ID": "42"}, "acct", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			for k, v := range tt.set {
				r.Header.Set(k, v)
			}
			got, ok := qghttp.HeaderUserResolver{Header: tt.header}.UserID(r)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("UserID() = %q, %v, want %q, %v", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}
