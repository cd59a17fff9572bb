package bootstrap_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/artpar/quotaguard/adapters/clock"
	"github.com/artpar/quotaguard/bootstrap"
	"github.com/artpar/quotaguard/config"
	"github.com/artpar/quotaguard/domain/plan"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

const baseConfig = `
store:
  driver: memory
database:
  dsn: %s
plans:
  - id: free
    requests_per_month: 100
    concurrent_requests: 1
    default: true
  - id: pro
    requests_per_month: 10000000
    concurrent_requests: 5
`

func newApp(t *testing.T) (*bootstrap.App, *clock.Fake) {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "quotaguard.db")
	cfg, err := config.Parse([]byte(fmt.Sprintf(baseConfig, dsn)))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	logger := zerolog.Nop()
	fake := clock.NewFake(time.Date(2024, 1, 15, 12, 30, 0, 0, time.UTC))
	a, err := bootstrap.NewWithOptions(cfg, bootstrap.Options{
		Logger:   &logger,
		Clock:    fake,
		Registry: prometheus.NewRegistry(),
	})
	if err != nil {
		t.Fatalf("NewWithOptions() error = %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a, fake
}

func TestNew_WiresServices(t *testing.T) {
	a, _ := newApp(t)

	if a.Gateway == nil || a.Reconciler == nil || a.Scheduler == nil {
		t.Fatal("services not wired")
	}
	if a.HTTPServer.Addr != "0.0.0.0:8080" {
		t.Errorf("Addr = %q, want 0.0.0.0:8080", a.HTTPServer.Addr)
	}

	plans, err := a.Directory.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(plans) != 2 {
		t.Errorf("len(plans) = %d, want 2", len(plans))
	}
}

func TestNew_UnknownStoreDriver(t *testing.T) {
	cfg, err := config.Parse([]byte(fmt.Sprintf(baseConfig, filepath.Join(t.TempDir(), "q.db"))))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	cfg.Store.Driver = "etcd"

	logger := zerolog.Nop()
	if _, err := bootstrap.NewWithOptions(cfg, bootstrap.Options{Logger: &logger, Registry: prometheus.NewRegistry()}); err == nil {
		t.Error("NewWithOptions() should fail for an unknown store driver")
	}
}

func TestHandler_DefaultPlanLimits(t *testing.T) {
	a, _ := newApp(t)

	// Free plan admits one request per minute.
	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/usage", nil)
		req.Header.Set("X-User-ID", "u1")
		rec := httptest.NewRecorder()
		a.Handler.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}

	if codes[0] != http.StatusOK {
		t.Errorf("first request = %d, want 200", codes[0])
	}
	if codes[1] != http.StatusTooManyRequests {
		t.Errorf("second request = %d, want 429", codes[1])
	}
}

func TestHandler_Health(t *testing.T) {
	a, _ := newApp(t)

	rec := httptest.NewRecorder()
	a.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("ready = %d, want 200: %s", rec.Code, rec.Body.String())
	}
}

func TestHandler_AdminDisabledWithoutToken(t *testing.T) {
	a, _ := newApp(t)

	req := httptest.NewRequest(http.MethodGet, "/admin/usage/analytics", nil)
	req.Header.Set("Authorization", "Bearer anything")
	rec := httptest.NewRecorder()
	a.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("admin = %d, want 403", rec.Code)
	}
}

func TestApplyConfig(t *testing.T) {
	a, _ := newApp(t)
	ctx := context.Background()

	next := *a.Config
	next.Plans = append([]config.PlanConfig{}, a.Config.Plans...)
	next.Plans[0].Default = false
	next.Plans = append(next.Plans, config.PlanConfig{
		ID:                 "starter",
		Name:               "Starter",
		RequestsPerMonth:   1000,
		ConcurrentRequests: 2,
		Default:            true,
	})
	next.Admin.TokenHash = "$2a$04$abcdefghijklmnopqrstuu"
	next.Server.Port = 9999

	if err := a.ApplyConfig(ctx, &next); err != nil {
		t.Fatalf("ApplyConfig() error = %v", err)
	}

	if got := a.AdminTokenHash(); got != next.Admin.TokenHash {
		t.Errorf("AdminTokenHash() = %q, want %q", got, next.Admin.TokenHash)
	}
	if a.Config.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, non-reloadable field must not change", a.Config.Server.Port)
	}

	plans, err := a.Directory.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if def := plan.DefaultPlan(plans); def.ID != "starter" {
		t.Errorf("DefaultPlan() = %q, want starter", def.ID)
	}
}

func TestPlansFromConfig(t *testing.T) {
	got := bootstrap.PlansFromConfig([]config.PlanConfig{
		{ID: "pro", Name: "Pro", RequestsPerMonth: 5000, ConcurrentRequests: 3, Default: true},
	})

	want := plan.Plan{
		ID:        "pro",
		Name:      "Pro",
		Limits:    plan.Limits{MonthlyQuota: 5000, ConcurrentRequests: 3},
		IsDefault: true,
	}
	if len(got) != 1 || got[0] != want {
		t.Errorf("PlansFromConfig() = %+v, want [%+v]", got, want)
	}
}

func TestSetupLogger(t *testing.T) {
	tests := []struct {
		level string
		want  zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"warn", zerolog.WarnLevel},
		{"", zerolog.InfoLevel},
		{"bogus", zerolog.InfoLevel},
	}

	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			bootstrap.SetupLogger(config.LoggingConfig{Level: tt.level, Format: "json"})
			if got := zerolog.GlobalLevel(); got != tt.want {
				t.Errorf("GlobalLevel() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	a, _ := newApp(t)

	if err := a.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if err := a.Close(); err != nil {
		t.Errorf("Close() after Shutdown() error = %v", err)
	}
}
