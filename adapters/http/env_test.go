package http_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/artpar/quotaguard/adapters/clock"
	"github.com/artpar/quotaguard/adapters/hasher"
	qghttp "github.com/artpar/quotaguard/adapters/http"
	"github.com/artpar/quotaguard/adapters/idgen"
	"github.com/artpar/quotaguard/adapters/memory"
	"github.com/artpar/quotaguard/adapters/metrics"
	"github.com/artpar/quotaguard/adapters/sqlite"
	"github.com/artpar/quotaguard/app"
	"github.com/artpar/quotaguard/domain/plan"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

var baseTime = time.Date(2024, 1, 15, 12, 30, 0, 0, time.UTC)

// pro derives a 100 per minute threshold, so tests can issue many requests.
var pro = plan.Plan{
	ID:     "pro",
	Name:   "Pro",
	Limits: plan.Limits{MonthlyQuota: 10_000_000, ConcurrentRequests: 5},
}

const adminToken = "s3cret-admin-token"

type testEnv struct {
	clock      *clock.Fake
	store      *memory.CounterStore
	db         *sqlite.DB
	directory  *sqlite.Directory
	ledger     *sqlite.LedgerStore
	queue      *app.UsageQueue
	plans      *app.PlanCache
	limiter    *app.RateLimitService
	slots      *app.SlotTracker
	usage      *app.UsageService
	reconciler *app.Reconciler
	gateway    *app.Gateway
	metrics    *metrics.Collector
	registry   *prometheus.Registry
	hasher     *hasher.Bcrypt
	tokenHash  string
	upstream   http.Handler
	checks     map[string]qghttp.HealthChecker
	router     chi.Router
	failMode   string
}

type envOption func(*testEnv)

func withUpstream(h http.Handler) envOption {
	return func(e *testEnv) { e.upstream = h }
}

func withFailMode(mode string) envOption {
	return func(e *testEnv) { e.failMode = mode }
}

func withoutAdminToken() envOption {
	return func(e *testEnv) { e.tokenHash = "" }
}

func withCheck(name string, c qghttp.HealthChecker) envOption {
	return func(e *testEnv) { e.checks[name] = c }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	ctx := context.Background()

	clk := clock.NewFake(baseTime)
	store := memory.NewCounterStore(clk, memory.CounterStoreConfig{})
	t.Cleanup(func() { store.Close() })

	db := openTestDB(t)
	registry := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(registry)
	h := hasher.NewBcrypt(4)

	hash, err := h.Hash(adminToken)
	if err != nil {
		t.Fatalf("hash admin token: %v", err)
	}

	e := &testEnv{
		clock:     clk,
		store:     store,
		db:        db,
		directory: sqlite.NewDirectory(db),
		ledger:    sqlite.NewLedgerStore(db),
		metrics:   m,
		registry:  registry,
		hasher:    h,
		tokenHash: string(hash),
		upstream: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"ok":true}`))
		}),
		checks: map[string]qghttp.HealthChecker{"store": qghttp.HealthCheckFunc(store.Ping)},
	}
	for _, opt := range opts {
		opt(e)
	}

	if err := e.directory.Upsert(ctx, pro); err != nil {
		t.Fatalf("upsert plan: %v", err)
	}
	if err := e.directory.UpsertUser(ctx, "pro-user", "pro@example.com"); err != nil {
		t.Fatalf("upsert user: %v", err)
	}
	if err := e.directory.Subscribe(ctx, "sub-1", "pro-user", pro.ID, baseTime.Add(-24*time.Hour), baseTime.Add(29*24*time.Hour)); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	logger := zerolog.Nop()
	e.queue = app.NewUsageQueue(store, 0)
	e.plans = app.NewPlanCache(e.directory, store, clk, logger, 0)
	e.limiter = app.NewRateLimitService(app.RateLimitDeps{Store: store, Clock: clk, Metrics: m, Logger: logger},
		app.RateLimitConfig{FailureMode: e.failMode})
	e.slots = app.NewSlotTracker(store, m, logger, app.SlotTrackerConfig{FailureMode: e.failMode})
	e.usage = app.NewUsageService(app.UsageDeps{
		Store:   store,
		Queue:   e.queue,
		Ledger:  e.ledger,
		Plans:   e.plans,
		Clock:   clk,
		Metrics: m,
		Logger:  logger,
	}, app.UsageConfig{})
	e.reconciler = app.NewReconciler(app.ReconcilerDeps{
		Queue:         e.queue,
		Ledger:        e.ledger,
		Subscriptions: e.directory,
		Clock:         clk,
		Metrics:       m,
		Logger:        logger,
	})
	e.gateway = app.NewGateway(app.GatewayDeps{
		Plans:   e.plans,
		Limiter: e.limiter,
		Slots:   e.slots,
		Usage:   e.usage,
		IDs:     idgen.NewSequential("req-"),
		Clock:   clk,
		Metrics: m,
		Logger:  logger,
	})

	users := qghttp.HeaderUserResolver{}
	e.router = qghttp.NewRouter(qghttp.RouterConfig{
		Health:        qghttp.NewHealthHandler(e.checks),
		Usage:         qghttp.NewUsageHandler(e.usage, e.limiter, e.plans, users, logger),
		Admin:         qghttp.NewAdminHandler(e.usage, e.reconciler, clk, logger),
		AdminAuth:     qghttp.AdminAuth(h, func() string { return e.tokenHash }),
		RateLimit:     qghttp.RateLimit(e.gateway, users, logger, qghttp.RateLimitOptions{}),
		Upstream:      e.upstream,
		Metrics:       m,
		Gatherer:      registry,
		EnableOpenAPI: true,
		Logger:        logger,
	})
	return e
}

func openTestDB(t *testing.T) *sqlite.DB {
	t.Helper()

	f, err := os.CreateTemp("", "quotaguard-http-*.db")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	path := f.Name()
	f.Close()

	db, err := sqlite.Open(path)
	if err != nil {
		os.Remove(path)
		t.Fatalf("open database: %v", err)
	}
	if err := db.Migrate(context.Background()); err != nil {
		db.Close()
		os.Remove(path)
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
		os.Remove(path)
		os.Remove(path + "-wal")
		os.Remove(path + "-shm")
	})
	return db
}

func (e *testEnv) do(method, path, userID string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if userID != "" {
		req.Header.Set(qghttp.DefaultUserHeader, userID)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) admin(method, path string) *httptest.ResponseRecorder {
	return e.do(method, path, "", "Authorization", "Bearer "+adminToken)
}

func (e *testEnv) counter(t *testing.T, key string) string {
	t.Helper()
	v, _, err := e.store.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get(%s) error = %v", key, err)
	}
	return v
}

type document struct {
	Data struct {
		Type       string         `json:"type"`
		ID         string         `json:"id"`
		Attributes map[string]any `json:"attributes"`
	} `json:"data"`
	Errors []struct {
		Status string         `json:"status"`
		Code   string         `json:"code"`
		Meta   map[string]any `json:"meta"`
	} `json:"errors"`
	Meta map[string]any `json:"meta"`
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) document {
	t.Helper()
	var doc document
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return doc
}
