package http

import (
	_ "embed"
	"net/http"
	"time"

	"github.com/artpar/quotaguard/adapters/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	httpSwagger "github.com/swaggo/http-swagger"
)

//go:embed openapi.json
var openAPISpec []byte

// RouterConfig holds the handlers and middleware wired into the router.
type RouterConfig struct {
	Health    *HealthHandler
	Usage     *UsageHandler // optional
	Admin     *AdminHandler // optional; requires AdminAuth
	AdminAuth func(http.Handler) http.Handler
	RateLimit func(http.Handler) http.Handler
	Upstream  http.Handler // optional catch-all target

	Metrics  *metrics.Collector   // optional
	Gatherer prometheus.Gatherer // defaults to prometheus.DefaultGatherer

	EnableOpenAPI  bool
	RequestTimeout time.Duration
	Logger         zerolog.Logger
}

// NewRouter creates the main HTTP router.
func NewRouter(cfg RouterConfig) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(NewLoggingMiddleware(cfg.Logger))
	r.Use(middleware.Recoverer)
	if cfg.RequestTimeout > 0 {
		r.Use(middleware.Timeout(cfg.RequestTimeout))
	}
	if cfg.Metrics != nil {
		r.Use(NewMetricsMiddleware(cfg.Metrics))
	}

	limit := cfg.RateLimit
	if limit == nil {
		limit = func(next http.Handler) http.Handler { return next }
	}

	// Health endpoints (no auth required)
	if cfg.Health != nil {
		r.Get("/health", cfg.Health.Liveness)
		r.Get("/health/live", cfg.Health.Liveness)
		r.Get("/health/ready", cfg.Health.Readiness)
	}

	if cfg.Metrics != nil {
		g := cfg.Gatherer
		if g == nil {
			g = prometheus.DefaultGatherer
		}
		r.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	}

	if cfg.EnableOpenAPI {
		r.Get("/openapi.json", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Write(openAPISpec)
		})
		r.Get("/swagger/*", httpSwagger.Handler(httpSwagger.URL("/openapi.json")))
	}

	if cfg.Admin != nil && cfg.AdminAuth != nil {
		r.Route("/admin", func(r chi.Router) {
			r.Use(cfg.AdminAuth)
			cfg.Admin.RegisterRoutes(r)
		})
	}

	// Usage reads count against the caller's quota like any other request.
	if cfg.Usage != nil {
		r.Group(func(r chi.Router) {
			r.Use(limit)
			cfg.Usage.RegisterRoutes(r)
		})
	}

	if cfg.Upstream != nil {
		r.Handle("/*", limit(cfg.Upstream))
	}

	return r
}
