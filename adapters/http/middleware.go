package http

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/artpar/quotaguard/adapters/metrics"
	"github.com/artpar/quotaguard/app"
	"github.com/artpar/quotaguard/domain/ratelimit"
	"github.com/artpar/quotaguard/pkg/jsonapi"
	"github.com/artpar/quotaguard/ports"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// Rate limit response headers.
const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
)

// DefaultSkipPaths are never rate limited.
var DefaultSkipPaths = []string{"/health", "/metrics", "/swagger", "/openapi.json", "/admin"}

// RateLimitOptions configures the RateLimit middleware.
type RateLimitOptions struct {
	SkipPaths []string // path prefixes; DefaultSkipPaths when nil
}

// RateLimit admits requests through the gateway. Anonymous requests and
// skipped paths pass through untouched. Admitted requests are completed after
// the handler returns, including when it panics.
func RateLimit(gw *app.Gateway, users ports.UserResolver, logger zerolog.Logger, opts RateLimitOptions) func(next http.Handler) http.Handler {
	skip := opts.SkipPaths
	if skip == nil {
		skip = DefaultSkipPaths
	}
	log := logger.With().Str("component", "http.ratelimit").Logger()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions || skipped(r.URL.Path, skip) {
				next.ServeHTTP(w, r)
				return
			}
			userID, ok := users.UserID(r)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			a := gw.Admit(r.Context(), userID)
			setRateLimitHeaders(w, a)
			if !a.Allowed {
				log.Debug().Str("user_id", userID).Str("reason", a.Reason).Str("path", r.URL.Path).Msg("request denied")
				writeDenial(w, a)
				return
			}

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				rec := recover()
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				if rec != nil {
					status = http.StatusInternalServerError
				}
				gw.Complete(r.Context(), a, app.Outcome{
					Endpoint:   r.URL.Path,
					Method:     r.Method,
					StatusCode: status,
					Duration:   time.Since(start),
					Failed:     rec != nil,
				})
				if rec != nil {
					panic(rec)
				}
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

func skipped(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if path == p || strings.HasPrefix(path, strings.TrimSuffix(p, "/")+"/") {
			return true
		}
	}
	return false
}

// setRateLimitHeaders reports the violated window on denial and the minute
// window otherwise. Remaining accounts for the admitted request itself.
func setRateLimitHeaders(w http.ResponseWriter, a app.Admission) {
	kind := a.Status.Violated
	if kind == "" {
		kind = ratelimit.Minute
	}
	win := a.Status.Window(kind)
	if win.Limit == 0 {
		return
	}
	remaining := win.Remaining
	if a.Allowed && remaining > 0 {
		remaining--
	}

	h := w.Header()
	h.Set(HeaderLimit, strconv.FormatInt(win.Limit, 10))
	h.Set(HeaderRemaining, strconv.FormatInt(remaining, 10))
	h.Set(HeaderReset, strconv.FormatInt(win.ResetAt.Unix(), 10))
}

func writeDenial(w http.ResponseWriter, a app.Admission) {
	w.Header().Set(HeaderRetryAfter, strconv.FormatInt(jsonapi.RetryAfterSeconds(a.RetryAfter), 10))

	switch a.Reason {
	case ratelimit.ReasonConcurrencyExceeded:
		jsonapi.WriteError(w, jsonapi.ErrConcurrencyLimited(a.Concurrency.Limit))
	case app.ReasonUnavailable:
		jsonapi.WriteError(w, jsonapi.ErrServiceUnavailable("Rate limiting is temporarily unavailable"))
	default:
		v := a.Status.Violated
		jsonapi.WriteError(w, jsonapi.ErrRateLimited(string(v), a.Status.Limits.For(v), a.RetryAfter))
	}
}

// NewLoggingMiddleware logs every request at debug level.
func NewLoggingMiddleware(logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			if strings.HasPrefix(r.URL.Path, "/health") || r.URL.Path == "/metrics" {
				return
			}

			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("http request")
		})
	}
}

// NewMetricsMiddleware records request counts and latency by route pattern.
func NewMetricsMiddleware(m *metrics.Collector) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}

			m.RequestsTotal.WithLabelValues(r.Method, route, metrics.StatusClass(status)).Inc()
			m.RequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// AdminAuth guards admin endpoints with a bearer token checked against a
// bcrypt hash. tokenHash is read per request so a config reload can rotate
// it; an empty hash disables the admin API.
func AdminAuth(hasher ports.Hasher, tokenHash func() string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hash := tokenHash()
			if hash == "" {
				jsonapi.WriteError(w, jsonapi.ErrForbidden("Admin API is disabled"))
				return
			}

			auth := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(auth, "Bearer ")
			if !ok || token == "" {
				w.Header().Set("WWW-Authenticate", `Bearer realm="quotaguard"`)
				jsonapi.WriteError(w, jsonapi.ErrUnauthorized("Missing bearer token"))
				return
			}
			if !hasher.Compare([]byte(hash), token) {
				jsonapi.WriteError(w, jsonapi.ErrUnauthorized("Invalid admin token"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
