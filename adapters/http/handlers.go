// Package http exposes the rate limiter over HTTP: the admission middleware,
// the usage and admin endpoints, and the upstream reverse proxy.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/artpar/quotaguard/app"
	"github.com/artpar/quotaguard/domain/ratelimit"
	"github.com/artpar/quotaguard/domain/usage"
	"github.com/artpar/quotaguard/pkg/jsonapi"
	"github.com/artpar/quotaguard/ports"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// DefaultAnalyticsDays is used when ?days= is omitted.
const DefaultAnalyticsDays = 30

// UsageHandler serves the caller's own usage.
type UsageHandler struct {
	usage   *app.UsageService
	limiter *app.RateLimitService
	plans   *app.PlanCache
	users   ports.UserResolver
	logger  zerolog.Logger
}

// NewUsageHandler creates a usage handler.
func NewUsageHandler(usageSvc *app.UsageService, limiter *app.RateLimitService, plans *app.PlanCache, users ports.UserResolver, logger zerolog.Logger) *UsageHandler {
	return &UsageHandler{
		usage:   usageSvc,
		limiter: limiter,
		plans:   plans,
		users:   users,
		logger:  logger.With().Str("component", "http.usage").Logger(),
	}
}

// RegisterRoutes mounts the usage endpoints.
func (h *UsageHandler) RegisterRoutes(r chi.Router) {
	r.Get("/usage", h.Summary)
	r.Get("/usage/analytics", h.Analytics)
	r.Get("/usage/rate-limit-status", h.RateLimitStatus)
}

func (h *UsageHandler) caller(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := h.users.UserID(r)
	if !ok {
		jsonapi.WriteError(w, jsonapi.ErrUnauthorized("Missing user identity"))
		return "", false
	}
	return userID, true
}

// Summary returns current-period usage against the plan quota.
func (h *UsageHandler) Summary(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.caller(w, r)
	if !ok {
		return
	}

	summary, err := h.usage.Summary(r.Context(), userID)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", userID).Msg("failed to load usage summary")
		jsonapi.WriteError(w, storeError(err))
		return
	}

	jsonapi.WriteResource(w, http.StatusOK, jsonapi.NewResource("usage_summary", userID).
		Attr("plan_id", summary.PlanID).
		Attr("current_usage", summary.Current).
		Attr("limit", summary.Limit).
		Attr("remaining", summary.Remaining).
		Attr("percentage", summary.Percentage).
		Attr("reset_date", summary.ResetDate).
		Build())
}

// Analytics returns the caller's daily, hourly and monthly usage.
func (h *UsageHandler) Analytics(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.caller(w, r)
	if !ok {
		return
	}
	days, ok := parseDays(w, r)
	if !ok {
		return
	}

	a, err := h.usage.UserAnalytics(r.Context(), userID, days)
	if err != nil {
		if errors.Is(err, app.ErrInvalidDays) {
			jsonapi.WriteError(w, jsonapi.ErrInvalidParameter("days", err.Error()))
			return
		}
		h.logger.Error().Err(err).Str("user_id", userID).Msg("failed to load user analytics")
		jsonapi.WriteError(w, storeError(err))
		return
	}

	jsonapi.WriteResource(w, http.StatusOK, jsonapi.NewResource("usage_analytics", userID).
		Attr("daily_usage", a.Daily).
		Attr("hourly_usage_today", a.HourlyToday).
		Attr("monthly_totals", a.MonthlyTotals).
		Attr("total_requests_period", a.TotalRequests).
		Meta("days", days).
		Build())
}

// RateLimitStatus reports every window without consuming quota.
func (h *UsageHandler) RateLimitStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.caller(w, r)
	if !ok {
		return
	}

	res := h.plans.Resolve(r.Context(), userID)
	report, err := h.limiter.Status(r.Context(), userID, res.Plan.Limits)
	if err != nil {
		h.logger.Warn().Err(err).Str("user_id", userID).Msg("failed to read rate limit status")
		jsonapi.WriteError(w, storeError(err))
		return
	}

	jsonapi.WriteResource(w, http.StatusOK, jsonapi.NewResource("rate_limit_status", userID).
		Attr("plan_id", res.Plan.ID).
		Attr("windows", windowsJSON(report.Status)).
		Attr("concurrency", report.Concurrency).
		Build())
}

type windowJSON struct {
	Count     int64     `json:"count"`
	Limit     int64     `json:"limit"`
	Remaining int64     `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

func windowsJSON(s ratelimit.Status) map[string]windowJSON {
	out := make(map[string]windowJSON, len(s.Windows))
	for _, w := range s.Windows {
		out[string(w.Kind)] = windowJSON{
			Count:     w.Count,
			Limit:     w.Limit,
			Remaining: w.Remaining,
			ResetAt:   w.ResetAt,
		}
	}
	return out
}

// AdminHandler serves operator endpoints.
type AdminHandler struct {
	usage      *app.UsageService
	reconciler *app.Reconciler
	clock      ports.Clock
	logger     zerolog.Logger
}

// NewAdminHandler creates an admin handler.
func NewAdminHandler(usageSvc *app.UsageService, reconciler *app.Reconciler, clock ports.Clock, logger zerolog.Logger) *AdminHandler {
	return &AdminHandler{
		usage:      usageSvc,
		reconciler: reconciler,
		clock:      clock,
		logger:     logger.With().Str("component", "http.admin").Logger(),
	}
}

// RegisterRoutes mounts the admin endpoints.
func (h *AdminHandler) RegisterRoutes(r chi.Router) {
	r.Get("/usage/analytics", h.SystemAnalytics)
	r.Post("/usage/reset/{user_id}", h.ResetUser)
	r.Post("/usage/persist", h.Persist)
}

// SystemAnalytics returns system-wide totals.
func (h *AdminHandler) SystemAnalytics(w http.ResponseWriter, r *http.Request) {
	days, ok := parseDays(w, r)
	if !ok {
		return
	}

	a, err := h.usage.SystemAnalytics(r.Context(), days)
	if err != nil {
		if errors.Is(err, app.ErrInvalidDays) {
			jsonapi.WriteError(w, jsonapi.ErrInvalidParameter("days", err.Error()))
			return
		}
		h.logger.Error().Err(err).Msg("failed to load system analytics")
		jsonapi.WriteError(w, storeError(err))
		return
	}

	jsonapi.WriteResource(w, http.StatusOK, jsonapi.NewResource("system_analytics", strconv.Itoa(days)).
		Attr("daily_totals", a.DailyTotals).
		Attr("usage_by_plan", a.UsageByPlan).
		Attr("top_users", a.TopUsers).
		Attr("total_requests", a.TotalRequests).
		Attr("period_days", a.PeriodDays).
		Build())
}

// ResetUser zeroes a user's current usage.
func (h *AdminHandler) ResetUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	if userID == "" {
		jsonapi.WriteError(w, jsonapi.ErrInvalidParameter("user_id", "user_id is required"))
		return
	}

	res, err := h.usage.ResetUserUsage(r.Context(), userID)
	if err != nil {
		h.logger.Error().Err(err).Str("user_id", userID).Msg("usage reset incomplete")
		jsonapi.WriteError(w, storeError(err))
		return
	}

	jsonapi.WriteMeta(w, http.StatusOK, jsonapi.Meta{
		"user_id":      userID,
		"ledger_reset": res.LedgerReset,
		"keys_deleted": res.KeysDeleted,
	})
}

// Persist reconciles one hour bucket on demand. ?hour=YYYYMMDDHH selects the
// bucket; the previous hour is used when omitted.
func (h *AdminHandler) Persist(w http.ResponseWriter, r *http.Request) {
	hour := h.clock.Now().UTC().Add(-time.Hour)
	if v := r.URL.Query().Get("hour"); v != "" {
		parsed, err := usage.ParseHour(v)
		if err != nil {
			jsonapi.WriteError(w, jsonapi.ErrInvalidParameter("hour", "hour must be formatted YYYYMMDDHH"))
			return
		}
		hour = parsed
	}

	res, err := h.reconciler.ReconcileHour(r.Context(), hour)
	if err != nil {
		h.logger.Error().Err(err).Time("hour", hour).Msg("manual reconcile failed")
		jsonapi.WriteError(w, storeError(err))
		return
	}

	jsonapi.WriteMeta(w, http.StatusOK, jsonapi.Meta{
		"hour":      res.Hour.UTC().Format("2006010215"),
		"drained":   res.Drained,
		"malformed": res.Malformed,
		"billed":    res.Billed,
		"users":     res.Users,
		"failed":    res.Failed,
	})
}

func parseDays(w http.ResponseWriter, r *http.Request) (int, bool) {
	v := r.URL.Query().Get("days")
	if v == "" {
		return DefaultAnalyticsDays, true
	}
	days, err := strconv.Atoi(v)
	if err != nil || days < 1 || days > app.MaxAnalyticsDays {
		jsonapi.WriteError(w, jsonapi.ErrInvalidParameter("days", app.ErrInvalidDays.Error()))
		return 0, false
	}
	return days, true
}

func storeError(err error) jsonapi.Error {
	if errors.Is(err, ports.ErrUnavailable) {
		return jsonapi.ErrServiceUnavailable("Usage store is temporarily unavailable")
	}
	return jsonapi.ErrInternal("")
}

// HealthChecker is anything whose readiness can be probed.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthCheckFunc adapts a function to HealthChecker.
type HealthCheckFunc func(ctx context.Context) error

// HealthCheck calls f.
func (f HealthCheckFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

// HealthHandler provides health check endpoints.
type HealthHandler struct {
	checks map[string]HealthChecker
}

// NewHealthHandler creates a health handler. Readiness runs every named check.
func NewHealthHandler(checks map[string]HealthChecker) *HealthHandler {
	return &HealthHandler{checks: checks}
}

// Liveness returns a simple liveness check.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// Readiness checks every dependency and reports the failures.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	failures := make(map[string]string)
	for name, c := range h.checks {
		if err := c.HealthCheck(ctx); err != nil {
			failures[name] = err.Error()
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if len(failures) > 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]any{
			"status": "unhealthy",
			"errors": failures,
		})
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
