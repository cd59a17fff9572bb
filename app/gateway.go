package app

import (
	"context"
	"time"

	"github.com/artpar/quotaguard/domain/plan"
	"github.com/artpar/quotaguard/domain/ratelimit"
	"github.com/artpar/quotaguard/domain/usage"
	"github.com/artpar/quotaguard/ports"
	"github.com/rs/zerolog"
)

// Admission is the outcome of Admit. When Allowed, the caller must hand it
// back to Complete once the request finishes.
type Admission struct {
	Decision
	UserID      string
	RequestID   string // empty when no slot was acquired
	Plan        plan.Plan
	Concurrency ConcurrencyStatus
}

// Outcome describes a finished request.
type Outcome struct {
	Endpoint   string
	Method     string
	StatusCode int
	Duration   time.Duration
	Failed     bool // the handler errored or panicked
}

// Gateway runs the per-request admission flow: plan resolution, window
// check, concurrency slot, and the completion bookkeeping.
type Gateway struct {
	plans   *PlanCache
	limiter *RateLimitService
	slots   *SlotTracker
	usage   *UsageService
	ids     ports.IDGenerator
	clock   ports.Clock
	metrics ports.Metrics
	logger  zerolog.Logger
}

// GatewayDeps contains dependencies for Gateway.
type GatewayDeps struct {
	Plans   *PlanCache
	Limiter *RateLimitService
	Slots   *SlotTracker
	Usage   *UsageService
	IDs     ports.IDGenerator
	Clock   ports.Clock
	Metrics ports.Metrics
	Logger  zerolog.Logger
}

// NewGateway creates a gateway.
func NewGateway(deps GatewayDeps) *Gateway {
	return &Gateway{
		plans:   deps.Plans,
		limiter: deps.Limiter,
		slots:   deps.Slots,
		usage:   deps.Usage,
		ids:     deps.IDs,
		clock:   deps.Clock,
		metrics: metricsOrNop(deps.Metrics),
		logger:  deps.Logger.With().Str("component", "gateway").Logger(),
	}
}

// Admit decides whether a request from userID may proceed and, if so,
// reserves a concurrency slot for it.
func (g *Gateway) Admit(ctx context.Context, userID string) Admission {
	res := g.plans.Resolve(ctx, userID)
	limits := plan.Normalize(res.Plan.Limits)

	a := Admission{
		Decision:    g.limiter.Check(ctx, userID, limits),
		UserID:      userID,
		Plan:        res.Plan,
		Concurrency: ConcurrencyStatus{Limit: limits.ConcurrentRequests},
	}
	if !a.Allowed {
		return a
	}

	if !g.slots.TryAcquire(ctx, userID, limits.ConcurrentRequests) {
		a.Allowed = false
		a.Reason = ratelimit.ReasonConcurrencyExceeded
		a.RetryAfter = time.Second
		g.metrics.ObserveDecision("denied", "concurrency")
		g.logger.Debug().
			Str("user_id", userID).
			Int("limit", limits.ConcurrentRequests).
			Msg("concurrency limit exceeded")
		return a
	}

	a.RequestID = g.ids.New()
	if err := g.slots.Acquire(ctx, userID, a.RequestID); err != nil {
		g.metrics.ObserveFailOpen("acquire")
		g.logger.Warn().Err(err).Str("user_id", userID).Msg("failed to acquire slot, admitting request")
	}
	return a
}

// Complete records usage for an admitted request and releases its slot.
// Successful and failed requests consume quota; requests that completed
// with a non-2xx status do not. The event is queued either way.
func (g *Gateway) Complete(ctx context.Context, a Admission, o Outcome) {
	// Bookkeeping must survive a client that hung up.
	ctx = context.WithoutCancel(ctx)

	if o.Failed || (o.StatusCode >= 200 && o.StatusCode < 300) {
		// RecordUsage logs its own failures.
		_ = g.limiter.RecordUsage(ctx, a.UserID)
	}

	err := g.usage.Track(ctx, usage.Event{
		UserID:         a.UserID,
		Endpoint:       o.Endpoint,
		Method:         o.Method,
		StatusCode:     o.StatusCode,
		ResponseTimeMs: o.Duration.Milliseconds(),
		Timestamp:      g.clock.Now(),
	})
	if err != nil {
		g.metrics.ObserveEvents("dropped", 1)
		g.logger.Warn().Err(err).Str("user_id", a.UserID).Msg("failed to track usage event")
	}

	if a.RequestID == "" {
		return
	}
	if err := g.slots.Release(ctx, a.UserID, a.RequestID); err != nil {
		g.logger.Warn().Err(err).Str("user_id", a.UserID).Str("request_id", a.RequestID).Msg("failed to release slot")
	}
}
