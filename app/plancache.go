package app

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/artpar/quotaguard/domain/plan"
	"github.com/artpar/quotaguard/domain/usage"
	"github.com/artpar/quotaguard/ports"
	"github.com/rs/zerolog"
)

// PlanCachePrefix is the key prefix of cached plan resolutions.
const PlanCachePrefix = "user_plan:"

// DefaultPlanTTL is how long a resolution is cached.
const DefaultPlanTTL = time.Hour

// Resolution is a user's effective plan and billing period.
type Resolution struct {
	Plan        plan.Plan
	PeriodStart time.Time
	PeriodEnd   time.Time
	Subscribed  bool // false when the default plan applies
}

type cachedResolution struct {
	PlanID      string    `json:"plan_id"`
	PlanName    string    `json:"plan_name"`
	Quota       int64     `json:"monthly_quota"`
	Concurrent  int       `json:"concurrent_requests"`
	PeriodStart time.Time `json:"period_start,omitempty"`
	PeriodEnd   time.Time `json:"period_end,omitempty"`
	Subscribed  bool      `json:"subscribed"`
}

// PlanCache resolves users to plan limits through the shared store.
// Resolution always succeeds: lookup failures fall back to the default plan.
type PlanCache struct {
	subs        ports.SubscriptionSource
	store       ports.CounterStore
	clock       ports.Clock
	logger      zerolog.Logger
	ttl         time.Duration
	defaultPlan atomic.Pointer[plan.Plan]
}

// NewPlanCache creates a plan cache.
func NewPlanCache(subs ports.SubscriptionSource, store ports.CounterStore, clock ports.Clock, logger zerolog.Logger, ttl time.Duration) *PlanCache {
	if ttl <= 0 {
		ttl = DefaultPlanTTL
	}
	c := &PlanCache{
		subs:   subs,
		store:  store,
		clock:  clock,
		logger: logger.With().Str("component", "plans").Logger(),
		ttl:    ttl,
	}
	c.SetDefault(plan.Free)
	return c
}

// SetDefault replaces the plan used for unsubscribed users.
func (c *PlanCache) SetDefault(p plan.Plan) {
	c.defaultPlan.Store(&p)
}

// Default returns the plan used for unsubscribed users.
func (c *PlanCache) Default() plan.Plan {
	return *c.defaultPlan.Load()
}

// Resolve returns the user's plan and period.
func (c *PlanCache) Resolve(ctx context.Context, userID string) Resolution {
	key := PlanCachePrefix + userID
	now := c.clock.Now()

	if raw, ok, err := c.store.Get(ctx, key); err == nil && ok {
		var cached cachedResolution
		if json.Unmarshal([]byte(raw), &cached) == nil && now.Before(cached.PeriodEnd) {
			return cached.resolution()
		}
	}

	res, cacheable := c.lookup(ctx, userID, now)
	if cacheable {
		b, _ := json.Marshal(newCachedResolution(res))
		if err := c.store.Set(ctx, key, string(b), c.ttl); err != nil {
			c.logger.Debug().Err(err).Str("user_id", userID).Msg("plan cache write failed")
		}
	}
	return res
}

func (c *PlanCache) lookup(ctx context.Context, userID string, now time.Time) (Resolution, bool) {
	if c.subs != nil {
		sub, err := c.subs.Active(ctx, userID, now)
		switch {
		case err == nil:
			return Resolution{
				Plan:        sub.Plan,
				PeriodStart: sub.PeriodStart,
				PeriodEnd:   sub.PeriodEnd,
				Subscribed:  true,
			}, true
		case !errors.Is(err, ports.ErrNotFound):
			c.logger.Warn().Err(err).Str("user_id", userID).Msg("subscription lookup failed, using default plan")
			return c.fallback(now), false
		}
	}
	return c.fallback(now), true
}

func (c *PlanCache) fallback(now time.Time) Resolution {
	start, end := usage.PeriodBounds(now)
	return Resolution{Plan: c.Default(), PeriodStart: start, PeriodEnd: end}
}

// Invalidate drops a cached resolution.
func (c *PlanCache) Invalidate(ctx context.Context, userID string) error {
	_, err := c.store.Delete(ctx, PlanCachePrefix+userID)
	return err
}

func newCachedResolution(r Resolution) cachedResolution {
	return cachedResolution{
		PlanID:      r.Plan.ID,
		PlanName:    r.Plan.Name,
		Quota:       r.Plan.Limits.MonthlyQuota,
		Concurrent:  r.Plan.Limits.ConcurrentRequests,
		PeriodStart: r.PeriodStart,
		PeriodEnd:   r.PeriodEnd,
		Subscribed:  r.Subscribed,
	}
}

func (c cachedResolution) resolution() Resolution {
	return Resolution{
		Plan: plan.Plan{
			ID:   c.PlanID,
			Name: c.PlanName,
			Limits: plan.Limits{
				MonthlyQuota:       c.Quota,
				ConcurrentRequests: c.Concurrent,
			},
		},
		PeriodStart: c.PeriodStart,
		PeriodEnd:   c.PeriodEnd,
		Subscribed:  c.Subscribed,
	}
}
