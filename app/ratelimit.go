// Package app provides application services that orchestrate domain logic.
package app

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/artpar/quotaguard/domain/plan"
	"github.com/artpar/quotaguard/domain/ratelimit"
	"github.com/artpar/quotaguard/ports"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ReasonUnavailable is the denial reason when counters cannot be read and
// the service is configured to fail closed.
const ReasonUnavailable = "rate_limit_unavailable"

// Failure modes for unreadable counters.
const (
	FailOpen   = "open"
	FailClosed = "closed"
)

// Decision is the per-request admission outcome consumed by the HTTP layer.
type Decision struct {
	Allowed    bool
	Reason     string // empty when allowed
	Status     ratelimit.Status
	RetryAfter time.Duration
}

// RateLimitService decides admission against the four window counters.
type RateLimitService struct {
	store    ports.CounterStore
	clock    ports.Clock
	metrics  ports.Metrics
	logger   zerolog.Logger
	failOpen bool
}

// RateLimitDeps contains dependencies for RateLimitService.
type RateLimitDeps struct {
	Store   ports.CounterStore
	Clock   ports.Clock
	Metrics ports.Metrics // optional
	Logger  zerolog.Logger
}

// RateLimitConfig contains configuration for RateLimitService.
type RateLimitConfig struct {
	FailureMode string // "open" (default) or "closed"
}

// NewRateLimitService creates a new rate limit service.
func NewRateLimitService(deps RateLimitDeps, cfg RateLimitConfig) *RateLimitService {
	return &RateLimitService{
		store:    deps.Store,
		clock:    deps.Clock,
		metrics:  metricsOrNop(deps.Metrics),
		logger:   deps.Logger.With().Str("component", "ratelimit").Logger(),
		failOpen: cfg.FailureMode != FailClosed,
	}
}

// Check reads all four counters in parallel and evaluates them.
// Store failures never surface as errors: the decision fails open (or
// closed, when configured) and Status.Degraded is set.
func (s *RateLimitService) Check(ctx context.Context, userID string, limits plan.Limits) Decision {
	now := s.clock.Now()
	windowLimits := ratelimit.DeriveLimits(plan.Normalize(limits))

	counts, err := s.readCounts(ctx, userID, now)
	if err != nil {
		return s.degraded(userID, windowLimits, now, err)
	}

	allowed, status := ratelimit.Evaluate(counts, windowLimits, now)
	d := Decision{Allowed: allowed, Status: status}
	if !allowed {
		d.Reason = ratelimit.ReasonLimitExceeded
		d.RetryAfter = ratelimit.RetryAfter(status, now)
		s.metrics.ObserveDecision("denied", string(status.Violated))
		s.logger.Debug().
			Str("user_id", userID).
			Str("window", string(status.Violated)).
			Int64("count", status.Counts.For(status.Violated)).
			Int64("limit", windowLimits.For(status.Violated)).
			Msg("rate limit exceeded")
		return d
	}

	s.metrics.ObserveDecision("allowed", "")
	return d
}

func (s *RateLimitService) degraded(userID string, limits ratelimit.Limits, now time.Time, err error) Decision {
	_, status := ratelimit.Evaluate(ratelimit.Counts{}, limits, now)
	status.Degraded = true

	s.metrics.ObserveFailOpen("check")
	if s.failOpen {
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("counter store unavailable, admitting request")
		s.metrics.ObserveDecision("allowed", "")
		return Decision{Allowed: true, Status: status}
	}

	s.logger.Warn().Err(err).Str("user_id", userID).Msg("counter store unavailable, denying request")
	s.metrics.ObserveDecision("denied", "unavailable")
	return Decision{Allowed: false, Reason: ReasonUnavailable, Status: status, RetryAfter: time.Second}
}

// readCounts fetches the four window counters concurrently.
func (s *RateLimitService) readCounts(ctx context.Context, userID string, now time.Time) (ratelimit.Counts, error) {
	keys := ratelimit.CounterKeys(userID, now)
	values := make([]int64, len(ratelimit.Kinds))

	g, gctx := errgroup.WithContext(ctx)
	for i, kind := range ratelimit.Kinds {
		i := i
		key := keys[kind]
		g.Go(func() error {
			n, err := s.readCounter(gctx, key)
			values[i] = n
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return ratelimit.Counts{}, err
	}

	var counts ratelimit.Counts
	for i, kind := range ratelimit.Kinds {
		counts = counts.With(kind, values[i])
	}
	return counts, nil
}

// readCounter reads one counter. A garbage value counts as zero.
func (s *RateLimitService) readCounter(ctx context.Context, key string) (int64, error) {
	raw, ok, err := s.store.Get(ctx, key)
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		s.logger.Warn().Str("key", key).Str("value", raw).Msg("ignoring malformed counter")
		return 0, nil
	}
	return n, nil
}

// RecordUsage increments all four window counters. The first increment of a
// window sets its natural lifetime; expiry is the only reset mechanism.
func (s *RateLimitService) RecordUsage(ctx context.Context, userID string) error {
	now := s.clock.Now()

	var errs []error
	for kind, key := range ratelimit.CounterKeys(userID, now) {
		n, err := s.store.Increment(ctx, key)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if n == 1 {
			if err := s.store.SetExpiry(ctx, key, ratelimit.Lifetime(now, kind)); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if err := errors.Join(errs...); err != nil {
		s.metrics.ObserveFailOpen("record_usage")
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("failed to record usage")
		return err
	}
	return nil
}

// ConcurrencyStatus is the in-flight view of a user.
type ConcurrencyStatus struct {
	InFlight int64 `json:"in_flight"`
	Limit    int   `json:"limit"`
}

// StatusReport is the read-only rate limit view of a user.
type StatusReport struct {
	Status      ratelimit.Status
	Concurrency ConcurrencyStatus
}

// Status reports counts, limits, remaining capacity and reset times without
// consuming quota. Unlike Check, store failures are returned.
func (s *RateLimitService) Status(ctx context.Context, userID string, limits plan.Limits) (StatusReport, error) {
	now := s.clock.Now()
	limits = plan.Normalize(limits)

	counts, err := s.readCounts(ctx, userID, now)
	if err != nil {
		return StatusReport{}, err
	}
	inFlight, err := s.readCounter(ctx, ratelimit.ConcurrencyKey(userID))
	if err != nil {
		return StatusReport{}, err
	}

	_, status := ratelimit.Evaluate(counts, ratelimit.DeriveLimits(limits), now)
	return StatusReport{
		Status: status,
		Concurrency: ConcurrencyStatus{
			InFlight: inFlight,
			Limit:    limits.ConcurrentRequests,
		},
	}, nil
}

type nopMetrics struct{}

func (nopMetrics) ObserveDecision(string, string) {}
func (nopMetrics) ObserveFailOpen(string) {}
func (nopMetrics) ObserveSlots(int) {}
func (nopMetrics) ObserveEvents(string, int) {}
func (nopMetrics) ObserveJob(string, error, time.Duration) {}

func metricsOrNop(m ports.Metrics) ports.Metrics {
	if m == nil {
		return nopMetrics{}
	}
	return m
}
