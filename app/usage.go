package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/artpar/quotaguard/domain/ratelimit"
	"github.com/artpar/quotaguard/domain/usage"
	"github.com/artpar/quotaguard/ports"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// AnalyticsCachePrefix is the key prefix of cached system analytics.
const AnalyticsCachePrefix = "system_stats:analytics:"

// DefaultAnalyticsTTL is how long system analytics are cached.
const DefaultAnalyticsTTL = 30 * time.Minute

// MaxAnalyticsDays bounds analytics windows.
const MaxAnalyticsDays = 365

// ErrInvalidDays is returned for analytics windows outside 1..MaxAnalyticsDays.
var ErrInvalidDays = fmt.Errorf("days must be between 1 and %d", MaxAnalyticsDays)

// UsageService tracks completed requests and serves usage reports.
type UsageService struct {
	store        ports.CounterStore
	queue        *UsageQueue
	ledger       ports.LedgerStore
	plans        *PlanCache
	clock        ports.Clock
	metrics      ports.Metrics
	logger       zerolog.Logger
	analyticsTTL time.Duration
}

// UsageDeps contains dependencies for UsageService.
type UsageDeps struct {
	Store   ports.CounterStore
	Queue   *UsageQueue
	Ledger  ports.LedgerStore
	Plans   *PlanCache
	Clock   ports.Clock
	Metrics ports.Metrics
	Logger  zerolog.Logger
}

// UsageConfig contains configuration for UsageService.
type UsageConfig struct {
	AnalyticsTTL time.Duration
}

// NewUsageService creates a usage service.
func NewUsageService(deps UsageDeps, cfg UsageConfig) *UsageService {
	if cfg.AnalyticsTTL <= 0 {
		cfg.AnalyticsTTL = DefaultAnalyticsTTL
	}
	return &UsageService{
		store:        deps.Store,
		queue:        deps.Queue,
		ledger:       deps.Ledger,
		plans:        deps.Plans,
		clock:        deps.Clock,
		metrics:      metricsOrNop(deps.Metrics),
		logger:       deps.Logger.With().Str("component", "usage").Logger(),
		analyticsTTL: cfg.AnalyticsTTL,
	}
}

// Track queues a completed request for reconciliation and bumps the realtime
// analytics counters.
func (s *UsageService) Track(ctx context.Context, e usage.Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = s.clock.Now()
	}

	var errs []error
	if err := s.queue.Record(ctx, e); err != nil {
		errs = append(errs, fmt.Errorf("queue event: %w", err))
	} else {
		s.metrics.ObserveEvents("queued", 1)
	}

	counters := []struct {
		key string
		ttl time.Duration
	}{
		{usage.DailyKey(e.UserID, e.Timestamp), usage.DailyTTL},
		{usage.MonthlyKey(e.UserID, e.Timestamp), usage.MonthlyTTL},
		{usage.HourlyKey(e.UserID, e.Timestamp), usage.HourlyTTL},
	}
	for _, c := range counters {
		if _, err := s.store.Increment(ctx, c.key); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := s.store.SetExpiry(ctx, c.key, c.ttl); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Summary returns the dashboard view of the user's current billing period.
func (s *UsageService) Summary(ctx context.Context, userID string) (usage.Summary, error) {
	now := s.clock.Now()
	res := s.plans.Resolve(ctx, userID)

	var current int64
	entry, err := s.ledger.Current(ctx, userID, now)
	switch {
	case err == nil:
		current = entry.RequestsCount
	case !errors.Is(err, ports.ErrNotFound):
		return usage.Summary{}, err
	}

	var reset *time.Time
	if !res.PeriodEnd.IsZero() {
		end := res.PeriodEnd
		reset = &end
	}

	summary := usage.Summarize(current, res.Plan.Limits.MonthlyQuota, reset)
	summary.UserID = userID
	summary.PlanID = res.Plan.ID
	return summary, nil
}

// UserAnalytics reports a user's realtime daily and hourly usage plus ledger
// totals per month. Unreadable realtime counters count as zero.
func (s *UsageService) UserAnalytics(ctx context.Context, userID string, days int) (usage.UserAnalytics, error) {
	if days < 1 || days > MaxAnalyticsDays {
		return usage.UserAnalytics{}, ErrInvalidDays
	}
	now := s.clock.Now()
	out := usage.UserAnalytics{UserID: userID}

	for _, day := range usage.AnalyticsDays(now, days) {
		n := s.counter(ctx, usage.DailyKey(userID, day))
		out.Daily = append(out.Daily, usage.DailyPoint{Date: day.Format("2006-01-02"), Requests: n})
		out.TotalRequests += n
	}

	today := ratelimit.Truncate(now, ratelimit.Day)
	for h := 0; h < 24; h++ {
		at := today.Add(time.Duration(h) * time.Hour)
		out.HourlyToday = append(out.HourlyToday, usage.HourlyPoint{
			Hour:     at.Format("15:04"),
			Requests: s.counter(ctx, usage.HourlyKey(userID, at)),
		})
	}

	monthly, err := s.ledger.MonthlyTotals(ctx, userID, now.AddDate(0, 0, -days))
	if err != nil {
		return usage.UserAnalytics{}, err
	}
	out.MonthlyTotals = monthly
	return out, nil
}

func (s *UsageService) counter(ctx context.Context, key string) int64 {
	raw, ok, err := s.store.Get(ctx, key)
	if err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("realtime counter unavailable")
		return 0
	}
	if !ok {
		return 0
	}
	n, _ := strconv.ParseInt(raw, 10, 64)
	return n
}

// SystemAnalytics reports ledger totals by day, by plan and for the top
// users. Results are cached per window length.
func (s *UsageService) SystemAnalytics(ctx context.Context, days int) (usage.SystemAnalytics, error) {
	if days < 1 || days > MaxAnalyticsDays {
		return usage.SystemAnalytics{}, ErrInvalidDays
	}
	key := AnalyticsCachePrefix + strconv.Itoa(days)

	if raw, ok, err := s.store.Get(ctx, key); err == nil && ok {
		var cached usage.SystemAnalytics
		if json.Unmarshal([]byte(raw), &cached) == nil {
			return cached, nil
		}
	}

	now := s.clock.Now()
	since := now.AddDate(0, 0, -days)
	out := usage.SystemAnalytics{PeriodDays: days}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		out.DailyTotals, err = s.ledger.DailyTotals(gctx, since)
		return err
	})
	g.Go(func() error {
		var err error
		out.UsageByPlan, err = s.ledger.UsageByPlan(gctx, since, now)
		return err
	})
	g.Go(func() error {
		var err error
		out.TopUsers, err = s.ledger.TopUsers(gctx, since, usage.TopUsersLimit)
		return err
	})
	if err := g.Wait(); err != nil {
		return usage.SystemAnalytics{}, err
	}
	out.TotalRequests = usage.SumDaily(out.DailyTotals)

	if b, err := json.Marshal(out); err == nil {
		if err := s.store.Set(ctx, key, string(b), s.analyticsTTL); err != nil {
			s.logger.Debug().Err(err).Msg("analytics cache write failed")
		}
	}
	return out, nil
}

// ResetResult describes what an admin reset cleared.
type ResetResult struct {
	LedgerReset bool  `json:"ledger_reset"`
	KeysDeleted int64 `json:"keys_deleted"`
}

// ResetUserUsage zeroes the current ledger period and deletes the user's
// current window counters, realtime counters and cached plan. Counters of
// past windows never affect a decision and expire on their own; concurrency
// slots track in-flight work and are left alone.
func (s *UsageService) ResetUserUsage(ctx context.Context, userID string) (ResetResult, error) {
	now := s.clock.Now()
	var res ResetResult
	var errs []error

	ok, err := s.ledger.ResetCurrent(ctx, userID, now)
	if err != nil {
		errs = append(errs, fmt.Errorf("reset ledger: %w", err))
	}
	res.LedgerReset = ok

	keys := []string{
		usage.DailyKey(userID, now),
		usage.MonthlyKey(userID, now),
		usage.HourlyKey(userID, now),
	}
	for _, kind := range ratelimit.Kinds {
		keys = append(keys, ratelimit.CounterKey(userID, kind, now))
	}
	n, err := s.store.Delete(ctx, keys...)
	if err != nil {
		errs = append(errs, fmt.Errorf("delete counters: %w", err))
	}
	res.KeysDeleted = n

	if err := s.plans.Invalidate(ctx, userID); err != nil {
		errs = append(errs, fmt.Errorf("invalidate plan: %w", err))
	}

	s.logger.Info().
		Str("user_id", userID).
		Bool("ledger_reset", res.LedgerReset).
		Int64("keys_deleted", res.KeysDeleted).
		Msg("user usage reset")

	return res, errors.Join(errs...)
}
