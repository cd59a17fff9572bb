package app

import (
	"context"
	"errors"
	"time"

	"github.com/artpar/quotaguard/domain/ratelimit"
	"github.com/artpar/quotaguard/domain/usage"
	"github.com/artpar/quotaguard/ports"
	"github.com/rs/zerolog"
)

// SweepResult counts what one sweep touched.
type SweepResult struct {
	Scanned int
	Fixed   int
}

// Sweeper gives ephemeral keys that lost their expiry a bounded one. Keys
// only lose it through manual edits or partial writes; nothing in the store
// should outlive its window by more than one sweep period.
type Sweeper struct {
	store        ports.CounterStore
	logger       zerolog.Logger
	slotTTL      time.Duration
	queueTTL     time.Duration
	planTTL      time.Duration
	analyticsTTL time.Duration
}

// SweeperConfig contains the TTLs applied by Sweeper.
type SweeperConfig struct {
	SlotTTL      time.Duration
	QueueTTL     time.Duration
	PlanTTL      time.Duration
	AnalyticsTTL time.Duration
}

// NewSweeper creates a sweeper.
func NewSweeper(store ports.CounterStore, logger zerolog.Logger, cfg SweeperConfig) *Sweeper {
	if cfg.SlotTTL <= 0 {
		cfg.SlotTTL = DefaultSlotTTL
	}
	if cfg.QueueTTL <= 0 {
		cfg.QueueTTL = DefaultQueueTTL
	}
	if cfg.PlanTTL <= 0 {
		cfg.PlanTTL = DefaultPlanTTL
	}
	if cfg.AnalyticsTTL <= 0 {
		cfg.AnalyticsTTL = DefaultAnalyticsTTL
	}
	return &Sweeper{
		store:        store,
		logger:       logger.With().Str("component", "sweeper").Logger(),
		slotTTL:      cfg.SlotTTL,
		queueTTL:     cfg.QueueTTL,
		planTTL:      cfg.PlanTTL,
		analyticsTTL: cfg.AnalyticsTTL,
	}
}

// SweepRateLimits covers window counters, concurrency keys and event queues.
func (s *Sweeper) SweepRateLimits(ctx context.Context) (SweepResult, error) {
	return s.sweep(ctx, "rate_limit_sweep", map[string]func(string) time.Duration{
		ratelimit.CounterPrefix + "*": func(key string) time.Duration {
			kind, ok := ratelimit.KindFromKey(key)
			if !ok {
				return ratelimit.SweepTTL(ratelimit.Month)
			}
			return ratelimit.SweepTTL(kind)
		},
		"concurrent*":           func(string) time.Duration { return s.slotTTL },
		usage.QueuePrefix + "*": func(string) time.Duration { return s.queueTTL },
	})
}

// SweepCaches covers the plan and analytics caches.
func (s *Sweeper) SweepCaches(ctx context.Context) (SweepResult, error) {
	return s.sweep(ctx, "cache_sweep", map[string]func(string) time.Duration{
		PlanCachePrefix + "*": func(string) time.Duration { return s.planTTL },
		"system_stats:*":      func(string) time.Duration { return s.analyticsTTL },
	})
}

func (s *Sweeper) sweep(ctx context.Context, name string, patterns map[string]func(string) time.Duration) (SweepResult, error) {
	var res SweepResult
	var errs []error

	for pattern, ttlFor := range patterns {
		err := s.store.Scan(ctx, pattern, func(key string) error {
			res.Scanned++
			ttl, err := s.store.TTL(ctx, key)
			if errors.Is(err, ports.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			if ttl != ports.NoExpiry {
				return nil
			}
			if err := s.store.SetExpiry(ctx, key, ttlFor(key)); err != nil {
				return err
			}
			res.Fixed++
			return nil
		})
		if err != nil {
			errs = append(errs, err)
		}
	}

	event := s.logger.Debug()
	if res.Fixed > 0 {
		event = s.logger.Info()
	}
	event.Str("sweep", name).Int("scanned", res.Scanned).Int("fixed", res.Fixed).Msg("sweep finished")

	return res, errors.Join(errs...)
}
