package app_test

import (
	"context"
	"testing"
	"time"

	"github.com/artpar/quotaguard/app"
	"github.com/artpar/quotaguard/domain/ratelimit"
	"github.com/artpar/quotaguard/domain/usage"
	"github.com/artpar/quotaguard/ports"
	"github.com/rs/zerolog"
)

func TestSweeper_SweepRateLimits(t *testing.T) {
	now := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	store, _ := newTestStore(t, now)
	sweeper := app.NewSweeper(store, zerolog.Nop(), app.SweeperConfig{})
	ctx := context.Background()

	noExpiry := map[string]time.Duration{
		ratelimit.CounterKey("u1", ratelimit.Minute, now): 2 * time.Minute,
		ratelimit.CounterKey("u1", ratelimit.Hour, now):   2 * time.Hour,
		ratelimit.CounterKey("u1", ratelimit.Day, now):    48 * time.Hour,
		ratelimit.CounterKey("u1", ratelimit.Month, now):  31 * 24 * time.Hour,
		ratelimit.ConcurrencyKey("u1"):                    app.DefaultSlotTTL,
		ratelimit.SlotKey("u1", "r1"):                     app.DefaultSlotTTL,
		usage.QueueKey(now):                               app.DefaultQueueTTL,
	}
	for key := range noExpiry {
		store.Set(ctx, key, "1", 0)
	}
	store.Set(ctx, ratelimit.CounterKey("u2", ratelimit.Minute, now), "1", 30*time.Second)
	store.Set(ctx, "unrelated", "1", 0)

	res, err := sweeper.SweepRateLimits(ctx)
	if err != nil {
		t.Fatalf("SweepRateLimits() error = %v", err)
	}
	if res.Scanned != 8 || res.Fixed != 7 {
		t.Errorf("SweepRateLimits() = %+v, want 8 scanned, 7 fixed", res)
	}

	for key, want := range noExpiry {
		got, err := store.TTL(ctx, key)
		if err != nil {
			t.Fatalf("TTL(%s) error = %v", key, err)
		}
		if got != want {
			t.Errorf("TTL(%s) = %v, want %v", key, got, want)
		}
	}
	if got, _ := store.TTL(ctx, ratelimit.CounterKey("u2", ratelimit.Minute, now)); got != 30*time.Second {
		t.Errorf("existing TTL changed to %v", got)
	}
	if got, _ := store.TTL(ctx, "unrelated"); got != ports.NoExpiry {
		t.Errorf("unrelated key TTL = %v, want none", got)
	}
}

func TestSweeper_SweepCaches(t *testing.T) {
	now := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	store, _ := newTestStore(t, now)
	sweeper := app.NewSweeper(store, zerolog.Nop(), app.SweeperConfig{PlanTTL: 10 * time.Minute})
	ctx := context.Background()

	store.Set(ctx, app.PlanCachePrefix+"u1", "{}", 0)
	store.Set(ctx, app.AnalyticsCachePrefix+"7", "{}", 0)
	store.Set(ctx, ratelimit.ConcurrencyKey("u1"), "1", 0)

	res, err := sweeper.SweepCaches(ctx)
	if err != nil {
		t.Fatalf("SweepCaches() error = %v", err)
	}
	if res.Fixed != 2 {
		t.Errorf("Fixed = %d, want 2", res.Fixed)
	}
	if got, _ := store.TTL(ctx, app.PlanCachePrefix+"u1"); got != 10*time.Minute {
		t.Errorf("plan cache TTL = %v, want 10m", got)
	}
	if got, _ := store.TTL(ctx, app.AnalyticsCachePrefix+"7"); got != app.DefaultAnalyticsTTL {
		t.Errorf("analytics cache TTL = %v, want %v", got, app.DefaultAnalyticsTTL)
	}
	if got, _ := store.TTL(ctx, ratelimit.ConcurrencyKey("u1")); got != ports.NoExpiry {
		t.Error("cache sweep must not touch rate limit keys")
	}
}

func TestSweeper_StoreUnavailable(t *testing.T) {
	store, _ := newTestStore(t, time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC))
	sweeper := app.NewSweeper(store, zerolog.Nop(), app.SweeperConfig{})
	store.SetUnavailable(true)

	if _, err := sweeper.SweepRateLimits(context.Background()); err == nil {
		t.Error("SweepRateLimits() should report store failures")
	}
}
