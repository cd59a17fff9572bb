package app

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/artpar/quotaguard/domain/ratelimit"
	"github.com/artpar/quotaguard/ports"
	"github.com/rs/zerolog"
)

// DefaultSlotTTL bounds how long a crashed holder can pin a slot. It must
// exceed the longest expected request.
const DefaultSlotTTL = 300 * time.Second

// SlotTracker tracks in-flight requests per user.
//
// The counter and the per-request marker share the same TTL. Release deletes
// the marker first and only decrements when that delete removed it, so a
// request released twice (normal path plus cleanup path) decrements once.
type SlotTracker struct {
	store    ports.CounterStore
	metrics  ports.Metrics
	logger   zerolog.Logger
	ttl      time.Duration
	failOpen bool
}

// SlotTrackerConfig contains configuration for SlotTracker.
type SlotTrackerConfig struct {
	TTL         time.Duration
	FailureMode string
}

// NewSlotTracker creates a new slot tracker.
func NewSlotTracker(store ports.CounterStore, m ports.Metrics, logger zerolog.Logger, cfg SlotTrackerConfig) *SlotTracker {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultSlotTTL
	}
	return &SlotTracker{
		store:    store,
		metrics:  metricsOrNop(m),
		logger:   logger.With().Str("component", "slots").Logger(),
		ttl:      cfg.TTL,
		failOpen: cfg.FailureMode != FailClosed,
	}
}

// TryAcquire reports whether the user is below its concurrency limit.
func (t *SlotTracker) TryAcquire(ctx context.Context, userID string, limit int) bool {
	n, err := t.InFlight(ctx, userID)
	if err != nil {
		t.metrics.ObserveFailOpen("try_acquire")
		t.logger.Warn().Err(err).Str("user_id", userID).Bool("admit", t.failOpen).Msg("concurrency check failed")
		return t.failOpen
	}
	if limit < 1 {
		limit = 1
	}
	return n < int64(limit)
}

// Acquire reserves a slot for one request.
func (t *SlotTracker) Acquire(ctx context.Context, userID, requestID string) error {
	key := ratelimit.ConcurrencyKey(userID)
	if _, err := t.store.Increment(ctx, key); err != nil {
		return err
	}
	if err := t.store.SetExpiry(ctx, key, t.ttl); err != nil {
		return err
	}
	if err := t.store.Set(ctx, ratelimit.SlotKey(userID, requestID), "1", t.ttl); err != nil {
		return err
	}
	t.metrics.ObserveSlots(1)
	return nil
}

// Release frees the slot of one request. Releasing an unknown or expired
// slot is a no-op.
func (t *SlotTracker) Release(ctx context.Context, userID, requestID string) error {
	removed, err := t.store.Delete(ctx, ratelimit.SlotKey(userID, requestID))
	if err != nil {
		return err
	}
	if removed == 0 {
		return nil
	}
	if _, err := t.store.Decrement(ctx, ratelimit.ConcurrencyKey(userID), t.ttl); err != nil {
		return err
	}
	t.metrics.ObserveSlots(-1)
	return nil
}

// InFlight returns the current concurrency counter.
func (t *SlotTracker) InFlight(ctx context.Context, userID string) (int64, error) {
	raw, ok, err := t.store.Get(ctx, ratelimit.ConcurrencyKey(userID))
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, errors.Join(errors.New("malformed concurrency counter"), err)
	}
	return n, nil
}

// TTL returns the safety TTL applied to slots.
func (t *SlotTracker) TTL() time.Duration {
	return t.ttl
}
