package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/artpar/quotaguard/domain/usage"
	"github.com/artpar/quotaguard/ports"
	"github.com/rs/zerolog"
)

// ReconcileResult summarizes one reconciled hour bucket.
type ReconcileResult struct {
	Hour      time.Time
	Drained   int
	Malformed int
	Billed    int64
	Users     int
	Failed    int // users whose ledger increment failed; their events are lost
}

// Reconciler folds queued events into the durable ledger.
//
// Draining is destructive, so delivery is at-most-once: events popped before
// a crash are lost, never counted twice.
type Reconciler struct {
	queue   *UsageQueue
	ledger  ports.LedgerStore
	subs    ports.SubscriptionSource
	clock   ports.Clock
	metrics ports.Metrics
	logger  zerolog.Logger
}

// ReconcilerDeps contains dependencies for Reconciler.
type ReconcilerDeps struct {
	Queue         *UsageQueue
	Ledger        ports.LedgerStore
	Subscriptions ports.SubscriptionSource
	Clock         ports.Clock
	Metrics       ports.Metrics
	Logger        zerolog.Logger
}

// NewReconciler creates a reconciler.
func NewReconciler(deps ReconcilerDeps) *Reconciler {
	return &Reconciler{
		queue:   deps.Queue,
		ledger:  deps.Ledger,
		subs:    deps.Subscriptions,
		clock:   deps.Clock,
		metrics: metricsOrNop(deps.Metrics),
		logger:  deps.Logger.With().Str("component", "reconciler").Logger(),
	}
}

// Run reconciles the previous hour bucket.
func (r *Reconciler) Run(ctx context.Context) error {
	_, err := r.ReconcileHour(ctx, r.clock.Now().Add(-time.Hour))
	return err
}

// ReconcileHour drains one hour bucket and increments the ledger of every
// user with successful requests in it.
func (r *Reconciler) ReconcileHour(ctx context.Context, hour time.Time) (ReconcileResult, error) {
	hour = usage.HourBucket(hour)
	res := ReconcileResult{Hour: hour}

	var events []usage.Event
	for {
		if err := ctx.Err(); err != nil {
			// Popped events are folded below; the rest stay queued.
			break
		}
		e, ok, err := r.queue.DrainOne(ctx, hour)
		if errors.Is(err, usage.ErrMalformedEvent) {
			res.Malformed++
			r.logger.Warn().Err(err).Time("hour", hour).Msg("dropping malformed usage event")
			continue
		}
		if err != nil {
			if len(events) == 0 {
				return res, fmt.Errorf("drain %s: %w", usage.QueueKey(hour), err)
			}
			r.logger.Error().Err(err).Int("drained", len(events)).Msg("drain interrupted, persisting partial batch")
			break
		}
		if !ok {
			break
		}
		events = append(events, e)
	}
	res.Drained = len(events)
	r.metrics.ObserveEvents("malformed", res.Malformed)
	r.metrics.ObserveEvents("reconciled", res.Drained)

	counts := usage.CountSuccessful(events)
	res.Users = len(counts)

	// The ledger write must not be cut short by shutdown: the events are
	// already off the queue.
	writeCtx := context.WithoutCancel(ctx)

	var errs []error
	for _, userID := range usage.SortedUsers(counts) {
		n := counts[userID]
		if n == 0 {
			continue
		}
		if err := r.persist(writeCtx, userID, hour, n); err != nil {
			res.Failed++
			r.metrics.ObserveEvents("lost", int(n))
			errs = append(errs, fmt.Errorf("user %s: %w", userID, err))
			r.logger.Error().Err(err).Str("user_id", userID).Int64("requests", n).Msg("ledger increment failed")
			continue
		}
		res.Billed += n
	}
	r.metrics.ObserveEvents("billed", int(res.Billed))

	r.logger.Info().
		Time("hour", hour).
		Int("drained", res.Drained).
		Int("malformed", res.Malformed).
		Int64("billed", res.Billed).
		Int("users", res.Users).
		Msg("usage reconciled")

	return res, errors.Join(errs...)
}

func (r *Reconciler) persist(ctx context.Context, userID string, hour time.Time, n int64) error {
	start, end, err := r.period(ctx, userID, hour)
	if err != nil {
		return err
	}
	return r.ledger.Increment(ctx, usage.Increment{
		UserID:      userID,
		Hour:        hour,
		PeriodStart: start,
		PeriodEnd:   end,
		Count:       n,
	}, r.clock.Now())
}

// period resolves the billing period containing hour: the active
// subscription's, or the calendar month.
func (r *Reconciler) period(ctx context.Context, userID string, hour time.Time) (time.Time, time.Time, error) {
	if r.subs != nil {
		sub, err := r.subs.Active(ctx, userID, hour)
		switch {
		case err == nil:
			return sub.PeriodStart, sub.PeriodEnd, nil
		case !errors.Is(err, ports.ErrNotFound):
			return time.Time{}, time.Time{}, err
		}
	}
	start, end := usage.PeriodBounds(hour)
	return start, end, nil
}
