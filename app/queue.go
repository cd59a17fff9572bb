package app

import (
	"context"
	"time"

	"github.com/artpar/quotaguard/domain/usage"
	"github.com/artpar/quotaguard/ports"
)

// DefaultQueueTTL keeps an hour bucket alive for one missed reconciler cycle.
const DefaultQueueTTL = 2 * time.Hour

// UsageQueue is the per-hour FIFO of completed-request events.
type UsageQueue struct {
	store ports.CounterStore
	ttl   time.Duration
}

// NewUsageQueue creates a usage queue.
func NewUsageQueue(store ports.CounterStore, ttl time.Duration) *UsageQueue {
	if ttl <= 0 {
		ttl = DefaultQueueTTL
	}
	return &UsageQueue{store: store, ttl: ttl}
}

// Record appends an event to the bucket of its timestamp.
func (q *UsageQueue) Record(ctx context.Context, e usage.Event) error {
	payload, err := usage.Encode(e)
	if err != nil {
		return err
	}
	key := usage.QueueKey(e.Timestamp)
	if err := q.store.PushHead(ctx, key, payload); err != nil {
		return err
	}
	return q.store.SetExpiry(ctx, key, q.ttl)
}

// DrainOne pops the oldest event of an hour bucket. ok is false when the
// bucket is empty. A payload that cannot be decoded is consumed and
// reported as usage.ErrMalformedEvent.
func (q *UsageQueue) DrainOne(ctx context.Context, hour time.Time) (usage.Event, bool, error) {
	payload, ok, err := q.store.PopTail(ctx, usage.QueueKey(hour))
	if err != nil || !ok {
		return usage.Event{}, false, err
	}
	e, err := usage.Decode(payload)
	if err != nil {
		return usage.Event{}, true, err
	}
	return e, true, nil
}

// TTL returns the lifetime of a bucket.
func (q *UsageQueue) TTL() time.Duration {
	return q.ttl
}
