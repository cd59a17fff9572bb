// Package ports defines interfaces (contracts) between layers.
// These interfaces enable dependency injection and testability.
// Implementations live in adapters/.
package ports

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/artpar/quotaguard/domain/plan"
	"github.com/artpar/quotaguard/domain/usage"
)

// Sentinel errors shared by every adapter.
var (
	// ErrUnavailable means the backend could not be reached. Callers treat it
	// as transient.
	ErrUnavailable = errors.New("backend unavailable")

	// ErrNotFound means the requested record does not exist.
	ErrNotFound = errors.New("not found")
)

// NoExpiry is returned by CounterStore.TTL for keys that exist without an expiry.
const NoExpiry time.Duration = -1

// -----------------------------------------------------------------------------
// Infrastructure Ports
// -----------------------------------------------------------------------------

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// IDGenerator generates unique identifiers.
type IDGenerator interface {
	New() string
}

// Hasher provides token hashing.
type Hasher interface {
	// Hash generates a hash from a plaintext value.
	Hash(plaintext string) ([]byte, error)

	// Compare checks if plaintext matches hash.
	Compare(hash []byte, plaintext string) bool
}

// -----------------------------------------------------------------------------
// Ephemeral Store Port
// -----------------------------------------------------------------------------

// CounterStore is the shared key-value backend holding window counters,
// concurrency slots and the event queue. Every instance of the gateway talks to
// the same store; all cross-request coordination relies on its atomic
// operations. Backend failures are reported wrapped in ErrUnavailable.
type CounterStore interface {
	// Increment atomically adds one and returns the new value.
	// A missing key starts at zero.
	Increment(ctx context.Context, key string) (int64, error)

	// Decrement atomically subtracts one, floored at zero. A key reaching zero
	// is deleted; otherwise its expiry is refreshed to ttl when ttl > 0.
	Decrement(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Get returns the raw value; ok is false when the key is absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// Set stores a value with an expiry (ttl <= 0 means none).
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetExpiry sets the expiry of an existing key.
	SetExpiry(ctx context.Context, key string, ttl time.Duration) error

	// TTL returns the remaining lifetime, NoExpiry, or ErrNotFound.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Delete removes keys and returns how many existed.
	Delete(ctx context.Context, keys ...string) (int64, error)

	// Scan calls fn for every key matching a glob pattern.
	// Iteration stops at the first error returned by fn.
	Scan(ctx context.Context, pattern string, fn func(key string) error) error

	// PushHead prepends a value to a list.
	PushHead(ctx context.Context, key, value string) error

	// PopTail removes and returns the oldest list value; ok is false when empty.
	PopTail(ctx context.Context, key string) (value string, ok bool, err error)

	// Ping checks connectivity.
	Ping(ctx context.Context) error
}

// -----------------------------------------------------------------------------
// Durable Store Ports
// -----------------------------------------------------------------------------

// LedgerStore persists per-period request counts. It is mutated only by the
// reconciler and by admin resets.
type LedgerStore interface {
	// Increment adds inc.Count to the entry whose period contains inc.Hour,
	// creating one for [inc.PeriodStart, inc.PeriodEnd) when none exists.
	Increment(ctx context.Context, inc usage.Increment, now time.Time) error

	// Current returns the entry whose period contains at, or ErrNotFound.
	Current(ctx context.Context, userID string, at time.Time) (usage.LedgerEntry, error)

	// ResetCurrent zeroes the entry whose period contains now.
	// It reports whether an entry existed.
	ResetCurrent(ctx context.Context, userID string, now time.Time) (bool, error)

	// DailyTotals sums request counts by day of last update since a time.
	DailyTotals(ctx context.Context, since time.Time) ([]usage.DailyTotal, error)

	// UsageByPlan sums request counts of subscribed users by plan since a time.
	UsageByPlan(ctx context.Context, since, now time.Time) ([]usage.PlanUsage, error)

	// TopUsers returns the heaviest users since a time.
	TopUsers(ctx context.Context, since time.Time, limit int) ([]usage.UserUsage, error)

	// MonthlyTotals sums a user's entries by calendar month of period start.
	MonthlyTotals(ctx context.Context, userID string, since time.Time) ([]usage.MonthlyTotal, error)
}

// Subscription is a user's active plan and billing period.
type Subscription struct {
	UserID      string
	Plan        plan.Plan
	PeriodStart time.Time
	PeriodEnd   time.Time
}

// SubscriptionSource supplies (user, plan limits) and billing periods.
// Subscription management itself lives outside this service.
type SubscriptionSource interface {
	// Active returns the subscription in force at a time, or ErrNotFound.
	Active(ctx context.Context, userID string, at time.Time) (Subscription, error)
}

// PlanCatalog lists the configured plans.
type PlanCatalog interface {
	// List returns all known plans.
	List(ctx context.Context) ([]plan.Plan, error)

	// Upsert creates or updates a plan.
	Upsert(ctx context.Context, p plan.Plan) error
}

// -----------------------------------------------------------------------------
// HTTP Ports
// -----------------------------------------------------------------------------

// UserResolver identifies the authenticated caller of a request.
// Authentication happens upstream; ok is false for anonymous requests.
type UserResolver interface {
	UserID(r *http.Request) (string, bool)
}

// -----------------------------------------------------------------------------
// Observability Port
// -----------------------------------------------------------------------------

// Metrics receives engine observations. Implementations must be safe for
// concurrent use.
type Metrics interface {
	ObserveDecision(result, window string)
	ObserveFailOpen(operation string)
	ObserveSlots(delta int)
	ObserveEvents(outcome string, n int)
	ObserveJob(job string, err error, took time.Duration)
}
