package app_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/artpar/quotaguard/adapters/clock"
	"github.com/artpar/quotaguard/adapters/memory"
	"github.com/artpar/quotaguard/domain/plan"
	"github.com/artpar/quotaguard/domain/usage"
	"github.com/artpar/quotaguard/ports"
)

// fakeLedger implements ports.LedgerStore in memory.
type fakeLedger struct {
	mu      sync.Mutex
	entries map[string][]usage.LedgerEntry
	incErr  error

	daily  []usage.DailyTotal
	byPlan []usage.PlanUsage
	top    []usage.UserUsage
	calls  int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{entries: make(map[string][]usage.LedgerEntry)}
}

func (f *fakeLedger) Increment(ctx context.Context, inc usage.Increment, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.incErr != nil {
		return f.incErr
	}
	list := f.entries[inc.UserID]
	for i, e := range list {
		if e.Contains(inc.Hour) {
			list[i] = e.Add(inc.Count, now)
			return nil
		}
	}
	f.entries[inc.UserID] = append(list, usage.LedgerEntry{
		UserID:        inc.UserID,
		PeriodStart:   inc.PeriodStart,
		PeriodEnd:     inc.PeriodEnd,
		RequestsCount: inc.Count,
		UpdatedAt:     now,
	})
	return nil
}

func (f *fakeLedger) Current(ctx context.Context, userID string, at time.Time) (usage.LedgerEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.entries[userID] {
		if e.Contains(at) {
			return e, nil
		}
	}
	return usage.LedgerEntry{}, ports.ErrNotFound
}

func (f *fakeLedger) ResetCurrent(ctx context.Context, userID string, now time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.entries[userID]
	for i, e := range list {
		if e.Contains(now) {
			list[i] = e.Reset(now)
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeLedger) DailyTotals(ctx context.Context, since time.Time) ([]usage.DailyTotal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.daily, nil
}

func (f *fakeLedger) UsageByPlan(ctx context.Context, since, now time.Time) ([]usage.PlanUsage, error) {
	return f.byPlan, nil
}

func (f *fakeLedger) TopUsers(ctx context.Context, since time.Time, limit int) ([]usage.UserUsage, error) {
	return f.top, nil
}

func (f *fakeLedger) MonthlyTotals(ctx context.Context, userID string, since time.Time) ([]usage.MonthlyTotal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []usage.MonthlyTotal
	for _, e := range f.entries[userID] {
		out = append(out, usage.MonthlyTotal{Month: e.PeriodStart.Format("2006-01"), Requests: e.RequestsCount})
	}
	return out, nil
}

func (f *fakeLedger) count(userID string, at time.Time) int64 {
	e, err := f.Current(context.Background(), userID, at)
	if err != nil {
		return 0
	}
	return e.RequestsCount
}

var _ ports.LedgerStore = (*fakeLedger)(nil)

// fakeSubscriptions implements ports.SubscriptionSource.
type fakeSubscriptions struct {
	mu    sync.Mutex
	subs  map[string]ports.Subscription
	err   error
	calls int
}

func newFakeSubscriptions() *fakeSubscriptions {
	return &fakeSubscriptions{subs: make(map[string]ports.Subscription)}
}

func (f *fakeSubscriptions) Active(ctx context.Context, userID string, at time.Time) (ports.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return ports.Subscription{}, f.err
	}
	sub, ok := f.subs[userID]
	if !ok || at.Before(sub.PeriodStart) || !at.Before(sub.PeriodEnd) {
		return ports.Subscription{}, ports.ErrNotFound
	}
	return sub, nil
}

func (f *fakeSubscriptions) set(userID string, p plan.Plan, start, end time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[userID] = ports.Subscription{UserID: userID, Plan: p, PeriodStart: start, PeriodEnd: end}
}

var _ ports.SubscriptionSource = (*fakeSubscriptions)(nil)

// recordingMetrics implements ports.Metrics and counts observations.
type recordingMetrics struct {
	mu        sync.Mutex
	decisions map[string]int
	failOpen  map[string]int
	slots     int
	events    map[string]int
	jobs      map[string]int
	jobErrors map[string]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{
		decisions: make(map[string]int),
		failOpen:  make(map[string]int),
		events:    make(map[string]int),
		jobs:      make(map[string]int),
		jobErrors: make(map[string]int),
	}
}

func (m *recordingMetrics) ObserveDecision(result, window string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions[result+"/"+window]++
}

func (m *recordingMetrics) ObserveFailOpen(op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failOpen[op]++
}

func (m *recordingMetrics) ObserveSlots(delta int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slots += delta
}

func (m *recordingMetrics) ObserveEvents(outcome string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[outcome] += n
}

func (m *recordingMetrics) ObserveJob(job string, err error, took time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job]++
	if err != nil {
		m.jobErrors[job]++
	}
}

func (m *recordingMetrics) get(field map[string]int, key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return field[key]
}

var _ ports.Metrics = (*recordingMetrics)(nil)

var errBackend = errors.New("backend down")

func newTestStore(t *testing.T, at time.Time) (*memory.CounterStore, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(at)
	store := memory.NewCounterStore(clk, memory.CounterStoreConfig{})
	t.Cleanup(func() { store.Close() })
	return store, clk
}

// testStoreHandle bundles the collaborators a test manipulates directly.
type testStoreHandle struct {
	store   *memory.CounterStore
	clock   *clock.Fake
	metrics *recordingMetrics
}
