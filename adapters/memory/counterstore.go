package memory

import (
	"context"
	"fmt"
	"hash/fnv"
	"path"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/artpar/quotaguard/ports"
)

// entry is a single key: either a counter/string value or a list.
type entry struct {
	value   string
	list    []string // head at index 0
	isList  bool
	expires time.Time // zero = no expiry
}

func (e *entry) expired(now time.Time) bool {
	return !e.expires.IsZero() && !now.Before(e.expires)
}

// counterShard is a single shard of the counter store.
type counterShard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// CounterStore is a sharded in-memory ports.CounterStore for single-instance
// deployments and tests. It honours expiries against the injected clock.
type CounterStore struct {
	shards      []*counterShard
	numShards   int
	clock       ports.Clock
	unavailable atomic.Bool
	cleanup     *time.Ticker
	done        chan struct{}
	closeOnce   sync.Once
}

// CounterStoreConfig configures the in-memory counter store.
type CounterStoreConfig struct {
	NumShards       int           // Number of shards (default: 32)
	CleanupInterval time.Duration // How often expired keys are purged (default: 1m)
}

// NewCounterStore creates a new sharded in-memory counter store.
func NewCounterStore(clock ports.Clock, cfg CounterStoreConfig) *CounterStore {
	if cfg.NumShards <= 0 {
		cfg.NumShards = 32
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}

	s := &CounterStore{
		shards:    make([]*counterShard, cfg.NumShards),
		numShards: cfg.NumShards,
		clock:     clock,
		done:      make(chan struct{}),
	}
	for i := range s.shards {
		s.shards[i] = &counterShard{entries: make(map[string]*entry)}
	}

	s.cleanup = time.NewTicker(cfg.CleanupInterval)
	go s.cleanupLoop()

	return s
}

// SetUnavailable simulates a backend outage: every operation fails with
// ports.ErrUnavailable until switched back.
func (s *CounterStore) SetUnavailable(down bool) {
	s.unavailable.Store(down)
}

func (s *CounterStore) check() error {
	if s.unavailable.Load() {
		return fmt.Errorf("%w: memory store offline", ports.ErrUnavailable)
	}
	return nil
}

// getShard returns the shard for a given key using consistent hashing.
func (s *CounterStore) getShard(key string) *counterShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return s.shards[h.Sum32()%uint32(s.numShards)]
}

// live returns the entry for key, dropping it if expired. Caller holds the lock.
func (s *CounterStore) live(shard *counterShard, key string) *entry {
	e, ok := shard.entries[key]
	if !ok {
		return nil
	}
	if e.expired(s.clock.Now()) {
		delete(shard.entries, key)
		return nil
	}
	return e
}

func (s *CounterStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.clock.Now().Add(ttl)
}

// Increment atomically adds one.
func (s *CounterStore) Increment(ctx context.Context, key string) (int64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	shard := s.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	e := s.live(shard, key)
	if e == nil {
		e = &entry{}
		shard.entries[key] = e
	}
	if e.isList {
		return 0, fmt.Errorf("increment %s: wrong type", key)
	}
	n, err := parseCount(e.value)
	if err != nil {
		return 0, fmt.Errorf("increment %s: %w", key, err)
	}
	n++
	e.value = strconv.FormatInt(n, 10)
	return n, nil
}

// Decrement atomically subtracts one, floored at zero.
func (s *CounterStore) Decrement(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	shard := s.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	e := s.live(shard, key)
	if e == nil {
		return 0, nil
	}
	n, err := parseCount(e.value)
	if err != nil {
		return 0, fmt.Errorf("decrement %s: %w", key, err)
	}
	n--
	if n <= 0 {
		delete(shard.entries, key)
		return 0, nil
	}
	e.value = strconv.FormatInt(n, 10)
	if ttl > 0 {
		e.expires = s.expiry(ttl)
	}
	return n, nil
}

// Get returns the raw value of a key.
func (s *CounterStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := s.check(); err != nil {
		return "", false, err
	}
	shard := s.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	e := s.live(shard, key)
	if e == nil || e.isList {
		return "", false, nil
	}
	return e.value, true, nil
}

// Set stores a value with an optional expiry.
func (s *CounterStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.check(); err != nil {
		return err
	}
	shard := s.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	shard.entries[key] = &entry{value: value, expires: s.expiry(ttl)}
	return nil
}

// SetExpiry sets the expiry of an existing key. Missing keys are ignored.
func (s *CounterStore) SetExpiry(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.check(); err != nil {
		return err
	}
	shard := s.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if e := s.live(shard, key); e != nil {
		e.expires = s.expiry(ttl)
	}
	return nil
}

// TTL returns the remaining lifetime of a key.
func (s *CounterStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	shard := s.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	e := s.live(shard, key)
	if e == nil {
		return 0, ports.ErrNotFound
	}
	if e.expires.IsZero() {
		return ports.NoExpiry, nil
	}
	return e.expires.Sub(s.clock.Now()), nil
}

// Delete removes keys and returns how many existed.
func (s *CounterStore) Delete(ctx context.Context, keys ...string) (int64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	var n int64
	for _, key := range keys {
		shard := s.getShard(key)
		shard.mu.Lock()
		if s.live(shard, key) != nil {
			delete(shard.entries, key)
			n++
		}
		shard.mu.Unlock()
	}
	return n, nil
}

// Scan calls fn for every live key matching pattern. Keys are collected
// before fn runs so fn may modify the store.
func (s *CounterStore) Scan(ctx context.Context, pattern string, fn func(key string) error) error {
	if err := s.check(); err != nil {
		return err
	}
	if _, err := path.Match(pattern, ""); err != nil {
		return fmt.Errorf("scan %q: %w", pattern, err)
	}

	var matched []string
	for _, shard := range s.shards {
		shard.mu.Lock()
		for key := range shard.entries {
			if s.live(shard, key) == nil {
				continue
			}
			if ok, _ := path.Match(pattern, key); ok {
				matched = append(matched, key)
			}
		}
		shard.mu.Unlock()
	}

	for _, key := range matched {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(key); err != nil {
			return err
		}
	}
	return nil
}

// PushHead prepends a value to a list.
func (s *CounterStore) PushHead(ctx context.Context, key, value string) error {
	if err := s.check(); err != nil {
		return err
	}
	shard := s.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	e := s.live(shard, key)
	if e == nil {
		e = &entry{isList: true}
		shard.entries[key] = e
	}
	if !e.isList {
		return fmt.Errorf("push %s: wrong type", key)
	}
	e.list = append([]string{value}, e.list...)
	return nil
}

// PopTail removes and returns the oldest value of a list.
func (s *CounterStore) PopTail(ctx context.Context, key string) (string, bool, error) {
	if err := s.check(); err != nil {
		return "", false, err
	}
	shard := s.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	e := s.live(shard, key)
	if e == nil || !e.isList || len(e.list) == 0 {
		return "", false, nil
	}
	last := len(e.list) - 1
	v := e.list[last]
	e.list = e.list[:last]
	if len(e.list) == 0 {
		delete(shard.entries, key)
	}
	return v, true, nil
}

// Ping reports whether the store is reachable.
func (s *CounterStore) Ping(ctx context.Context) error {
	return s.check()
}

// cleanupLoop periodically purges expired keys.
func (s *CounterStore) cleanupLoop() {
	for {
		select {
		case <-s.cleanup.C:
			s.doCleanup()
		case <-s.done:
			return
		}
	}
}

func (s *CounterStore) doCleanup() {
	now := s.clock.Now()
	for _, shard := range s.shards {
		shard.mu.Lock()
		for key, e := range shard.entries {
			if e.expired(now) {
				delete(shard.entries, key)
			}
		}
		shard.mu.Unlock()
	}
}

// Close stops the cleanup goroutine.
func (s *CounterStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.cleanup.Stop()
	})
	return nil
}

// Len returns the number of live keys (for testing).
func (s *CounterStore) Len() int {
	total := 0
	for _, shard := range s.shards {
		shard.mu.Lock()
		for key := range shard.entries {
			if s.live(shard, key) != nil {
				total++
			}
		}
		shard.mu.Unlock()
	}
	return total
}

func parseCount(v string) (int64, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

var _ ports.CounterStore = (*CounterStore)(nil)
