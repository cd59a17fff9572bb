// Package redis provides the shared ephemeral store backed by Redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/artpar/quotaguard/ports"
	goredis "github.com/redis/go-redis/v9"
)

// decrementLua decrements a counter without going below zero. A counter
// reaching zero is deleted; a surviving one gets its expiry refreshed.
const decrementLua = `
local v = tonumber(redis.call("GET", KEYS[1]) or "0")
if v == nil or v <= 1 then
  redis.call("DEL", KEYS[1])
  return 0
end
v = redis.call("DECR", KEYS[1])
local ttl = tonumber(ARGV[1])
if ttl > 0 then
  redis.call("EXPIRE", KEYS[1], ttl)
end
return v
`

// scanBatch is the COUNT hint passed to SCAN.
const scanBatch = 100

// Store implements ports.CounterStore on a Redis client. Every backend
// failure is reported wrapped in ports.ErrUnavailable.
type Store struct {
	client    goredis.UniversalClient
	decrement *goredis.Script
}

// Config holds connection settings.
type Config struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewClient creates a Redis client from config.
func NewClient(cfg Config) *goredis.Client {
	return goredis.NewClient(&goredis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
}

// New wraps an existing client.
func New(client goredis.UniversalClient) *Store {
	return &Store{
		client:    client,
		decrement: goredis.NewScript(decrementLua),
	}
}

func unavailable(op, key string, err error) error {
	return fmt.Errorf("%w: %s %s: %v", ports.ErrUnavailable, op, key, err)
}

// Increment runs INCR.
func (s *Store) Increment(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, unavailable("incr", key, err)
	}
	return n, nil
}

// Decrement runs the floor-at-zero decrement script.
func (s *Store) Decrement(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := s.decrement.Run(ctx, s.client, []string{key}, int64(ttl/time.Second)).Int64()
	if err != nil {
		return 0, unavailable("decr", key, err)
	}
	return n, nil
}

// Get runs GET.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, unavailable("get", key, err)
	}
	return v, true, nil
}

// Set runs SET with an optional expiry.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return unavailable("set", key, err)
	}
	return nil
}

// SetExpiry runs EXPIRE.
func (s *Store) SetExpiry(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
		return unavailable("expire", key, err)
	}
	return nil
}

// TTL runs TTL and maps the -1/-2 replies.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, unavailable("ttl", key, err)
	}
	switch d {
	case -2:
		return 0, ports.ErrNotFound
	case -1:
		return ports.NoExpiry, nil
	}
	return d, nil
}

// Delete runs DEL.
func (s *Store) Delete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := s.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, unavailable("del", keys[0], err)
	}
	return n, nil
}

// Scan iterates SCAN MATCH pattern. A key may be reported more than once,
// which SCAN allows; callers must be idempotent.
func (s *Store) Scan(ctx context.Context, pattern string, fn func(key string) error) error {
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return unavailable("scan", pattern, err)
		}
		for _, key := range keys {
			if err := fn(key); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// PushHead runs LPUSH.
func (s *Store) PushHead(ctx context.Context, key, value string) error {
	if err := s.client.LPush(ctx, key, value).Err(); err != nil {
		return unavailable("lpush", key, err)
	}
	return nil
}

// PopTail runs RPOP.
func (s *Store) PopTail(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.RPop(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, unavailable("rpop", key, err)
	}
	return v, true, nil
}

// Ping runs PING.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", "", err)
	}
	return nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

var _ ports.CounterStore = (*Store)(nil)
