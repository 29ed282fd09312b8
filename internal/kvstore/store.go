// Package kvstore is the narrow key-value abstraction that backs the cache,
// idempotency manager, and rate-scheduler counters. It is the only place that
// imports redis.Client directly; every other package talks to a Store.
//
// Connectivity failures are returned to the caller as a plain error — this
// package does not itself decide to degrade to a no-op. §7 places that
// responsibility on the callers (cache, idempotency manager): "the key-value
// store being unavailable never itself fails a request; it degrades caching
// and idempotency to no-ops", which only makes sense if each caller knows
// what a miss-on-failure means for its own semantics.
package kvstore

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Store is the narrow set of KV operations the gateway needs.
type Store interface {
	// Get returns the value, found=false if the key doesn't exist.
	Get(ctx context.Context, key string) (value string, found bool, err error)
	// Set writes value with a TTL (0 means no expiry).
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX atomically writes value only if the key is absent, with a TTL.
	// ok=false means the key already existed (the race was lost).
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (ok bool, err error)
	Delete(ctx context.Context, key string) error
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// Scan returns all keys matching pattern. Intended for low-volume
	// housekeeping use (bucket sweeps, admin introspection), not hot path.
	Scan(ctx context.Context, pattern string) ([]string, error)
}

// RedisStore implements Store over a redis.UniversalClient, grounded on the
// client construction in internal/cache's Redis manager and the Get/Set/Del
// usage in the idempotency manager.
type RedisStore struct {
	client redis.UniversalClient
	logger *zap.Logger
}

// NewRedisStore wraps an already-constructed Redis client.
func NewRedisStore(client redis.UniversalClient, logger *zap.Logger) *RedisStore {
	return &RedisStore{client: client, logger: logger.With(zap.String("component", "kvstore"))}
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, value, ttl).Result()
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	return s.client.Incr(ctx, key).Result()
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.client.Expire(ctx, key, ttl).Err()
}

func (s *RedisStore) Scan(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

// Ping checks connectivity; used by the /readyz probe.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
