// Package store is the typed adapter over the external key-value store.
// All relay state (tenant keys, accounts, counters, sticky sessions,
// refresh locks) lives behind this package; nothing else talks to Redis.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound reports a missing key.
type ErrNotFound struct {
	Key string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("key not found: %s", e.Key)
}

// Store wraps a Redis client with the relay's access patterns.
type Store struct {
	client *redis.Client
}

// New creates a Store with short dial/read/write timeouts and a modest
// connection pool.
func New(addr, password string, db int) *Store {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     20,
		MinIdleConns: 5,
	})
	return &Store{client: client}
}

// NewWithClient wraps an existing client (tests use miniredis through this).
func NewWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Initialize verifies connectivity.
func (s *Store) Initialize(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (s *Store) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// Health checks availability.
func (s *Store) Health(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Get returns the string value at key, or ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", &ErrNotFound{Key: key}
	}
	return val, err
}

// Set stores a value. ttl <= 0 means no expiry.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return s.client.Set(ctx, key, value, ttl).Err()
}

// SetNX stores a value only if the key is absent. Returns whether it was set.
func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, value, ttl).Result()
}

// Incr atomically increments a counter.
func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	return s.client.Incr(ctx, key).Result()
}

// IncrBy atomically adds n to a counter.
func (s *Store) IncrBy(ctx context.Context, key string, n int64) (int64, error) {
	return s.client.IncrBy(ctx, key, n).Result()
}

// IncrByFloat atomically adds f to a float counter.
func (s *Store) IncrByFloat(ctx context.Context, key string, f float64) (float64, error) {
	return s.client.IncrByFloat(ctx, key, f).Result()
}

// Expire sets a TTL on an existing key.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.client.Expire(ctx, key, ttl).Err()
}

// TTL returns the remaining lifetime of a key. Negative means no expiry or
// no key, following Redis semantics.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	return s.client.TTL(ctx, key).Result()
}

// Del removes keys.
func (s *Store) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}

// Exists reports whether a key is present.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	return n > 0, err
}

// Keys scans for keys matching pattern. SCAN-based to stay safe on large
// keyspaces.
func (s *Store) Keys(ctx context.Context, pattern string) ([]string, error) {
	var out []string
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Eval runs a Lua script. Scripts are the basis for lock release and
// window resets; callers pass *redis.Script values from scripts.go.
func (s *Store) Eval(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) (interface{}, error) {
	return script.Run(ctx, s.client, keys, args...).Result()
}

// HGet reads one hash field, or ErrNotFound.
func (s *Store) HGet(ctx context.Context, key, field string) (string, error) {
	val, err := s.client.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", &ErrNotFound{Key: key + "/" + field}
	}
	return val, err
}

// HSet writes hash fields.
func (s *Store) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	vals := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		vals = append(vals, k, v)
	}
	return s.client.HSet(ctx, key, vals...).Err()
}

// HGetAll reads a whole hash. An absent key yields an empty map.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return s.client.HGetAll(ctx, key).Result()
}

// HDel removes hash fields.
func (s *Store) HDel(ctx context.Context, key string, fields ...string) error {
	return s.client.HDel(ctx, key, fields...).Err()
}

// Pipeline exposes a raw pipeline for multi-command writes.
func (s *Store) Pipeline() redis.Pipeliner {
	return s.client.Pipeline()
}
