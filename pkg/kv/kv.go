// Package kv wraps the Redis-class key-value store (§6) behind the narrow
// set of operations the rest of the control plane needs: hash, list,
// key-value, and counter operations over string values.
package kv

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Store is a thin wrapper over a Redis client. It exists so callers depend
// on the handful of operations they actually use rather than the full
// go-redis client surface.
type Store struct {
	rdb *redis.Client
}

// New wraps an existing Redis client.
func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Get returns a string value, and false if the key does not exist.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kv get %s: %w", key, err)
	}
	return v, true, nil
}

// Set stores a string value with no expiry.
func (s *Store) Set(ctx context.Context, key, value string) error {
	if err := s.rdb.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("kv set %s: %w", key, err)
	}
	return nil
}

// Delete removes a key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("kv delete %s: %w", key, err)
	}
	return nil
}

// Keys returns all keys matching a prefix. This uses SCAN rather than KEYS
// to avoid blocking the store on large key spaces.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	iter := s.rdb.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("kv scan %s*: %w", prefix, err)
	}
	return out, nil
}

// HGet reads a single field from a hash.
func (s *Store) HGet(ctx context.Context, key, field string) (string, bool, error) {
	v, err := s.rdb.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kv hget %s.%s: %w", key, field, err)
	}
	return v, true, nil
}

// HSet writes a single field in a hash.
func (s *Store) HSet(ctx context.Context, key, field, value string) error {
	if err := s.rdb.HSet(ctx, key, field, value).Err(); err != nil {
		return fmt.Errorf("kv hset %s.%s: %w", key, field, err)
	}
	return nil
}

// HDel removes a field from a hash. Deleting a missing field is not an error.
func (s *Store) HDel(ctx context.Context, key, field string) error {
	if err := s.rdb.HDel(ctx, key, field).Err(); err != nil {
		return fmt.Errorf("kv hdel %s.%s: %w", key, field, err)
	}
	return nil
}

// HGetAll returns every field/value pair in a hash.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("kv hgetall %s: %w", key, err)
	}
	return m, nil
}

// Incr atomically increments a counter and returns its new value.
func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("kv incr %s: %w", key, err)
	}
	return n, nil
}

// SetList replaces a list's entire contents atomically.
func (s *Store) SetList(ctx context.Context, key string, values []string) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, key)
	if len(values) > 0 {
		items := make([]any, len(values))
		for i, v := range values {
			items[i] = v
		}
		pipe.RPush(ctx, key, items...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("kv set list %s: %w", key, err)
	}
	return nil
}

// GetList returns all elements of a list, in order.
func (s *Store) GetList(ctx context.Context, key string) ([]string, error) {
	vals, err := s.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("kv get list %s: %w", key, err)
	}
	return vals, nil
}

// Publish publishes a message on a pub/sub channel.
func (s *Store) Publish(ctx context.Context, channel, payload string) error {
	if err := s.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("kv publish %s: %w", channel, err)
	}
	return nil
}
