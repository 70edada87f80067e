package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend stores cache entries in Redis. It is the production
// backend: it supports cross-node visibility, tag sets and atomic
// counters.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend connects to Redis using a redis:// URL and verifies
// the connection with a ping.
func NewRedisBackend(url string) (*RedisBackend, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisBackend{client: client}, nil
}

// NewRedisBackendFromClient wraps an existing client. Used where the
// realtime bridge and the cache share one connection pool.
func NewRedisBackendFromClient(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

// Client exposes the underlying connection for the realtime pub/sub
// bridge.
func (b *RedisBackend) Client() *redis.Client { return b.client }

func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := b.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get key %s: %w", key, err)
	}
	return val, true, nil
}

func (b *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := b.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	return nil
}

func (b *RedisBackend) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := b.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete keys: %w", err)
	}
	return nil
}

func (b *RedisBackend) Exists(ctx context.Context, key string) (bool, error) {
	n, err := b.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check key %s: %w", key, err)
	}
	return n > 0, nil
}

func (b *RedisBackend) Clear(ctx context.Context) error {
	if err := b.client.FlushDB(ctx).Err(); err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	return nil
}

func (b *RedisBackend) GetMany(ctx context.Context, keys []string) (map[string][]byte, error) {
	if len(keys) == 0 {
		return map[string][]byte{}, nil
	}
	vals, err := b.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get keys: %w", err)
	}
	out := make(map[string][]byte, len(keys))
	for i, v := range vals {
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok {
			out[keys[i]] = []byte(s)
		}
	}
	return out, nil
}

func (b *RedisBackend) SetMany(ctx context.Context, entries map[string][]byte, ttl time.Duration) error {
	pipe := b.client.Pipeline()
	for k, v := range entries {
		pipe.Set(ctx, k, v, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set keys: %w", err)
	}
	return nil
}

// Keys walks the keyspace with SCAN rather than KEYS so a large cache
// does not block the server.
func (b *RedisBackend) Keys(ctx context.Context, pattern string) ([]string, error) {
	var out []string
	iter := b.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan keys: %w", err)
	}
	return out, nil
}

func (b *RedisBackend) AddToSet(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := b.client.SAdd(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("failed to add to set %s: %w", key, err)
	}
	return nil
}

func (b *RedisBackend) SetMembers(ctx context.Context, key string) ([]string, error) {
	members, err := b.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read set %s: %w", key, err)
	}
	return members, nil
}

// Increment bumps a counter and arms its expiry on first use.
func (b *RedisBackend) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := b.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment %s: %w", key, err)
	}
	if n == 1 && ttl > 0 {
		if err := b.client.Expire(ctx, key, ttl).Err(); err != nil {
			return n, fmt.Errorf("failed to set expiry on %s: %w", key, err)
		}
	}
	return n, nil
}

func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}
