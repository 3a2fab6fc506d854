package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache is the Redis-backed KVCache, grounded on the teacher's
// pkg/redis/client.go Client wrapper (Set/Get JSON-marshal convention).
type RedisCache struct {
	rdb *redis.Client
}

// RedisConfig is the connection configuration for RedisCache.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisCache dials Redis and verifies the connection with a Ping.
func NewRedisCache(cfg RedisConfig) (*RedisCache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis cache: connect: %w", err)
	}
	return &RedisCache{rdb: rdb}, nil
}

// Close closes the underlying Redis connection.
func (c *RedisCache) Close() error { return c.rdb.Close() }

// Get unmarshals the JSON stored at key into dest. Returns ErrCacheMiss if
// the key does not exist.
func (c *RedisCache) Get(ctx context.Context, key string, dest interface{}) error {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrCacheMiss
		}
		return err
	}
	return json.Unmarshal(data, dest)
}

// Set marshals value to JSON and stores it with an optional ttl (0 = no
// expiry).
func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, key, data, ttl).Err()
}

// Delete removes one or more keys.
func (c *RedisCache) Delete(ctx context.Context, keys ...string) error {
	return c.rdb.Del(ctx, keys...).Err()
}

// Incr atomically increments the integer at key, creating it at 1 if
// absent. Backs the Load Balancer's round-robin cursors.
func (c *RedisCache) Incr(ctx context.Context, key string) (int64, error) {
	return c.rdb.Incr(ctx, key).Result()
}

// Expire sets a TTL on an existing key.
func (c *RedisCache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.rdb.Expire(ctx, key, ttl).Err()
}

var _ KVCache = (*RedisCache)(nil)
