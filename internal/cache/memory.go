package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryCache is an in-process KVCache used in tests and by routerd
// whenever it cannot connect to Redis at startup.
type MemoryCache struct {
	mu      sync.Mutex
	values  map[string][]byte
	expires map[string]time.Time
}

// NewMemoryCache builds an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		values:  make(map[string][]byte),
		expires: make(map[string]time.Time),
	}
}

func (c *MemoryCache) expired(key string) bool {
	at, ok := c.expires[key]
	return ok && time.Now().After(at)
}

// Get unmarshals the value stored at key, returning ErrCacheMiss if absent
// or expired.
func (c *MemoryCache) Get(ctx context.Context, key string, dest interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.expired(key) {
		delete(c.values, key)
		delete(c.expires, key)
	}
	data, ok := c.values[key]
	if !ok {
		return ErrCacheMiss
	}
	return json.Unmarshal(data, dest)
}

// Set marshals value to JSON and stores it, with an optional ttl (0 =
// no expiry).
func (c *MemoryCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = data
	if ttl > 0 {
		c.expires[key] = time.Now().Add(ttl)
	} else {
		delete(c.expires, key)
	}
	return nil
}

// Delete removes the given keys.
func (c *MemoryCache) Delete(ctx context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.values, k)
		delete(c.expires, k)
	}
	return nil
}

// Incr atomically increments the integer stored at key.
func (c *MemoryCache) Incr(ctx context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.expired(key) {
		delete(c.values, key)
		delete(c.expires, key)
	}
	var n int64
	if data, ok := c.values[key]; ok {
		_ = json.Unmarshal(data, &n)
	}
	n++
	data, _ := json.Marshal(n)
	c.values[key] = data
	return n, nil
}

// Expire sets a TTL on an existing key; a no-op if the key is absent.
func (c *MemoryCache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.values[key]; !ok {
		return nil
	}
	c.expires[key] = time.Now().Add(ttl)
	return nil
}

var _ KVCache = (*MemoryCache)(nil)
