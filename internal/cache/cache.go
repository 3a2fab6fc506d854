// Package cache defines the KV cache port the Pool Manager publishes
// precomputed pools through and the Load Balancer reads round-robin cursors
// from (spec §4.2, §4.4, §6.2), plus a Redis-backed implementation grounded
// on the teacher's pkg/redis/client.go Client wrapper.
package cache

import (
	"context"
	"time"

	"github.com/codingauto/carpool-router/internal/domain"
)

// Key prefixes, mirroring the teacher's antigravity:<domain>: convention.
const (
	PrefixHealth    = "carpool:health:"
	PrefixPool      = "carpool:pool:"
	PrefixRRCursor  = "carpool:rr:"
	PrefixHashRing  = "carpool:hashring:"
)

// HealthKey returns the cache key for a single account's last health status.
func HealthKey(accountID string) string { return PrefixHealth + accountID }

// PoolKey returns the cache key for a service type's precomputed pool.
func PoolKey(serviceType domain.ServiceType) string { return PrefixPool + string(serviceType) }

// RRCursorKey returns the cache key for a (strategy, service type) round
// robin cursor, so distinct strategies never share state.
func RRCursorKey(strategy string, serviceType domain.ServiceType) string {
	return PrefixRRCursor + strategy + ":" + string(serviceType)
}

// KVCache is the abstract cache port. Get/Set carry arbitrary JSON-able
// payloads; Incr services the round-robin counters.
type KVCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// ErrCacheMiss is returned by Get when the key does not exist. Callers
// fall back to computing/loading the value directly.
var ErrCacheMiss = cacheMissError{}

type cacheMissError struct{}

func (cacheMissError) Error() string { return "cache: miss" }
