package cache

import (
	"context"
	"testing"
	"time"

	"github.com/codingauto/carpool-router/internal/domain"
)

func TestMemoryCacheSetGet(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	pool := domain.PreComputedAccountPool{ServiceType: domain.ServiceClaude, Version: 1}
	if err := c.Set(ctx, PoolKey(domain.ServiceClaude), pool, 0); err != nil {
		t.Fatalf("set: %v", err)
	}

	var got domain.PreComputedAccountPool
	if err := c.Get(ctx, PoolKey(domain.ServiceClaude), &got); err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Version != 1 {
		t.Fatalf("version = %d, want 1", got.Version)
	}
}

func TestMemoryCacheMiss(t *testing.T) {
	c := NewMemoryCache()
	var dest string
	err := c.Get(context.Background(), "nope", &dest)
	if err != ErrCacheMiss {
		t.Fatalf("err = %v, want ErrCacheMiss", err)
	}
}

func TestMemoryCacheIncr(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()
	key := RRCursorKey("round_robin", domain.ServiceClaude)

	for i := int64(1); i <= 3; i++ {
		n, err := c.Incr(ctx, key)
		if err != nil {
			t.Fatalf("incr: %v", err)
		}
		if n != i {
			t.Fatalf("incr #%d = %d, want %d", i, n, i)
		}
	}
}

func TestMemoryCacheExpiry(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	if err := c.Set(ctx, "k", "v", 1*time.Millisecond); err != nil {
		t.Fatalf("set: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	var dest string
	if err := c.Get(ctx, "k", &dest); err != ErrCacheMiss {
		t.Fatalf("err = %v, want ErrCacheMiss after expiry", err)
	}
}

func TestMemoryCacheDelete(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()
	_ = c.Set(ctx, "k", "v", 0)
	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	var dest string
	if err := c.Get(ctx, "k", &dest); err != ErrCacheMiss {
		t.Fatalf("expected miss after delete, got %v", err)
	}
}
