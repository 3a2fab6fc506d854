package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/codingauto/carpool-router/internal/cache"
	"github.com/codingauto/carpool-router/internal/config"
	"github.com/codingauto/carpool-router/internal/domain"
	"github.com/codingauto/carpool-router/internal/provider"
	"github.com/codingauto/carpool-router/internal/storage"
)

type fakeStore struct {
	storage.Persistence
	mu       sync.Mutex
	accounts map[string]*domain.Account
	history  []domain.HealthStatus
}

func newFakeStore(accounts ...*domain.Account) *fakeStore {
	m := make(map[string]*domain.Account, len(accounts))
	for _, a := range accounts {
		m[a.ID] = a
	}
	return &fakeStore{accounts: m}
}

func (f *fakeStore) ListServiceTypesWithEnabledAccounts(ctx context.Context) ([]domain.ServiceType, error) {
	seen := map[domain.ServiceType]bool{}
	var out []domain.ServiceType
	for _, a := range f.accounts {
		if a.IsEnabled && !seen[a.ServiceType] {
			seen[a.ServiceType] = true
			out = append(out, a.ServiceType)
		}
	}
	return out, nil
}

func (f *fakeStore) ListEnabledAccountsByService(ctx context.Context, st domain.ServiceType) ([]*domain.Account, error) {
	var out []*domain.Account
	for _, a := range f.accounts {
		if a.ServiceType == st && a.IsEnabled {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateAccountStatus(ctx context.Context, accountID string, status domain.AccountStatus, errorMessage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.accounts[accountID]; ok {
		a.Status = status
		a.ErrorMessage = errorMessage
	}
	return nil
}

func (f *fakeStore) AppendHealthCheckHistory(ctx context.Context, h domain.HealthStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history = append(f.history, h)
	return nil
}

func testConfig() *config.Config {
	c := config.Default()
	c.HealthCheckInterval = time.Hour
	c.PoolRefreshInterval = time.Hour
	c.HealthCheckTimeout = time.Second
	c.ParallelHealthChecks = 2
	c.MaxConsecutiveFailures = 3
	return c
}

func TestPoolRefreshPublishesSortedSnapshot(t *testing.T) {
	store := newFakeStore(
		&domain.Account{ID: "a", ServiceType: domain.ServiceClaude, IsEnabled: true, Status: domain.StatusActive, CurrentLoad: 80},
		&domain.Account{ID: "b", ServiceType: domain.ServiceClaude, IsEnabled: true, Status: domain.StatusActive, CurrentLoad: 5},
	)
	kv := cache.NewMemoryCache()
	registry := provider.NewRegistry(func(st domain.ServiceType) provider.ProviderClient { return provider.NewFakeClient() })
	m := New(store, kv, registry, testConfig())

	m.poolRefreshOnce(context.Background(), domain.ServiceClaude)

	var snapshot domain.PreComputedAccountPool
	if err := kv.Get(context.Background(), cache.PoolKey(domain.ServiceClaude), &snapshot); err != nil {
		t.Fatalf("get pool: %v", err)
	}
	if len(snapshot.Accounts) != 2 {
		t.Fatalf("len = %d, want 2", len(snapshot.Accounts))
	}
	if snapshot.Accounts[0].ID != "b" {
		t.Fatalf("expected lower-load account b to rank first, got %s", snapshot.Accounts[0].ID)
	}
	if snapshot.Version != 1 {
		t.Fatalf("version = %d, want 1", snapshot.Version)
	}
}

func TestPoolRefreshVersionMonotonicallyIncreases(t *testing.T) {
	store := newFakeStore(&domain.Account{ID: "a", ServiceType: domain.ServiceClaude, IsEnabled: true, Status: domain.StatusActive})
	kv := cache.NewMemoryCache()
	registry := provider.NewRegistry(func(st domain.ServiceType) provider.ProviderClient { return provider.NewFakeClient() })
	m := New(store, kv, registry, testConfig())

	for i := 0; i < 3; i++ {
		m.poolRefreshOnce(context.Background(), domain.ServiceClaude)
	}
	var snapshot domain.PreComputedAccountPool
	_ = kv.Get(context.Background(), cache.PoolKey(domain.ServiceClaude), &snapshot)
	if snapshot.Version != 3 {
		t.Fatalf("version = %d, want 3 after three refreshes", snapshot.Version)
	}
}

func TestHealthCheckFlipsAccountToErrorAfterMaxFailures(t *testing.T) {
	account := &domain.Account{ID: "a", ServiceType: domain.ServiceClaude, IsEnabled: true, Status: domain.StatusActive}
	store := newFakeStore(account)
	kv := cache.NewMemoryCache()
	registry := provider.NewRegistry(func(st domain.ServiceType) provider.ProviderClient {
		fc := provider.NewFakeClient()
		fc.HealthFunc = func(ctx context.Context, a *domain.Account) (bool, time.Duration, error) {
			return false, time.Millisecond, nil
		}
		return fc
	})
	cfg := testConfig()
	cfg.MaxConsecutiveFailures = 2
	m := New(store, kv, registry, cfg)

	for i := 0; i < 2; i++ {
		m.healthCheckOnce(context.Background(), domain.ServiceClaude)
	}

	if account.Status != domain.StatusError {
		t.Fatalf("status = %s, want error after %d consecutive failures", account.Status, cfg.MaxConsecutiveFailures)
	}
}

func TestHealthCheckRestoresActiveOnSuccessAfterError(t *testing.T) {
	account := &domain.Account{ID: "a", ServiceType: domain.ServiceClaude, IsEnabled: true, Status: domain.StatusError}
	store := newFakeStore(account)
	kv := cache.NewMemoryCache()
	registry := provider.NewRegistry(func(st domain.ServiceType) provider.ProviderClient { return provider.NewFakeClient() })
	cfg := testConfig()
	m := New(store, kv, registry, cfg)

	m.healthCheckOnce(context.Background(), domain.ServiceClaude)

	if account.Status != domain.StatusActive {
		t.Fatalf("status = %s, want active after a healthy probe", account.Status)
	}
}

func TestPoolRefreshExcludesAccountAfterMaxFailures(t *testing.T) {
	healthy := &domain.Account{ID: "good", ServiceType: domain.ServiceClaude, IsEnabled: true, Status: domain.StatusActive}
	sick := &domain.Account{ID: "bad", ServiceType: domain.ServiceClaude, IsEnabled: true, Status: domain.StatusActive}
	store := newFakeStore(healthy, sick)
	kv := cache.NewMemoryCache()
	registry := provider.NewRegistry(func(st domain.ServiceType) provider.ProviderClient {
		fc := provider.NewFakeClient()
		fc.HealthFunc = func(ctx context.Context, a *domain.Account) (bool, time.Duration, error) {
			if a.ID == "bad" {
				return false, time.Millisecond, nil
			}
			return true, time.Millisecond, nil
		}
		return fc
	})
	cfg := testConfig()
	cfg.MaxConsecutiveFailures = 2
	m := New(store, kv, registry, cfg)

	for i := 0; i < 2; i++ {
		m.healthCheckOnce(context.Background(), domain.ServiceClaude)
	}
	if sick.Status != domain.StatusError {
		t.Fatalf("sick account status = %s, want error after %d consecutive failures", sick.Status, cfg.MaxConsecutiveFailures)
	}

	m.poolRefreshOnce(context.Background(), domain.ServiceClaude)

	var snapshot domain.PreComputedAccountPool
	if err := kv.Get(context.Background(), cache.PoolKey(domain.ServiceClaude), &snapshot); err != nil {
		t.Fatalf("get pool: %v", err)
	}
	if len(snapshot.Accounts) != 1 {
		t.Fatalf("len = %d, want 1 (errored account excluded entirely)", len(snapshot.Accounts))
	}
	if snapshot.Accounts[0].ID != "good" {
		t.Fatalf("expected only the healthy account in the snapshot, got %s", snapshot.Accounts[0].ID)
	}
}

func TestGetStatusReflectsLastRefresh(t *testing.T) {
	store := newFakeStore(&domain.Account{ID: "a", ServiceType: domain.ServiceClaude, IsEnabled: true, Status: domain.StatusActive})
	kv := cache.NewMemoryCache()
	registry := provider.NewRegistry(func(st domain.ServiceType) provider.ProviderClient { return provider.NewFakeClient() })
	m := New(store, kv, registry, testConfig())

	m.poolRefreshOnce(context.Background(), domain.ServiceClaude)

	status := m.GetStatus()[domain.ServiceClaude]
	if status.PoolSize != 1 {
		t.Fatalf("pool size = %d, want 1", status.PoolSize)
	}
}
