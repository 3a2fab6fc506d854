// Package pool implements the Account-Pool Manager (C4): a scheduled
// health checker and scorer that maintains per-service-type precomputed,
// sorted account pool snapshots in the KV cache (spec §4.4).
package pool

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codingauto/carpool-router/internal/balancer"
	"github.com/codingauto/carpool-router/internal/cache"
	"github.com/codingauto/carpool-router/internal/config"
	"github.com/codingauto/carpool-router/internal/domain"
	"github.com/codingauto/carpool-router/internal/metrics"
	"github.com/codingauto/carpool-router/internal/provider"
	"github.com/codingauto/carpool-router/internal/storage"
	"github.com/codingauto/carpool-router/internal/utils"
)

// Status is the per-service-type snapshot GetStatus reports (spec §4.4
// status reporting).
type Status struct {
	ServiceType  domain.ServiceType
	PoolSize     int
	HealthyCount int
	LastUpdate   time.Time
	AvgScore     float64
}

// Manager runs the health-check and pool-refresh loops for every service
// type that has at least one enabled account.
type Manager struct {
	store     storage.Persistence
	cache     cache.KVCache
	providers *provider.Registry
	cfg       *config.Config

	mu           sync.RWMutex
	serviceTypes []domain.ServiceType
	versions     map[domain.ServiceType]*int64
	statuses     map[domain.ServiceType]Status

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// New builds a Manager. Start must be called before the loops run.
func New(store storage.Persistence, c cache.KVCache, providers *provider.Registry, cfg *config.Config) *Manager {
	return &Manager{
		store:     store,
		cache:     c,
		providers: providers,
		cfg:       cfg,
		versions:  make(map[domain.ServiceType]*int64),
		statuses:  make(map[domain.ServiceType]Status),
	}
}

// Start enumerates every service type with >=1 enabled account, runs an
// initial health check and pool build for each, then schedules both
// recurring loops (spec §4.4 startup).
func (m *Manager) Start(ctx context.Context) error {
	serviceTypes, err := m.store.ListServiceTypesWithEnabledAccounts(ctx)
	if err != nil {
		return err
	}
	m.serviceTypes = serviceTypes
	m.stopCh = make(chan struct{})

	for _, st := range serviceTypes {
		v := new(int64)
		m.versions[st] = v

		m.healthCheckOnce(ctx, st)
		m.poolRefreshOnce(ctx, st)

		m.wg.Add(2)
		go m.runHealthCheckLoop(st)
		go m.runPoolRefreshLoop(st)
	}

	m.wg.Add(1)
	go m.runHistoryPruneLoop()
	return nil
}

// Stop cancels all timers and waits for in-flight probes to terminate
// (spec §4.4 startup/stop contract).
func (m *Manager) Stop() {
	m.once.Do(func() {
		if m.stopCh != nil {
			close(m.stopCh)
		}
	})
	m.wg.Wait()
}

func (m *Manager) runHealthCheckLoop(st domain.ServiceType) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.healthCheckOnce(context.Background(), st)
		}
	}
}

func (m *Manager) runPoolRefreshLoop(st domain.ServiceType) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.PoolRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.poolRefreshOnce(context.Background(), st)
		}
	}
}

func (m *Manager) runHistoryPruneLoop() {
	defer m.wg.Done()
	interval := m.cfg.HistoryPruneInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.pruneHistoryOnce(context.Background())
		}
	}
}

// pruneHistoryOnce removes HealthCheck history rows older than
// HistoryRetention, bounding the table's growth (spec §13 supplemented
// background pruning, modeled on the teacher's modules.UsageStats
// hourly-ticker/bounded-retention shape).
func (m *Manager) pruneHistoryOnce(ctx context.Context) {
	cutoff := time.Now().Add(-m.cfg.HistoryRetention)
	removed, err := m.store.PruneHealthCheckHistory(ctx, cutoff)
	if err != nil {
		utils.Error("pool: prune health-check history: %v", err)
		return
	}
	if removed > 0 {
		utils.Debug("pool: pruned %d stale health-check history rows", removed)
	}
}

// TriggerHealthCheck re-runs the relevant loop immediately. A nil
// serviceType re-runs every known service type (spec §4.4 manual trigger).
func (m *Manager) TriggerHealthCheck(ctx context.Context, serviceType *domain.ServiceType) {
	targets := m.serviceTypes
	if serviceType != nil {
		targets = []domain.ServiceType{*serviceType}
	}
	for _, st := range targets {
		m.healthCheckOnce(ctx, st)
		m.poolRefreshOnce(ctx, st)
	}
}

// RecommendedStrategy reports the Load Balancer's heuristic pick (spec
// §4.2) for the last-published pool snapshot of a service type, for the
// admin status surface; falls back to RoundRobin if no snapshot exists
// yet.
func (m *Manager) RecommendedStrategy(st domain.ServiceType) balancer.Strategy {
	var snapshot domain.PreComputedAccountPool
	if err := m.cache.Get(context.Background(), cache.PoolKey(st), &snapshot); err != nil {
		return balancer.RoundRobin
	}
	accounts := make([]*domain.Account, 0, len(snapshot.Accounts))
	for _, pa := range snapshot.Accounts {
		accounts = append(accounts, &domain.Account{
			ID:          pa.ID,
			Name:        pa.Name,
			ServiceType: pa.ServiceType,
			CurrentLoad: pa.CurrentLoad,
			Priority:    pa.Priority,
			Weight:      1,
		})
	}
	return balancer.Recommend(accounts)
}

// GetStatus returns the last-known status for every tracked service type.
func (m *Manager) GetStatus() map[domain.ServiceType]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[domain.ServiceType]Status, len(m.statuses))
	for k, v := range m.statuses {
		out[k] = v
	}
	return out
}

// healthCheckOnce probes every enabled account of a service type in
// batches of ParallelHealthChecks, updating cache, persistent history and
// account status (spec §4.4 health-check loop).
func (m *Manager) healthCheckOnce(ctx context.Context, st domain.ServiceType) {
	accounts, err := m.store.ListEnabledAccountsByService(ctx, st)
	if err != nil {
		utils.Error("pool: list accounts for %s: %v", st, err)
		return
	}

	batchSize := m.cfg.ParallelHealthChecks
	if batchSize <= 0 {
		batchSize = 1
	}
	sem := make(chan struct{}, batchSize)
	var wg sync.WaitGroup

	for _, account := range accounts {
		account := account
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			m.probeAccount(ctx, account)
		}()
	}
	wg.Wait()
}

func (m *Manager) probeAccount(ctx context.Context, account *domain.Account) {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.HealthCheckTimeout)
	defer cancel()

	client := m.providers.Get(account)
	start := time.Now()
	healthy, responseTime, probeErr := client.HealthCheck(probeCtx, account)
	metrics.HealthCheckDuration.WithLabelValues(string(account.ServiceType)).Observe(time.Since(start).Seconds())

	var prev domain.HealthStatus
	_ = m.cache.Get(ctx, cache.HealthKey(account.ID), &prev)

	status := domain.HealthStatus{
		AccountID:    account.ID,
		IsHealthy:    healthy && probeErr == nil,
		ResponseTime: responseTime.Milliseconds(),
		LastChecked:  time.Now(),
	}
	if probeErr != nil {
		status.ErrorMessage = utils.TruncateString(probeErr.Error(), 500)
	}

	if status.IsHealthy {
		status.ConsecutiveFailures = 0
		if account.Status == domain.StatusError {
			_ = m.store.UpdateAccountStatus(ctx, account.ID, domain.StatusActive, "")
		}
	} else {
		status.ConsecutiveFailures = prev.ConsecutiveFailures + 1
		if status.ConsecutiveFailures >= m.cfg.MaxConsecutiveFailures {
			_ = m.store.UpdateAccountStatus(ctx, account.ID, domain.StatusError, status.ErrorMessage)
		}
	}

	ttl := 2 * m.cfg.HealthCheckInterval
	_ = m.cache.Set(ctx, cache.HealthKey(account.ID), status, ttl)
	_ = m.store.AppendHealthCheckHistory(ctx, status)
}

// poolRefreshOnce recomputes and republishes the PreComputedAccountPool
// for a service type (spec §4.4 pool-refresh loop and scoring formula).
func (m *Manager) poolRefreshOnce(ctx context.Context, st domain.ServiceType) {
	accounts, err := m.store.ListEnabledAccountsByService(ctx, st)
	if err != nil {
		utils.Error("pool: refresh list accounts for %s: %v", st, err)
		return
	}

	now := time.Now()
	entries := make([]domain.PooledAccount, 0, len(accounts))
	healthyCount := 0
	var scoreSum float64

	for _, account := range accounts {
		// Invariant 7 / testable property 7: an account in error status
		// is excluded from the published pool entirely, not merely
		// scored lower, until a successful probe resets it to active.
		if account.Status == domain.StatusError {
			continue
		}

		var health domain.HealthStatus
		hasHealth := m.cache.Get(ctx, cache.HealthKey(account.ID), &health) == nil
		if !hasHealth {
			health = domain.HealthStatus{IsHealthy: true, LastChecked: now}
		}

		score := m.score(account, health, now)
		scoreSum += score
		metrics.PoolScore.WithLabelValues(string(st)).Observe(score)
		if health.IsHealthy {
			healthyCount++
		}

		entries = append(entries, domain.PooledAccount{
			ID:          account.ID,
			Name:        account.Name,
			ServiceType: account.ServiceType,
			CurrentLoad: account.CurrentLoad,
			Priority:    priorityBucket(score),
			IsHealthy:   health.IsHealthy,
			Score:       score,
		})
	}

	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Score > entries[j].Score })

	versionPtr := m.versionFor(st)
	newVersion := atomic.AddInt64(versionPtr, 1)

	snapshot := domain.PreComputedAccountPool{
		ServiceType: st,
		Accounts:    entries,
		LastUpdate:  now,
		Version:     newVersion,
	}
	_ = m.cache.Set(ctx, cache.PoolKey(st), snapshot, 0)

	avgScore := 0.0
	if len(entries) > 0 {
		avgScore = scoreSum / float64(len(entries))
	}
	metrics.AccountsHealthy.WithLabelValues(string(st)).Set(float64(healthyCount))
	m.mu.Lock()
	m.statuses[st] = Status{
		ServiceType:  st,
		PoolSize:     len(entries),
		HealthyCount: healthyCount,
		LastUpdate:   now,
		AvgScore:     avgScore,
	}
	m.mu.Unlock()
}

func (m *Manager) versionFor(st domain.ServiceType) *int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.versions[st]
	if !ok {
		v = new(int64)
		m.versions[st] = v
	}
	return v
}

// score implements the spec §4.4 scoring formula exactly: start at 100,
// penalize load/health/consecutive-failures/response-time/recency, clamp
// to [0, 100].
func (m *Manager) score(account *domain.Account, health domain.HealthStatus, now time.Time) float64 {
	w := m.cfg.Weights
	score := 100.0

	loadPenalty := float64(account.CurrentLoad) * w.Load
	score -= (40 - maxFloat(0, 40-loadPenalty))

	if !health.IsHealthy {
		score -= 30 * w.Health
	}
	if health.ConsecutiveFailures > 0 {
		score -= minFloat(20, float64(health.ConsecutiveFailures)*5)
	}

	rtPenalty := (float64(health.ResponseTime) / 100) * w.ResponseTime
	score -= (20 - maxFloat(0, 20-rtPenalty))

	lastUsed := account.LastUsedAt
	if lastUsed.IsZero() {
		lastUsed = now
	}
	lastUsedAgeMin := now.Sub(lastUsed).Minutes()
	recentPenalty := (lastUsedAgeMin / 60) * w.RecentUse
	score -= (10 - maxFloat(0, 10-recentPenalty))

	return utils.ClampFloat(score, 0, 100)
}

func priorityBucket(score float64) int {
	switch {
	case score >= 80:
		return 1
	case score >= 60:
		return 2
	case score >= 40:
		return 3
	default:
		return 4
	}
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
