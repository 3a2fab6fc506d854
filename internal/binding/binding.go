// Package binding implements the Resource-Binding Resolver (C3): maps a
// (groupId, request) pair to the candidate account set under the three
// binding modes, then confirms the Load Balancer's pick is actually
// healthy before handing it back to the Router (spec §4.3).
package binding

import (
	"context"
	"sort"
	"time"

	"github.com/codingauto/carpool-router/internal/balancer"
	"github.com/codingauto/carpool-router/internal/cache"
	"github.com/codingauto/carpool-router/internal/domain"
	"github.com/codingauto/carpool-router/internal/errs"
	"github.com/codingauto/carpool-router/internal/provider"
	"github.com/codingauto/carpool-router/internal/storage"
)

// Request is the subset of an inbound chat request the Resolver needs.
type Request struct {
	ServiceType domain.ServiceType // defaults to claude when empty
}

func (r Request) serviceType() domain.ServiceType {
	if r.ServiceType == "" {
		return domain.ServiceClaude
	}
	return r.ServiceType
}

// Resolver produces candidate accounts for a group's binding and confirms
// health before a selection is handed to the caller.
type Resolver struct {
	store     storage.Persistence
	cache     cache.KVCache
	providers *provider.Registry
}

// New builds a Resolver.
func New(store storage.Persistence, c cache.KVCache, providers *provider.Registry) *Resolver {
	return &Resolver{store: store, cache: c, providers: providers}
}

// Candidates is a resolved candidate set; Downgraded lets the Router log
// that a hybrid binding fell back from dedicated to shared once.
type Candidates struct {
	Accounts   []*domain.Account
	Downgraded bool
}

// Candidates resolves the candidate account set for a group's binding
// under its configured mode.
func (r *Resolver) Candidates(ctx context.Context, groupID string, req Request) (Candidates, error) {
	binding, err := r.store.GetResourceBinding(ctx, groupID)
	if err == storage.ErrNotFound {
		return Candidates{}, errs.New(errs.KindNoBindingConfigured, "group has no resource binding configured")
	}
	if err != nil {
		return Candidates{}, err
	}

	serviceType := req.serviceType()

	switch binding.Mode {
	case domain.BindingDedicated:
		accounts, err := r.dedicatedCandidates(ctx, binding.DedicatedAccounts, serviceType)
		if err != nil {
			return Candidates{}, err
		}
		return Candidates{Accounts: accounts}, nil

	case domain.BindingShared:
		accounts, err := r.sharedCandidates(ctx, binding.SharedPools, serviceType)
		if err != nil {
			return Candidates{}, err
		}
		return Candidates{Accounts: accounts}, nil

	case domain.BindingHybrid:
		accounts, err := r.dedicatedCandidatesByIDs(ctx, binding.Hybrid.PrimaryAccounts, serviceType)
		if err == nil && len(accounts) > 0 {
			return Candidates{Accounts: accounts}, nil
		}
		// Single downgrade only: never re-promote during the same request.
		fallbackPools := make([]domain.SharedPoolRef, 0, len(binding.Hybrid.FallbackPools))
		for _, st := range binding.Hybrid.FallbackPools {
			fallbackPools = append(fallbackPools, domain.SharedPoolRef{ServiceType: st, MaxUsagePercent: 100})
		}
		shared, sharedErr := r.sharedCandidates(ctx, fallbackPools, serviceType)
		if sharedErr != nil {
			return Candidates{}, sharedErr
		}
		return Candidates{Accounts: shared, Downgraded: true}, nil

	default:
		return Candidates{}, errs.New(errs.KindNoBindingConfigured, "unknown binding mode")
	}
}

func (r *Resolver) dedicatedCandidatesByIDs(ctx context.Context, ids []string, serviceType domain.ServiceType) ([]*domain.Account, error) {
	accounts, err := r.store.GetAccountsByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Account, 0, len(accounts))
	for _, a := range accounts {
		if a.ServiceType == serviceType && a.IsEnabled && a.Status == domain.StatusActive {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *Resolver) dedicatedCandidates(ctx context.Context, refs []domain.DedicatedAccountRef, serviceType domain.ServiceType) ([]*domain.Account, error) {
	ids := make([]string, 0, len(refs))
	for _, ref := range refs {
		if ref.ServiceType == serviceType {
			ids = append(ids, ref.AccountID)
		}
	}
	accounts, err := r.dedicatedCandidatesByIDs(ctx, ids, serviceType)
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		return nil, errs.New(errs.KindNoDedicatedAccounts, "no enabled, active dedicated accounts for service type")
	}
	return accounts, nil
}

func (r *Resolver) sharedCandidates(ctx context.Context, pools []domain.SharedPoolRef, serviceType domain.ServiceType) ([]*domain.Account, error) {
	var matched *domain.SharedPoolRef
	for i := range pools {
		if pools[i].ServiceType == serviceType {
			matched = &pools[i]
			break
		}
	}
	if matched == nil {
		return nil, errs.New(errs.KindNoSharedPoolConfigured, "no shared pool configured for service type")
	}

	all, err := r.store.ListEnabledAccountsByService(ctx, serviceType)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Account, 0, len(all))
	for _, a := range all {
		if a.AccountType == domain.AccountShared && a.Status == domain.StatusActive && a.CurrentLoad < matched.MaxUsagePercent {
			out = append(out, a)
		}
	}
	if len(out) == 0 {
		return nil, errs.New(errs.KindNoSharedAccountAvail, "no shared accounts available under usage cap")
	}
	return out, nil
}

// EnsureHealthy confirms selected is actually healthy, consulting the
// Pool Manager's cached pool first and falling back to a direct probe
// when the cache is cold. If selected is unhealthy, it iterates the
// remaining ranked candidates (already sorted by balancer score) and
// returns the first healthy one.
func (r *Resolver) EnsureHealthy(ctx context.Context, serviceType domain.ServiceType, selected *domain.Account, rankedCandidates []*domain.Account) (*domain.Account, error) {
	if selected == nil {
		return nil, errs.New(errs.KindNoHealthyAccount, "no candidate selected")
	}

	ordered := append([]*domain.Account{selected}, without(rankedCandidates, selected.ID)...)

	var pool domain.PreComputedAccountPool
	poolErr := r.cache.Get(ctx, cache.PoolKey(serviceType), &pool)
	poolFresh := poolErr == nil

	for _, candidate := range ordered {
		healthy, err := r.isHealthy(ctx, candidate, poolFresh, pool)
		if err != nil {
			continue
		}
		if healthy {
			return candidate, nil
		}
	}
	return nil, errs.New(errs.KindNoHealthyAccount, "no healthy account available among candidates")
}

func (r *Resolver) isHealthy(ctx context.Context, candidate *domain.Account, poolFresh bool, pool domain.PreComputedAccountPool) (bool, error) {
	if poolFresh {
		for _, entry := range pool.Accounts {
			if entry.ID == candidate.ID {
				return entry.IsHealthy, nil
			}
		}
		// Not in the cached pool snapshot: fall through to a direct probe.
	}

	client := r.providers.Get(candidate)
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	healthy, rt, err := client.HealthCheck(ctx, candidate)
	_ = rt
	if err != nil {
		return false, err
	}
	return healthy, nil
}

func without(accounts []*domain.Account, id string) []*domain.Account {
	out := make([]*domain.Account, 0, len(accounts))
	for _, a := range accounts {
		if a.ID != id {
			out = append(out, a)
		}
	}
	return out
}

// RankByScore sorts candidates by balancer.HealthScore descending, used
// to order the health-fallback iteration (spec §4.3 "sorted by load
// balancer score").
func RankByScore(accounts []*domain.Account) []*domain.Account {
	ranked := make([]*domain.Account, len(accounts))
	copy(ranked, accounts)
	sort.SliceStable(ranked, func(i, j int) bool {
		return balancer.HealthScore(ranked[i]) > balancer.HealthScore(ranked[j])
	})
	return ranked
}
