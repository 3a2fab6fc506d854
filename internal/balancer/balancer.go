// Package balancer implements the Load Balancer (C2): stateless selection
// strategies over a candidate account list, with per-service round-robin
// counters held in the KV cache (spec §4.2).
package balancer

import (
	"context"
	"hash/fnv"
	"sort"

	"github.com/codingauto/carpool-router/internal/cache"
	"github.com/codingauto/carpool-router/internal/domain"
)

// Strategy names one of the five selection rules.
type Strategy string

const (
	RoundRobin         Strategy = "round_robin"
	LeastConnections   Strategy = "least_connections"
	WeightedRoundRobin Strategy = "weighted_round_robin"
	LeastResponseTime  Strategy = "least_response_time"
	ConsistentHash     Strategy = "consistent_hash"
)

// Valid reports whether s is one of the five known strategies.
func (s Strategy) Valid() bool {
	switch s {
	case RoundRobin, LeastConnections, WeightedRoundRobin, LeastResponseTime, ConsistentHash:
		return true
	}
	return false
}

// Label returns a human-readable name for s, for the admin status surface;
// mirrors the teacher's strategies.GetStrategyLabel.
func (s Strategy) Label() string {
	switch s {
	case RoundRobin:
		return "Round Robin"
	case LeastConnections:
		return "Least Connections"
	case WeightedRoundRobin:
		return "Weighted Round Robin"
	case LeastResponseTime:
		return "Least Response Time"
	case ConsistentHash:
		return "Consistent Hash"
	default:
		return "Unknown"
	}
}

// loadCap is the hard selectability ceiling (invariant 2/3): an account
// with currentLoad >= 95 is never selectable.
const loadCap = 95

// Balancer selects one account from a candidate list under a Strategy.
// It is stateless except for the round-robin cursors it keeps in cache.
type Balancer struct {
	cache cache.KVCache
}

// New builds a Balancer backed by the given KV cache.
func New(c cache.KVCache) *Balancer {
	return &Balancer{cache: c}
}

// filterSelectable drops accounts that fail the selection preconditions
// (spec §4.2): must be enabled, active, and under the load cap.
func filterSelectable(accounts []*domain.Account) []*domain.Account {
	out := make([]*domain.Account, 0, len(accounts))
	for _, a := range accounts {
		if a.Selectable(loadCap) {
			out = append(out, a)
		}
	}
	return out
}

// Select applies the selection preconditions, then the named strategy, to
// candidates. requestKey is only consulted by ConsistentHash. serviceType
// and strategy together key the round-robin cursor.
func (b *Balancer) Select(ctx context.Context, serviceType domain.ServiceType, strategy Strategy, requestKey string, candidates []*domain.Account) (*domain.Account, error) {
	eligible := filterSelectable(candidates)
	if len(eligible) == 0 {
		return nil, nil
	}
	if len(eligible) == 1 {
		return eligible[0], nil
	}

	switch strategy {
	case RoundRobin:
		return b.roundRobin(ctx, strategy, serviceType, eligible)
	case LeastConnections:
		return leastConnections(eligible), nil
	case WeightedRoundRobin:
		return b.weightedRoundRobin(ctx, serviceType, eligible)
	case LeastResponseTime:
		return leastResponseTime(eligible), nil
	case ConsistentHash:
		if requestKey == "" {
			return leastConnections(eligible), nil
		}
		return consistentHash(requestKey, eligible), nil
	default:
		return leastConnections(eligible), nil
	}
}

func (b *Balancer) roundRobin(ctx context.Context, strategy Strategy, serviceType domain.ServiceType, eligible []*domain.Account) (*domain.Account, error) {
	n, err := b.cache.Incr(ctx, cache.RRCursorKey(string(strategy), serviceType))
	if err != nil {
		return nil, err
	}
	idx := int((n - 1) % int64(len(eligible)))
	if idx < 0 {
		idx += len(eligible)
	}
	return eligible[idx], nil
}

func (b *Balancer) weightedRoundRobin(ctx context.Context, serviceType domain.ServiceType, eligible []*domain.Account) (*domain.Account, error) {
	expanded := make([]*domain.Account, 0, len(eligible))
	for _, a := range eligible {
		weight := a.Weight
		if weight <= 0 {
			weight = 1
		}
		for i := 0; i < weight; i++ {
			expanded = append(expanded, a)
		}
	}
	n, err := b.cache.Incr(ctx, cache.RRCursorKey(string(WeightedRoundRobin), serviceType))
	if err != nil {
		return nil, err
	}
	idx := int((n - 1) % int64(len(expanded)))
	return expanded[idx], nil
}

func leastConnections(eligible []*domain.Account) *domain.Account {
	best := eligible[0]
	for _, a := range eligible[1:] {
		if a.CurrentLoad < best.CurrentLoad ||
			(a.CurrentLoad == best.CurrentLoad && a.TotalRequests < best.TotalRequests) {
			best = a
		}
	}
	return best
}

func leastResponseTime(eligible []*domain.Account) *domain.Account {
	score := func(a *domain.Account) float64 {
		rt := float64(0)
		if a.AverageResponseTime != nil {
			rt = float64(*a.AverageResponseTime)
		}
		return rt * (1 + float64(a.CurrentLoad)/100)
	}
	best := eligible[0]
	bestScore := score(best)
	for _, a := range eligible[1:] {
		if s := score(a); s < bestScore {
			best, bestScore = a, s
		}
	}
	return best
}

func consistentHash(requestKey string, eligible []*domain.Account) *domain.Account {
	h := fnv.New32a()
	_, _ = h.Write([]byte(requestKey))
	idx := int(h.Sum32()) % len(eligible)
	if idx < 0 {
		idx += len(eligible)
	}
	return eligible[idx]
}

// Recommend picks a strategy when the caller doesn't specify one (spec
// §4.2 recommended-strategy heuristic).
func Recommend(accounts []*domain.Account) Strategy {
	if len(accounts) <= 2 {
		return RoundRobin
	}

	minLoad, maxLoad := accounts[0].CurrentLoad, accounts[0].CurrentLoad
	hasNonUnitWeight := false
	hasResponseTime := false
	for _, a := range accounts {
		if a.CurrentLoad < minLoad {
			minLoad = a.CurrentLoad
		}
		if a.CurrentLoad > maxLoad {
			maxLoad = a.CurrentLoad
		}
		if a.Weight != 0 && a.Weight != 1 {
			hasNonUnitWeight = true
		}
		if a.AverageResponseTime != nil {
			hasResponseTime = true
		}
	}

	if maxLoad-minLoad > 30 {
		return LeastConnections
	}
	if hasNonUnitWeight {
		return WeightedRoundRobin
	}
	if hasResponseTime {
		return LeastResponseTime
	}
	return LeastConnections
}

// SortByPriority orders candidates by Priority ascending, breaking ties by
// CurrentLoad ascending (spec §4.2 priority ordering). It returns only the
// minimum-priority bucket, which is what the strategy should pick among.
func SortByPriority(accounts []*domain.Account) []*domain.Account {
	if len(accounts) == 0 {
		return accounts
	}
	sorted := make([]*domain.Account, len(accounts))
	copy(sorted, accounts)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority < sorted[j].Priority
		}
		return sorted[i].CurrentLoad < sorted[j].CurrentLoad
	})

	minPriority := sorted[0].Priority
	cut := 0
	for cut < len(sorted) && sorted[cut].Priority == minPriority {
		cut++
	}
	return sorted[:cut]
}

// HealthScore is a diagnostic suitability score, not used for selection
// (spec §4.2 health scoring).
func HealthScore(a *domain.Account) int {
	if !a.IsEnabled {
		return 0
	}
	score := 100 - a.CurrentLoad
	if a.AverageResponseTime != nil {
		switch {
		case *a.AverageResponseTime > 2000:
			score -= 20
		case *a.AverageResponseTime > 1000:
			score -= 10
		}
	}
	if a.Status != domain.StatusActive {
		score -= 50
	}
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}
