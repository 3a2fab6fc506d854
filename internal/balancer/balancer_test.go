package balancer

import (
	"context"
	"testing"

	"github.com/codingauto/carpool-router/internal/cache"
	"github.com/codingauto/carpool-router/internal/domain"
)

func acc(id string, load int) *domain.Account {
	return &domain.Account{
		ID: id, IsEnabled: true, Status: domain.StatusActive,
		CurrentLoad: load, Weight: 1, ServiceType: domain.ServiceClaude,
	}
}

func TestSelectFiltersUnselectable(t *testing.T) {
	b := New(cache.NewMemoryCache())
	candidates := []*domain.Account{
		acc("a", 10),
		{ID: "b", IsEnabled: false, Status: domain.StatusActive, CurrentLoad: 0},
		{ID: "c", IsEnabled: true, Status: domain.StatusActive, CurrentLoad: 95},
	}
	got, err := b.Select(context.Background(), domain.ServiceClaude, LeastConnections, "", candidates)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if got == nil || got.ID != "a" {
		t.Fatalf("got %v, want account a", got)
	}
}

func TestSelectEmptyReturnsNil(t *testing.T) {
	b := New(cache.NewMemoryCache())
	got, err := b.Select(context.Background(), domain.ServiceClaude, RoundRobin, "", nil)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if got != nil {
		t.Fatalf("got %v, want nil", got)
	}
}

func TestRoundRobinCyclesEvenly(t *testing.T) {
	b := New(cache.NewMemoryCache())
	candidates := []*domain.Account{acc("a", 0), acc("b", 0), acc("c", 0)}
	counts := map[string]int{}
	for i := 0; i < 9; i++ {
		got, err := b.Select(context.Background(), domain.ServiceClaude, RoundRobin, "", candidates)
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		counts[got.ID]++
	}
	for _, id := range []string{"a", "b", "c"} {
		if counts[id] != 3 {
			t.Fatalf("counts[%s] = %d, want 3 over 9 selections", id, counts[id])
		}
	}
}

func TestLeastConnectionsPicksLowestLoad(t *testing.T) {
	b := New(cache.NewMemoryCache())
	candidates := []*domain.Account{acc("a", 50), acc("b", 10), acc("c", 30)}
	got, _ := b.Select(context.Background(), domain.ServiceClaude, LeastConnections, "", candidates)
	if got.ID != "b" {
		t.Fatalf("got %s, want b", got.ID)
	}
}

func TestWeightedRoundRobinRespectsWeight(t *testing.T) {
	b := New(cache.NewMemoryCache())
	heavy := acc("heavy", 0)
	heavy.Weight = 3
	light := acc("light", 0)
	light.Weight = 1
	candidates := []*domain.Account{heavy, light}

	counts := map[string]int{}
	for i := 0; i < 8; i++ {
		got, err := b.Select(context.Background(), domain.ServiceClaude, WeightedRoundRobin, "", candidates)
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		counts[got.ID]++
	}
	if counts["heavy"] <= counts["light"] {
		t.Fatalf("expected heavy to be picked more often: %v", counts)
	}
}

func TestConsistentHashStableForSameKey(t *testing.T) {
	b := New(cache.NewMemoryCache())
	candidates := []*domain.Account{acc("a", 0), acc("b", 0), acc("c", 0)}

	first, _ := b.Select(context.Background(), domain.ServiceClaude, ConsistentHash, "user-42", candidates)
	for i := 0; i < 5; i++ {
		got, _ := b.Select(context.Background(), domain.ServiceClaude, ConsistentHash, "user-42", candidates)
		if got.ID != first.ID {
			t.Fatalf("consistent hash changed across calls: %s vs %s", got.ID, first.ID)
		}
	}
}

func TestConsistentHashEmptyKeyFallsBackToLeastConnections(t *testing.T) {
	b := New(cache.NewMemoryCache())
	candidates := []*domain.Account{acc("a", 50), acc("b", 5)}
	got, _ := b.Select(context.Background(), domain.ServiceClaude, ConsistentHash, "", candidates)
	if got.ID != "b" {
		t.Fatalf("got %s, want b (least loaded)", got.ID)
	}
}

func TestRecommendFewAccountsIsRoundRobin(t *testing.T) {
	accounts := []*domain.Account{acc("a", 0), acc("b", 0)}
	if Recommend(accounts) != RoundRobin {
		t.Fatalf("expected round_robin for <=2 accounts")
	}
}

func TestRecommendWideLoadSpreadIsLeastConnections(t *testing.T) {
	accounts := []*domain.Account{acc("a", 0), acc("b", 50), acc("c", 10)}
	if Recommend(accounts) != LeastConnections {
		t.Fatalf("expected least_connections for load spread > 30")
	}
}

func TestSortByPriorityReturnsOnlyMinimumBucket(t *testing.T) {
	a := acc("a", 0)
	a.Priority = 2
	b := acc("b", 0)
	b.Priority = 1
	c := acc("c", 0)
	c.Priority = 1

	sorted := SortByPriority([]*domain.Account{a, b, c})
	if len(sorted) != 2 {
		t.Fatalf("len = %d, want 2 (only priority-1 accounts)", len(sorted))
	}
	for _, acct := range sorted {
		if acct.Priority != 1 {
			t.Fatalf("unexpected priority %d in minimum bucket", acct.Priority)
		}
	}
}

func TestHealthScoreDisabledIsZero(t *testing.T) {
	a := acc("a", 50)
	a.IsEnabled = false
	if HealthScore(a) != 0 {
		t.Fatalf("expected 0 for disabled account")
	}
}

func TestHealthScoreHighLoadAndSlowResponsePenalized(t *testing.T) {
	rt := int64(3000)
	a := acc("a", 80)
	a.AverageResponseTime = &rt
	score := HealthScore(a)
	if score != 0 {
		// 100 - 80 load - 20 slow = 0
		t.Fatalf("score = %d, want 0", score)
	}
}
