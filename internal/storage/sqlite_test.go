package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/codingauto/carpool-router/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := OpenSQLiteStore(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetAccountNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetAccount(context.Background(), "missing")
	if err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestGetResourceBindingNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetResourceBinding(context.Background(), "missing-group")
	if err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func insertAccount(t *testing.T, s *SQLiteStore, a *domain.Account) {
	t.Helper()
	ctx := context.Background()
	isEnabled := 0
	if a.IsEnabled {
		isEnabled = 1
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO accounts
		(id, name, service_type, account_type, status, is_enabled, current_load, daily_limit, weight, priority,
		 average_response_time, total_requests, total_tokens, total_cost, last_used_at, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, 0, 0, 0, NULL, NULL)`,
		a.ID, a.Name, a.ServiceType, a.AccountType, a.Status, isEnabled, a.CurrentLoad, a.DailyLimit, a.Weight, a.Priority)
	if err != nil {
		t.Fatalf("insert account: %v", err)
	}
}

func TestGetAccountRoundTrips(t *testing.T) {
	s := newTestStore(t)
	insertAccount(t, s, &domain.Account{
		ID: "acc-1", Name: "Acct One", ServiceType: domain.ServiceClaude,
		AccountType: domain.AccountShared, Status: domain.StatusActive,
		IsEnabled: true, CurrentLoad: 12, DailyLimit: 1000, Weight: 2, Priority: 1,
	})

	got, err := s.GetAccount(context.Background(), "acc-1")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if got.Name != "Acct One" || got.CurrentLoad != 12 || got.Weight != 2 {
		t.Fatalf("unexpected account: %+v", got)
	}
}

func TestIncrementAccountLoadClampsToRange(t *testing.T) {
	s := newTestStore(t)
	insertAccount(t, s, &domain.Account{ID: "acc-1", ServiceType: domain.ServiceClaude, Status: domain.StatusActive, IsEnabled: true, CurrentLoad: 98})

	if err := s.IncrementAccountLoad(context.Background(), "acc-1", 10); err != nil {
		t.Fatalf("increment: %v", err)
	}
	got, err := s.GetAccount(context.Background(), "acc-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.CurrentLoad != 100 {
		t.Fatalf("load = %d, want clamped to 100", got.CurrentLoad)
	}

	if err := s.IncrementAccountLoad(context.Background(), "acc-1", -1000); err != nil {
		t.Fatalf("decrement: %v", err)
	}
	got, _ = s.GetAccount(context.Background(), "acc-1")
	if got.CurrentLoad != 0 {
		t.Fatalf("load = %d, want clamped to 0", got.CurrentLoad)
	}
}

func TestUsageRecordSumsScopedToGroupAndWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	old := domain.NewUsageRecord("u-old", "user-1", "g1", "acc-1", domain.ServiceClaude, "model", 100, 100, 1.0)
	old.RequestTime = now.Add(-48 * time.Hour)
	old.ResponseTime = old.RequestTime
	old.Status = domain.RequestSuccess

	recent := domain.NewUsageRecord("u-recent", "user-1", "g1", "acc-1", domain.ServiceClaude, "model", 50, 50, 2.0)
	recent.RequestTime = now
	recent.ResponseTime = now
	recent.Status = domain.RequestSuccess

	otherGroup := domain.NewUsageRecord("u-other", "user-1", "g2", "acc-1", domain.ServiceClaude, "model", 1000, 1000, 5.0)
	otherGroup.RequestTime = now
	otherGroup.ResponseTime = now
	otherGroup.Status = domain.RequestSuccess

	for _, rec := range []domain.UsageRecord{old, recent, otherGroup} {
		if err := s.AppendUsageRecord(ctx, rec); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	since := now.Add(-1 * time.Hour)
	tokens, err := s.SumTokensForGroupSince(ctx, "g1", since)
	if err != nil {
		t.Fatalf("sum tokens: %v", err)
	}
	if tokens != 100 {
		t.Fatalf("tokens = %d, want 100 (only the recent record in-window)", tokens)
	}

	cost, err := s.SumCostForGroupSince(ctx, "g1", since)
	if err != nil {
		t.Fatalf("sum cost: %v", err)
	}
	if cost != 2.0 {
		t.Fatalf("cost = %v, want 2.0", cost)
	}
}

func TestHealthCheckHistoryAppendAndPrune(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	old := domain.HealthStatus{AccountID: "acc-1", IsHealthy: true, LastChecked: now.Add(-72 * time.Hour)}
	recent := domain.HealthStatus{AccountID: "acc-1", IsHealthy: true, LastChecked: now}

	if err := s.AppendHealthCheckHistory(ctx, old); err != nil {
		t.Fatalf("append old: %v", err)
	}
	if err := s.AppendHealthCheckHistory(ctx, recent); err != nil {
		t.Fatalf("append recent: %v", err)
	}

	removed, err := s.PruneHealthCheckHistory(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
}

func TestUpdateAccountStatusClearsErrorOnActive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	insertAccount(t, s, &domain.Account{ID: "acc-1", ServiceType: domain.ServiceClaude, Status: domain.StatusActive, IsEnabled: true})

	if err := s.UpdateAccountStatus(ctx, "acc-1", domain.StatusError, "boom"); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ := s.GetAccount(ctx, "acc-1")
	if got.Status != domain.StatusError || got.ErrorMessage != "boom" {
		t.Fatalf("unexpected account state: %+v", got)
	}

	if err := s.UpdateAccountStatus(ctx, "acc-1", domain.StatusActive, ""); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ = s.GetAccount(ctx, "acc-1")
	if got.Status != domain.StatusActive || got.ErrorMessage != "" {
		t.Fatalf("unexpected account state after reset: %+v", got)
	}
}
