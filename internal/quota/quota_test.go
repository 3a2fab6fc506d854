package quota

import (
	"context"
	"testing"
	"time"

	"github.com/codingauto/carpool-router/internal/domain"
	"github.com/codingauto/carpool-router/internal/errs"
	"github.com/codingauto/carpool-router/internal/storage"
)

// fakeStore implements the subset of storage.Persistence the Gate uses.
type fakeStore struct {
	storage.Persistence
	binding      *domain.ResourceBinding
	bindingErr   error
	tokensUsed   int64
	costSpent    float64
}

func (f *fakeStore) GetResourceBinding(ctx context.Context, groupID string) (*domain.ResourceBinding, error) {
	if f.bindingErr != nil {
		return nil, f.bindingErr
	}
	return f.binding, nil
}

func (f *fakeStore) SumTokensForGroupSince(ctx context.Context, groupID string, since time.Time) (int64, error) {
	return f.tokensUsed, nil
}

func (f *fakeStore) SumCostForGroupSince(ctx context.Context, groupID string, since time.Time) (float64, error) {
	return f.costSpent, nil
}

func fixedNow() time.Time {
	return time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
}

func TestGateNoBindingConfigured(t *testing.T) {
	store := &fakeStore{bindingErr: storage.ErrNotFound}
	g := New(store, fixedNow)

	err := g.Check(context.Background(), "group-1")
	if !errs.Is(err, errs.KindNoBindingConfigured) {
		t.Fatalf("err = %v, want NoBindingConfigured", err)
	}
}

func TestGateDailyLimitNilIsUnlimited(t *testing.T) {
	store := &fakeStore{
		binding:    &domain.ResourceBinding{DailyTokenLimit: nil},
		tokensUsed: 10_000_000,
	}
	g := New(store, fixedNow)

	if err := g.Check(context.Background(), "group-1"); err != nil {
		t.Fatalf("expected no error with nil daily limit, got %v", err)
	}
}

func TestGateDailyLimitZeroDeniesAll(t *testing.T) {
	zero := int64(0)
	store := &fakeStore{
		binding:    &domain.ResourceBinding{DailyTokenLimit: &zero},
		tokensUsed: 0,
	}
	g := New(store, fixedNow)

	err := g.Check(context.Background(), "group-1")
	if !errs.Is(err, errs.KindDailyLimitExceeded) {
		t.Fatalf("err = %v, want DailyLimitExceeded for literal zero limit", err)
	}
}

func TestGateDailyLimitExceeded(t *testing.T) {
	limit := int64(1000)
	store := &fakeStore{
		binding:    &domain.ResourceBinding{DailyTokenLimit: &limit},
		tokensUsed: 1000,
	}
	g := New(store, fixedNow)

	err := g.Check(context.Background(), "group-1")
	if !errs.Is(err, errs.KindDailyLimitExceeded) {
		t.Fatalf("err = %v, want DailyLimitExceeded at exactly the limit", err)
	}
}

func TestGateDailyLimitUnderThreshold(t *testing.T) {
	limit := int64(1000)
	store := &fakeStore{
		binding:    &domain.ResourceBinding{DailyTokenLimit: &limit},
		tokensUsed: 999,
	}
	g := New(store, fixedNow)

	if err := g.Check(context.Background(), "group-1"); err != nil {
		t.Fatalf("expected no error under the limit, got %v", err)
	}
}

func TestGateMonthlyBudgetExceeded(t *testing.T) {
	budget := 50.0
	store := &fakeStore{
		binding:   &domain.ResourceBinding{MonthlyBudget: &budget},
		costSpent: 50.0,
	}
	g := New(store, fixedNow)

	err := g.Check(context.Background(), "group-1")
	if !errs.Is(err, errs.KindMonthlyBudgetExceeded) {
		t.Fatalf("err = %v, want MonthlyBudgetExceeded", err)
	}
}

func TestGateDailyAlertThresholdRejectsBeforeAbsoluteLimit(t *testing.T) {
	limit := int64(1000)
	store := &fakeStore{
		binding:    &domain.ResourceBinding{DailyTokenLimit: &limit, AlertThreshold: 85},
		tokensUsed: 900, // 90% used, under the 1000 limit but past the 85% alert threshold
	}
	g := New(store, fixedNow)

	err := g.Check(context.Background(), "group-1")
	if !errs.Is(err, errs.KindDailyLimitExceeded) {
		t.Fatalf("err = %v, want DailyLimitExceeded once past alert threshold though under absolute limit", err)
	}
}

func TestGateDailyUnderAlertThresholdPasses(t *testing.T) {
	limit := int64(1000)
	store := &fakeStore{
		binding:    &domain.ResourceBinding{DailyTokenLimit: &limit, AlertThreshold: 85},
		tokensUsed: 800, // 80%, under both the alert threshold and the limit
	}
	g := New(store, fixedNow)

	if err := g.Check(context.Background(), "group-1"); err != nil {
		t.Fatalf("expected no error under the alert threshold, got %v", err)
	}
}

func TestGateMonthlyAlertThresholdRejectsBeforeAbsoluteBudget(t *testing.T) {
	budget := 100.0
	store := &fakeStore{
		binding:   &domain.ResourceBinding{MonthlyBudget: &budget, AlertThreshold: 90},
		costSpent: 95.0, // 95% spent, under budget but past the 90% alert threshold
	}
	g := New(store, fixedNow)

	err := g.Check(context.Background(), "group-1")
	if !errs.Is(err, errs.KindMonthlyBudgetExceeded) {
		t.Fatalf("err = %v, want MonthlyBudgetExceeded once past alert threshold though under budget", err)
	}
}

func TestGateAlertThresholdZeroMeansNoEarlyReject(t *testing.T) {
	limit := int64(1000)
	store := &fakeStore{
		binding:    &domain.ResourceBinding{DailyTokenLimit: &limit, AlertThreshold: 0},
		tokensUsed: 999,
	}
	g := New(store, fixedNow)

	if err := g.Check(context.Background(), "group-1"); err != nil {
		t.Fatalf("expected no error with AlertThreshold unset (0), got %v", err)
	}
}

func TestGateBothLimitsConfiguredDailyWins(t *testing.T) {
	limit := int64(100)
	budget := 50.0
	store := &fakeStore{
		binding:    &domain.ResourceBinding{DailyTokenLimit: &limit, MonthlyBudget: &budget},
		tokensUsed: 200,
		costSpent:  10,
	}
	g := New(store, fixedNow)

	err := g.Check(context.Background(), "group-1")
	if !errs.Is(err, errs.KindDailyLimitExceeded) {
		t.Fatalf("err = %v, want DailyLimitExceeded checked before monthly", err)
	}
}
