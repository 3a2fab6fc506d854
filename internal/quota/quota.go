// Package quota implements the Quota Gate (C1): fail-fast admission
// control evaluating a group's daily-token and monthly-budget limits
// against persisted usage totals (spec §4.1).
package quota

import (
	"context"
	"time"

	"github.com/codingauto/carpool-router/internal/errs"
	"github.com/codingauto/carpool-router/internal/metrics"
	"github.com/codingauto/carpool-router/internal/storage"
	"github.com/codingauto/carpool-router/internal/utils"
)

// Request is the minimal shape the gate needs from an inbound chat
// request: only the owning group is consulted here.
type Request struct {
	GroupID string
}

// Gate evaluates quota for a group. It is read-only: it never reserves
// tokens, so concurrent requests may race and slightly overshoot a limit;
// that overshoot is tolerated and reconciled by usage accounting (spec
// §4.1 edge cases).
type Gate struct {
	store storage.Persistence
	now   func() time.Time
}

// New builds a Gate backed by store. now defaults to time.Now; tests may
// override it to pin day/month boundaries.
func New(store storage.Persistence, now func() time.Time) *Gate {
	if now == nil {
		now = time.Now
	}
	return &Gate{store: store, now: now}
}

// Check evaluates the daily-token and monthly-budget limits for groupID,
// returning a typed *errs.Error when the group should be rejected. This
// is exactly the three steps of spec §4.1: resolve the binding, check the
// daily token limit (absolute and alert-threshold), check the monthly
// budget (absolute and alert-threshold). Nothing here rejects for a
// reason independent of the group's own quota standing.
func (g *Gate) Check(ctx context.Context, groupID string) error {
	binding, err := g.store.GetResourceBinding(ctx, groupID)
	if err == storage.ErrNotFound {
		metrics.QuotaRejectionsTotal.WithLabelValues(string(errs.KindNoBindingConfigured)).Inc()
		return errs.New(errs.KindNoBindingConfigured, "group has no resource binding configured")
	}
	if err != nil {
		return err
	}

	now := g.now().UTC()

	if binding.DailyTokenLimit != nil {
		dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		used, err := g.store.SumTokensForGroupSince(ctx, groupID, dayStart)
		if err != nil {
			return err
		}
		limit := *binding.DailyTokenLimit
		// A literal 0 limit means deny-all; only an explicit nil means
		// unlimited (spec §4.1 edge case).
		if used >= limit {
			metrics.QuotaRejectionsTotal.WithLabelValues(string(errs.KindDailyLimitExceeded)).Inc()
			return errs.New(errs.KindDailyLimitExceeded, "daily token limit reached for group")
		}
		// Invariant 4: warningThreshold <= alertThreshold, and beyond
		// alertThreshold the gate must reject even though the absolute
		// limit hasn't been crossed yet.
		if limit > 0 && binding.AlertThreshold > 0 && dailyPercent(used, limit) >= float64(binding.AlertThreshold) {
			metrics.QuotaRejectionsTotal.WithLabelValues(string(errs.KindDailyLimitExceeded)).Inc()
			return errs.New(errs.KindDailyLimitExceeded, "daily token alert threshold reached for group")
		}
	}

	if binding.MonthlyBudget != nil {
		// Month boundaries are treated as UTC unless an explicit timezone
		// is configured (spec §9 open question).
		monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		spent, err := g.store.SumCostForGroupSince(ctx, groupID, monthStart)
		if err != nil {
			return err
		}
		budget := *binding.MonthlyBudget
		if spent >= budget {
			metrics.QuotaRejectionsTotal.WithLabelValues(string(errs.KindMonthlyBudgetExceeded)).Inc()
			return errs.New(errs.KindMonthlyBudgetExceeded, "monthly budget reached for group")
		}
		if budget > 0 && binding.AlertThreshold > 0 && monthlyPercent(spent, budget) >= float64(binding.AlertThreshold) {
			metrics.QuotaRejectionsTotal.WithLabelValues(string(errs.KindMonthlyBudgetExceeded)).Inc()
			return errs.New(errs.KindMonthlyBudgetExceeded, "monthly budget alert threshold reached for group")
		}
	}

	return nil
}

// dailyPercent/monthlyPercent are the same percentage math Ratio uses, so
// Check's alert-threshold reject and the admin surface's displayed ratio
// never disagree.
func dailyPercent(used, limit int64) float64 {
	return utils.ClampFloat(100*float64(used)/float64(limit), 0, 1000)
}

func monthlyPercent(spent, budget float64) float64 {
	return utils.ClampFloat(100*spent/budget, 0, 1000)
}

// UsageRatio reports how close a group is to its daily token limit and
// monthly budget, as percentages 0-100+, for the admin surface's
// warning/alert threshold display (spec §3 warningThreshold/alertThreshold).
type UsageRatio struct {
	DailyTokenPercent   float64
	MonthlyBudgetPercent float64
}

// Ratio computes UsageRatio for groupID without rejecting; callers combine
// it with the binding's WarningThreshold/AlertThreshold for UI display.
func (g *Gate) Ratio(ctx context.Context, groupID string) (UsageRatio, error) {
	binding, err := g.store.GetResourceBinding(ctx, groupID)
	if err != nil {
		return UsageRatio{}, err
	}
	now := g.now().UTC()
	var ratio UsageRatio

	if binding.DailyTokenLimit != nil && *binding.DailyTokenLimit > 0 {
		dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		used, err := g.store.SumTokensForGroupSince(ctx, groupID, dayStart)
		if err != nil {
			return UsageRatio{}, err
		}
		ratio.DailyTokenPercent = dailyPercent(used, *binding.DailyTokenLimit)
	}
	if binding.MonthlyBudget != nil && *binding.MonthlyBudget > 0 {
		monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		spent, err := g.store.SumCostForGroupSince(ctx, groupID, monthStart)
		if err != nil {
			return UsageRatio{}, err
		}
		ratio.MonthlyBudgetPercent = monthlyPercent(spent, *binding.MonthlyBudget)
	}
	return ratio, nil
}
