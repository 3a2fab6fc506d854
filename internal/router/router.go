// Package router implements the Smart Router (C5): the request entry
// point that orchestrates the Quota Gate, Resolver, Load Balancer and
// Provider client, with retry/fail-over and per-account metric updates
// (spec §4.5).
package router

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/codingauto/carpool-router/internal/balancer"
	"github.com/codingauto/carpool-router/internal/binding"
	"github.com/codingauto/carpool-router/internal/cache"
	"github.com/codingauto/carpool-router/internal/config"
	"github.com/codingauto/carpool-router/internal/domain"
	"github.com/codingauto/carpool-router/internal/errs"
	"github.com/codingauto/carpool-router/internal/metrics"
	"github.com/codingauto/carpool-router/internal/provider"
	"github.com/codingauto/carpool-router/internal/quota"
	"github.com/codingauto/carpool-router/internal/storage"
	"github.com/codingauto/carpool-router/internal/utils"
)

// Request is an inbound chat-style dispatch request.
type Request struct {
	UserID      string
	GroupID     string
	ServiceType domain.ServiceType
	Strategy    balancer.Strategy // empty = use balancer.Recommend
	RequestKey  string            // consistent_hash input; e.g. a session or user id
	Chat        provider.ChatRequest
}

// Response is what Route returns on success. AccountID/AccountName/
// ServiceType together are spec §6.1's accountUsed: {id, name, serviceType}.
type Response struct {
	Content     string
	AccountID   string
	AccountName string
	ServiceType domain.ServiceType
	Usage       domain.UsageRecord
}

func sendFailKey(accountID string) string { return "carpool:sendfail:" + accountID }

// Router wires the Quota Gate, Resolver, Load Balancer and Provider
// registry into the single Route entry point.
type Router struct {
	store     storage.Persistence
	cache     cache.KVCache
	quotaGate *quota.Gate
	resolver  *binding.Resolver
	balancer  *balancer.Balancer
	providers *provider.Registry
	cfg       *config.Config
}

// New builds a Router from its component dependencies.
func New(store storage.Persistence, c cache.KVCache, quotaGate *quota.Gate, resolver *binding.Resolver, lb *balancer.Balancer, providers *provider.Registry, cfg *config.Config) *Router {
	return &Router{
		store:     store,
		cache:     c,
		quotaGate: quotaGate,
		resolver:  resolver,
		balancer:  lb,
		providers: providers,
		cfg:       cfg,
	}
}

// Route dispatches one chat request for a group end to end: quota check,
// resolve+select+confirm-health, provider dispatch, accounting, and retry
// with fail-over on provider error (spec §4.5).
func (r *Router) Route(ctx context.Context, req Request) (*Response, error) {
	if err := r.quotaGate.Check(ctx, req.GroupID); err != nil {
		return nil, err
	}

	serviceType := req.ServiceType
	if serviceType == "" {
		serviceType = domain.ServiceClaude
	}

	var lastErr error
	maxRetries := r.cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 1
	}

	for attempt := 1; attempt <= maxRetries; attempt++ {
		candidates, err := r.resolver.Candidates(ctx, req.GroupID, binding.Request{ServiceType: serviceType})
		if err != nil {
			// A static misconfiguration (no binding at all, or a shared
			// binding with no pool for this service type) won't change
			// between attempts, so it's pointless to retry. But
			// NoDedicatedAccounts/NoSharedAccountAvail reflect an
			// account's current Status, which the very failure this
			// loop is reacting to may have just flipped (spec §8
			// Scenario 3) — a later attempt can find the account
			// healthy again, so these are worth retrying.
			if !retryableResolverKind(err) {
				return nil, err
			}
			lastErr = err
			if attempt < maxRetries {
				r.backoff(ctx, attempt)
				continue
			}
			break
		}
		if candidates.Downgraded {
			utils.Warn("router: group %s downgraded from dedicated to shared for %s", req.GroupID, serviceType)
		}

		priorityBucket := balancer.SortByPriority(candidates.Accounts)
		strategy := req.Strategy
		if strategy == "" || !strategy.Valid() {
			strategy = balancer.Recommend(priorityBucket)
		}

		selected, err := r.balancer.Select(ctx, serviceType, strategy, req.RequestKey, priorityBucket)
		if err != nil {
			return nil, err
		}
		if selected == nil {
			lastErr = errs.New(errs.KindNoHealthyAccount, "no selectable account among candidates")
			if attempt < maxRetries {
				r.backoff(ctx, attempt)
				continue
			}
			break
		}

		ranked := binding.RankByScore(priorityBucket)
		confirmed, err := r.resolver.EnsureHealthy(ctx, serviceType, selected, ranked)
		if err != nil {
			lastErr = err
			if attempt < maxRetries {
				r.backoff(ctx, attempt)
				continue
			}
			break
		}

		resp, err := r.dispatch(ctx, req, confirmed)
		if err == nil {
			metrics.RequestsTotal.WithLabelValues(string(serviceType), "success").Inc()
			return resp, nil
		}

		lastErr = err
		r.handleDispatchFailure(ctx, confirmed, err)
		if !err.(*errs.Error).Retryable() {
			metrics.RequestsTotal.WithLabelValues(string(serviceType), "error").Inc()
			return nil, err
		}
		if attempt < maxRetries {
			metrics.RetriesTotal.WithLabelValues(string(serviceType)).Inc()
			r.backoff(ctx, attempt)
			continue
		}
	}

	metrics.RequestsTotal.WithLabelValues(string(serviceType), "error").Inc()
	return nil, finalRouteError(lastErr)
}

// retryableResolverKind reports whether a resolver.Candidates failure is
// worth another attempt: only kinds tied to an account's mutable Status,
// never a binding/pool misconfiguration that every attempt would hit
// identically.
func retryableResolverKind(err error) bool {
	kind, ok := errs.KindOf(err)
	if !ok {
		return false
	}
	switch kind {
	case errs.KindNoDedicatedAccounts, errs.KindNoSharedAccountAvail:
		return true
	}
	return false
}

// finalRouteError picks the error kind surfaced once retries are
// exhausted, from the last attempt's error alone: NoHealthyAccount when
// that attempt failed to find a confirmed-healthy account (spec §8
// Scenario 3's literal expectation), RateLimited when it was turned away
// by the provider's own rate limiting, ServiceUnavailable otherwise.
func finalRouteError(lastErr error) error {
	kind, ok := errs.KindOf(lastErr)
	if !ok {
		return errs.Wrap(errs.KindServiceUnavailable, "exhausted retries without a successful dispatch", lastErr)
	}
	switch kind {
	case errs.KindNoDedicatedAccounts, errs.KindNoSharedAccountAvail, errs.KindNoHealthyAccount:
		return errs.Wrap(errs.KindNoHealthyAccount, "exhausted retries without a healthy account", lastErr)
	case errs.KindQuotaOnRemoteSide:
		return errs.Wrap(errs.KindRateLimited, "exhausted retries; provider rate-limited every attempt", lastErr)
	default:
		return errs.Wrap(errs.KindServiceUnavailable, "exhausted retries without a successful dispatch", lastErr)
	}
}

func (r *Router) backoff(ctx context.Context, attempt int) {
	delay := r.cfg.RetryDelayBase * time.Duration(attempt)
	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}
}

func (r *Router) dispatch(ctx context.Context, req Request, account *domain.Account) (*Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.ProviderTimeout)
	defer cancel()

	client := r.providers.Get(account)
	chatReq := req.Chat
	requestTime := time.Now()
	resp, err := client.Send(callCtx, account, chatReq)
	if err != nil {
		providerErr, ok := err.(*errs.Error)
		if !ok {
			providerErr = errs.Wrap(errs.KindProviderError, "provider dispatch failed", err)
		}
		return nil, providerErr
	}
	responseTime := time.Now()

	increment := utils.ClampInt(int(responseTime.Sub(requestTime).Milliseconds()/100), 1, 10)
	_ = r.store.IncrementAccountLoad(ctx, account.ID, increment)
	r.scheduleDecay(account.ID)

	cost := estimateCost(account.ServiceType, resp.RequestTokens, resp.ResponseTokens)
	_ = r.store.RecordAccountUsage(ctx, account.ID, resp.RequestTokens+resp.ResponseTokens, cost, responseTime)
	_ = r.cache.Delete(ctx, sendFailKey(account.ID))

	record := domain.NewUsageRecord(uuid.NewString(), req.UserID, req.GroupID, account.ID, account.ServiceType, chatReq.Model, resp.RequestTokens, resp.ResponseTokens, cost)
	record.RequestTime = requestTime
	record.ResponseTime = responseTime
	record.Status = domain.RequestSuccess
	_ = r.store.AppendUsageRecord(ctx, record)

	return &Response{
		Content:     resp.Content,
		AccountID:   account.ID,
		AccountName: account.Name,
		ServiceType: account.ServiceType,
		Usage:       record,
	}, nil
}

func (r *Router) scheduleDecay(accountID string) {
	time.AfterFunc(r.cfg.LoadDecayPeriod, func() {
		_ = r.store.IncrementAccountLoad(context.Background(), accountID, -5)
	})
}

// handleDispatchFailure records the failure and, per the configured
// FailureMode, either flips the account to error immediately (hard_flip)
// or only after MaxConsecutiveFailures sends in a row (soft_count), per
// spec §9's open question.
func (r *Router) handleDispatchFailure(ctx context.Context, account *domain.Account, dispatchErr error) {
	message := utils.TruncateString(dispatchErr.Error(), 500)

	switch r.cfg.FailureMode {
	case config.FailureSoftCount:
		count, _ := r.cache.Incr(ctx, sendFailKey(account.ID))
		if count >= int64(r.cfg.MaxConsecutiveFailures) {
			_ = r.store.UpdateAccountStatus(ctx, account.ID, domain.StatusError, message)
		}
	default: // config.FailureHardFlip
		_ = r.store.UpdateAccountStatus(ctx, account.ID, domain.StatusError, message)
	}

	if errs.Is(dispatchErr, errs.KindAuthenticationFailed) {
		r.providers.Invalidate(account.ID)
	}
}

// estimateCost is a placeholder cost model: one flat rate per thousand
// tokens for every service type; serviceType is not consulted.
func estimateCost(serviceType domain.ServiceType, requestTokens, responseTokens int64) float64 {
	const perThousandTokens = 0.002
	return float64(requestTokens+responseTokens) / 1000 * perThousandTokens
}
