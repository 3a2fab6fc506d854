// Package storage defines the Persistence port the routing core depends on
// (spec §6.2) and a concrete sqlite-backed implementation, grounded on the
// teacher's modernc.org/sqlite usage in go-backend/internal/auth/database.go.
package storage

import (
	"context"
	"time"

	"github.com/codingauto/carpool-router/internal/domain"
)

// Persistence is the abstract data service the core treats storage as
// (spec §4, §6.2, §9 "replace global Prisma-like client state with a
// DataService dependency"). No component may reach around it.
type Persistence interface {
	// Groups & bindings
	GetGroup(ctx context.Context, groupID string) (*domain.Group, error)
	GetResourceBinding(ctx context.Context, groupID string) (*domain.ResourceBinding, error)

	// Accounts
	GetAccount(ctx context.Context, accountID string) (*domain.Account, error)
	GetAccountsByIDs(ctx context.Context, accountIDs []string) ([]*domain.Account, error)
	ListAccountsByService(ctx context.Context, serviceType domain.ServiceType) ([]*domain.Account, error)
	ListEnabledAccountsByService(ctx context.Context, serviceType domain.ServiceType) ([]*domain.Account, error)
	ListServiceTypesWithEnabledAccounts(ctx context.Context) ([]domain.ServiceType, error)
	UpdateAccountStatus(ctx context.Context, accountID string, status domain.AccountStatus, errorMessage string) error
	IncrementAccountLoad(ctx context.Context, accountID string, delta int) error
	SetAccountLoad(ctx context.Context, accountID string, load int) error
	RecordAccountUsage(ctx context.Context, accountID string, tokens int64, cost float64, at time.Time) error

	// Usage accounting (append-only)
	AppendUsageRecord(ctx context.Context, rec domain.UsageRecord) error
	SumTokensForGroupSince(ctx context.Context, groupID string, since time.Time) (int64, error)
	SumCostForGroupSince(ctx context.Context, groupID string, since time.Time) (float64, error)

	// Health-check history (append-only, truncated)
	AppendHealthCheckHistory(ctx context.Context, h domain.HealthStatus) error
	PruneHealthCheckHistory(ctx context.Context, olderThan time.Time) (int64, error)
}

// ErrNotFound is returned by single-entity lookups that find nothing.
var ErrNotFound = newNotFoundError()

type notFoundError struct{}

func (notFoundError) Error() string { return "storage: not found" }

func newNotFoundError() error { return notFoundError{} }
