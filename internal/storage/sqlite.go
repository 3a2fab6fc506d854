package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/codingauto/carpool-router/internal/domain"
	"github.com/codingauto/carpool-router/internal/utils"

	_ "modernc.org/sqlite" // pure-Go sqlite driver, keeps the binary CGO-free
)

// SQLiteStore is the sqlite-backed Persistence implementation. It owns the
// concrete layout of Group/ResourceBinding/Account/UsageRecord/HealthCheck
// history that the rest of the core only ever sees through the Persistence
// interface.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (creating if necessary) the sqlite database at path
// and ensures its schema exists.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite at %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: single-writer discipline

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS groups (
			id TEXT PRIMARY KEY,
			org_type TEXT NOT NULL,
			enterprise_id TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS resource_bindings (
			group_id TEXT PRIMARY KEY,
			mode TEXT NOT NULL,
			daily_token_limit INTEGER,
			daily_token_limit_set INTEGER NOT NULL DEFAULT 0,
			monthly_budget REAL,
			monthly_budget_set INTEGER NOT NULL DEFAULT 0,
			priority_level TEXT NOT NULL,
			warning_threshold INTEGER NOT NULL,
			alert_threshold INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS dedicated_accounts (
			group_id TEXT NOT NULL,
			account_id TEXT NOT NULL,
			service_type TEXT NOT NULL,
			priority INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS shared_pools (
			group_id TEXT NOT NULL,
			service_type TEXT NOT NULL,
			priority INTEGER NOT NULL,
			max_usage_percent INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS hybrid_primary_accounts (
			group_id TEXT NOT NULL,
			account_id TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS hybrid_fallback_pools (
			group_id TEXT NOT NULL,
			service_type TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			service_type TEXT NOT NULL,
			account_type TEXT NOT NULL,
			status TEXT NOT NULL,
			is_enabled INTEGER NOT NULL,
			current_load INTEGER NOT NULL,
			daily_limit INTEGER NOT NULL,
			weight INTEGER NOT NULL,
			priority INTEGER NOT NULL,
			average_response_time INTEGER,
			total_requests INTEGER NOT NULL DEFAULT 0,
			total_tokens INTEGER NOT NULL DEFAULT 0,
			total_cost REAL NOT NULL DEFAULT 0,
			last_used_at TEXT,
			error_message TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS account_supported_models (
			account_id TEXT NOT NULL,
			model TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS usage_records (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			group_id TEXT NOT NULL,
			account_id TEXT NOT NULL,
			service_type TEXT NOT NULL,
			model TEXT NOT NULL,
			request_tokens INTEGER NOT NULL,
			response_tokens INTEGER NOT NULL,
			total_tokens INTEGER NOT NULL,
			cost REAL NOT NULL,
			request_time TEXT NOT NULL,
			response_time TEXT,
			status TEXT NOT NULL,
			error_type TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_group_time ON usage_records(group_id, request_time)`,
		`CREATE TABLE IF NOT EXISTS health_check_history (
			account_id TEXT NOT NULL,
			is_healthy INTEGER NOT NULL,
			response_time INTEGER NOT NULL,
			error_message TEXT,
			last_checked TEXT NOT NULL,
			consecutive_failures INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_health_history_checked ON health_check_history(last_checked)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// GetGroup loads a Group with its ResourceBinding.
func (s *SQLiteStore) GetGroup(ctx context.Context, groupID string) (*domain.Group, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, org_type, enterprise_id FROM groups WHERE id = ?`, groupID)
	var g domain.Group
	var enterpriseID sql.NullString
	if err := row.Scan(&g.ID, &g.Type, &enterpriseID); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if g.Type == domain.OrgEnterpriseGroup && enterpriseID.Valid {
		g.Enterprise = &domain.EnterpriseInfo{EnterpriseID: enterpriseID.String}
	}
	binding, err := s.GetResourceBinding(ctx, groupID)
	if err != nil && err != ErrNotFound {
		return nil, err
	}
	if err == nil {
		g.Binding = binding
	}
	return &g, nil
}

// GetResourceBinding loads the binding for a group, including its
// mode-specific configuration rows.
func (s *SQLiteStore) GetResourceBinding(ctx context.Context, groupID string) (*domain.ResourceBinding, error) {
	row := s.db.QueryRowContext(ctx, `SELECT mode, daily_token_limit, daily_token_limit_set, monthly_budget, monthly_budget_set,
		priority_level, warning_threshold, alert_threshold FROM resource_bindings WHERE group_id = ?`, groupID)

	var b domain.ResourceBinding
	var dailyLimit sql.NullInt64
	var dailyLimitSet int
	var monthlyBudget sql.NullFloat64
	var monthlyBudgetSet int
	if err := row.Scan(&b.Mode, &dailyLimit, &dailyLimitSet, &monthlyBudget, &monthlyBudgetSet,
		&b.PriorityLevel, &b.WarningThreshold, &b.AlertThreshold); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if dailyLimitSet != 0 {
		v := dailyLimit.Int64
		b.DailyTokenLimit = &v
	}
	if monthlyBudgetSet != 0 {
		v := monthlyBudget.Float64
		b.MonthlyBudget = &v
	}

	switch b.Mode {
	case domain.BindingDedicated:
		rows, err := s.db.QueryContext(ctx, `SELECT account_id, service_type, priority FROM dedicated_accounts WHERE group_id = ?`, groupID)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		for rows.Next() {
			var ref domain.DedicatedAccountRef
			if err := rows.Scan(&ref.AccountID, &ref.ServiceType, &ref.Priority); err != nil {
				return nil, err
			}
			b.DedicatedAccounts = append(b.DedicatedAccounts, ref)
		}
	case domain.BindingShared:
		rows, err := s.db.QueryContext(ctx, `SELECT service_type, priority, max_usage_percent FROM shared_pools WHERE group_id = ?`, groupID)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		for rows.Next() {
			var ref domain.SharedPoolRef
			if err := rows.Scan(&ref.ServiceType, &ref.Priority, &ref.MaxUsagePercent); err != nil {
				return nil, err
			}
			b.SharedPools = append(b.SharedPools, ref)
		}
	case domain.BindingHybrid:
		primRows, err := s.db.QueryContext(ctx, `SELECT account_id FROM hybrid_primary_accounts WHERE group_id = ?`, groupID)
		if err != nil {
			return nil, err
		}
		for primRows.Next() {
			var id string
			if err := primRows.Scan(&id); err != nil {
				primRows.Close()
				return nil, err
			}
			b.Hybrid.PrimaryAccounts = append(b.Hybrid.PrimaryAccounts, id)
		}
		primRows.Close()

		fbRows, err := s.db.QueryContext(ctx, `SELECT service_type FROM hybrid_fallback_pools WHERE group_id = ?`, groupID)
		if err != nil {
			return nil, err
		}
		for fbRows.Next() {
			var st domain.ServiceType
			if err := fbRows.Scan(&st); err != nil {
				fbRows.Close()
				return nil, err
			}
			b.Hybrid.FallbackPools = append(b.Hybrid.FallbackPools, st)
		}
		fbRows.Close()
	}

	return &b, nil
}

func scanAccount(row interface {
	Scan(dest ...interface{}) error
}) (*domain.Account, error) {
	var a domain.Account
	var lastUsed sql.NullString
	var avgResp sql.NullInt64
	var errMsg sql.NullString
	var isEnabled int
	if err := row.Scan(&a.ID, &a.Name, &a.ServiceType, &a.AccountType, &a.Status, &isEnabled,
		&a.CurrentLoad, &a.DailyLimit, &a.Weight, &a.Priority, &avgResp,
		&a.TotalRequests, &a.TotalTokens, &a.TotalCost, &lastUsed, &errMsg); err != nil {
		return nil, err
	}
	a.IsEnabled = isEnabled != 0
	if avgResp.Valid {
		v := avgResp.Int64
		a.AverageResponseTime = &v
	}
	if lastUsed.Valid && lastUsed.String != "" {
		if t, err := time.Parse(time.RFC3339Nano, lastUsed.String); err == nil {
			a.LastUsedAt = t
		}
	}
	if errMsg.Valid {
		a.ErrorMessage = errMsg.String
	}
	a.SupportedModels = make(map[string]struct{})
	return &a, nil
}

const accountColumns = `id, name, service_type, account_type, status, is_enabled,
	current_load, daily_limit, weight, priority, average_response_time,
	total_requests, total_tokens, total_cost, last_used_at, error_message`

// GetAccount loads a single account by id.
func (s *SQLiteStore) GetAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, accountID)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadSupportedModels(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *SQLiteStore) loadSupportedModels(ctx context.Context, a *domain.Account) error {
	rows, err := s.db.QueryContext(ctx, `SELECT model FROM account_supported_models WHERE account_id = ?`, a.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var model string
		if err := rows.Scan(&model); err != nil {
			return err
		}
		a.SupportedModels[model] = struct{}{}
	}
	return nil
}

// GetAccountsByIDs loads multiple accounts in id order, skipping any ids
// that don't exist (the Resolver is responsible for noticing gaps).
func (s *SQLiteStore) GetAccountsByIDs(ctx context.Context, accountIDs []string) ([]*domain.Account, error) {
	result := make([]*domain.Account, 0, len(accountIDs))
	for _, id := range accountIDs {
		a, err := s.GetAccount(ctx, id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, nil
}

// ListAccountsByService returns every account of a service type regardless
// of enabled/status.
func (s *SQLiteStore) ListAccountsByService(ctx context.Context, serviceType domain.ServiceType) ([]*domain.Account, error) {
	return s.queryAccounts(ctx, `SELECT `+accountColumns+` FROM accounts WHERE service_type = ?`, serviceType)
}

// ListEnabledAccountsByService returns enabled accounts of a service type.
func (s *SQLiteStore) ListEnabledAccountsByService(ctx context.Context, serviceType domain.ServiceType) ([]*domain.Account, error) {
	return s.queryAccounts(ctx, `SELECT `+accountColumns+` FROM accounts WHERE service_type = ? AND is_enabled = 1`, serviceType)
}

func (s *SQLiteStore) queryAccounts(ctx context.Context, query string, args ...interface{}) ([]*domain.Account, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		if err := s.loadSupportedModels(ctx, a); err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

// ListServiceTypesWithEnabledAccounts returns the distinct service types
// that have at least one enabled account, used by the Pool Manager at
// startup to decide which health-check/refresh loop pairs to run.
func (s *SQLiteStore) ListServiceTypesWithEnabledAccounts(ctx context.Context) ([]domain.ServiceType, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT service_type FROM accounts WHERE is_enabled = 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.ServiceType
	for rows.Next() {
		var st domain.ServiceType
		if err := rows.Scan(&st); err != nil {
			return nil, err
		}
		result = append(result, st)
	}
	return result, rows.Err()
}

// UpdateAccountStatus sets an account's status and error message.
func (s *SQLiteStore) UpdateAccountStatus(ctx context.Context, accountID string, status domain.AccountStatus, errorMessage string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE accounts SET status = ?, error_message = ? WHERE id = ?`,
		status, utils.TruncateString(errorMessage, 500), accountID)
	return err
}

// IncrementAccountLoad atomically adjusts current_load by delta, clamped
// to [0, 100] (invariant 2).
func (s *SQLiteStore) IncrementAccountLoad(ctx context.Context, accountID string, delta int) error {
	_, err := s.db.ExecContext(ctx, `UPDATE accounts SET current_load = MIN(100, MAX(0, current_load + ?)) WHERE id = ?`, delta, accountID)
	return err
}

// SetAccountLoad sets current_load directly, clamped to [0, 100].
func (s *SQLiteStore) SetAccountLoad(ctx context.Context, accountID string, load int) error {
	load = int(utils.ClampInt(load, 0, 100))
	_, err := s.db.ExecContext(ctx, `UPDATE accounts SET current_load = ? WHERE id = ?`, load, accountID)
	return err
}

// RecordAccountUsage atomically bumps total_requests/total_tokens/total_cost
// and refreshes last_used_at/status on a successful dispatch.
func (s *SQLiteStore) RecordAccountUsage(ctx context.Context, accountID string, tokens int64, cost float64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE accounts SET
		total_requests = total_requests + 1,
		total_tokens = total_tokens + ?,
		total_cost = total_cost + ?,
		last_used_at = ?,
		status = 'active',
		error_message = NULL
		WHERE id = ?`, tokens, cost, at.Format(time.RFC3339Nano), accountID)
	return err
}

// AppendUsageRecord inserts one append-only UsageRecord row.
func (s *SQLiteStore) AppendUsageRecord(ctx context.Context, rec domain.UsageRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO usage_records
		(id, user_id, group_id, account_id, service_type, model, request_tokens, response_tokens,
		 total_tokens, cost, request_time, response_time, status, error_type)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.UserID, rec.GroupID, rec.AccountID, rec.ServiceType, rec.Model,
		rec.RequestTokens, rec.ResponseTokens, rec.TotalTokens, rec.Cost,
		rec.RequestTime.Format(time.RFC3339Nano), rec.ResponseTime.Format(time.RFC3339Nano),
		rec.Status, rec.ErrorType)
	return err
}

// SumTokensForGroupSince sums total_tokens for a group since a timestamp
// (used for the Quota Gate's daily-limit check).
func (s *SQLiteStore) SumTokensForGroupSince(ctx context.Context, groupID string, since time.Time) (int64, error) {
	var sum sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT SUM(total_tokens) FROM usage_records WHERE group_id = ? AND request_time >= ?`,
		groupID, since.Format(time.RFC3339Nano)).Scan(&sum)
	if err != nil {
		return 0, err
	}
	return sum.Int64, nil
}

// SumCostForGroupSince sums cost for a group since a timestamp (used for
// the Quota Gate's monthly-budget check).
func (s *SQLiteStore) SumCostForGroupSince(ctx context.Context, groupID string, since time.Time) (float64, error) {
	var sum sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `SELECT SUM(cost) FROM usage_records WHERE group_id = ? AND request_time >= ?`,
		groupID, since.Format(time.RFC3339Nano)).Scan(&sum)
	if err != nil {
		return 0, err
	}
	return sum.Float64, nil
}

// AppendHealthCheckHistory inserts one health-probe observation.
func (s *SQLiteStore) AppendHealthCheckHistory(ctx context.Context, h domain.HealthStatus) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO health_check_history
		(account_id, is_healthy, response_time, error_message, last_checked, consecutive_failures)
		VALUES (?, ?, ?, ?, ?, ?)`,
		h.AccountID, boolToInt(h.IsHealthy), h.ResponseTime, h.ErrorMessage,
		h.LastChecked.Format(time.RFC3339Nano), h.ConsecutiveFailures)
	return err
}

// PruneHealthCheckHistory deletes history rows older than the cutoff,
// returning the number removed. Modeled on modules.UsageStats.backgroundPrune.
func (s *SQLiteStore) PruneHealthCheckHistory(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM health_check_history WHERE last_checked < ?`, olderThan.Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ Persistence = (*SQLiteStore)(nil)
