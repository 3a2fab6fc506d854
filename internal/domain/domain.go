// Package domain defines the core entity types shared by every component of
// the routing core: groups, resource bindings, accounts, health records,
// precomputed pools and usage records.
package domain

import "time"

// OrganizationType tags which shape of Group data applies.
type OrganizationType string

const (
	OrgStandalone      OrganizationType = "standalone"
	OrgEnterpriseGroup OrganizationType = "enterprise_group"
)

// MemberRole is a group member's role.
type MemberRole string

const (
	RoleOwner  MemberRole = "owner"
	RoleAdmin  MemberRole = "admin"
	RoleMember MemberRole = "member"
)

// Member is a user attached to a Group with a role.
type Member struct {
	UserID string
	Role   MemberRole
}

// Group is a carpool tenant. OrganizationType is modeled as a tagged
// variant: Enterprise is only meaningful when Type == OrgEnterpriseGroup.
// This avoids the source's single overloaded "organizationType" string
// driving unrelated conditional branches deeper in the code.
type Group struct {
	ID         string
	Type       OrganizationType
	Enterprise *EnterpriseInfo // non-nil only when Type == OrgEnterpriseGroup
	Binding    *ResourceBinding
	Members    []Member
}

// EnterpriseInfo carries the data that only applies to enterprise groups.
type EnterpriseInfo struct {
	EnterpriseID string
}

// BindingMode is the resource-binding policy mode.
type BindingMode string

const (
	BindingDedicated BindingMode = "dedicated"
	BindingShared    BindingMode = "shared"
	BindingHybrid    BindingMode = "hybrid"
)

// PriorityLevel is a group's priority for its binding.
type PriorityLevel string

const (
	PriorityHigh   PriorityLevel = "high"
	PriorityMedium PriorityLevel = "medium"
	PriorityLow    PriorityLevel = "low"
)

// DedicatedAccountRef is one entry of a dedicated binding's account list.
type DedicatedAccountRef struct {
	AccountID   string
	ServiceType ServiceType
	Priority    int
}

// SharedPoolRef is one entry of a shared binding's pool list.
type SharedPoolRef struct {
	ServiceType     ServiceType
	Priority        int
	MaxUsagePercent int
}

// HybridConfig is the hybrid binding's dedicated-first, shared-fallback
// configuration.
type HybridConfig struct {
	PrimaryAccounts []string
	FallbackPools   []ServiceType
}

// ResourceBinding maps a Group to the back-end accounts it may use.
type ResourceBinding struct {
	Mode             BindingMode
	DailyTokenLimit  *int64 // nil == unlimited; 0 literal == deny-all (invariant from spec §4.1)
	MonthlyBudget    *float64
	PriorityLevel    PriorityLevel
	WarningThreshold int // 0-100, <= AlertThreshold
	AlertThreshold   int // 0-100

	DedicatedAccounts []DedicatedAccountRef // mode == dedicated
	SharedPools       []SharedPoolRef       // mode == shared
	Hybrid            HybridConfig          // mode == hybrid
}

// ServiceType is the back-end AI provider family.
type ServiceType string

const (
	ServiceClaude ServiceType = "claude"
	ServiceGemini ServiceType = "gemini"
	ServiceOpenAI ServiceType = "openai"
	ServiceQwen   ServiceType = "qwen"
)

// AccountType distinguishes dedicated-only vs pool-eligible accounts. This
// is deliberately orthogonal to BindingMode: a binding in "shared" mode
// draws from accounts with AccountType == AccountShared, but the two
// concepts are never collapsed into one flag (spec.md §9).
type AccountType string

const (
	AccountDedicated AccountType = "dedicated"
	AccountShared    AccountType = "shared"
)

// AccountStatus is the account's current operability.
type AccountStatus string

const (
	StatusActive   AccountStatus = "active"
	StatusInactive AccountStatus = "inactive"
	StatusError    AccountStatus = "error"
)

// Account is a single back-end credential/quota unit.
type Account struct {
	ID              string
	Name            string
	ServiceType     ServiceType
	AccountType     AccountType
	Status          AccountStatus
	IsEnabled       bool
	CurrentLoad     int // percentage 0-100
	SupportedModels map[string]struct{}
	DailyLimit      int64
	Weight          int // default 1
	Priority        int // lower = higher priority
	AverageResponseTime *int64 // ms, nil if unknown

	TotalRequests int64
	TotalTokens   int64
	TotalCost     float64
	LastUsedAt    time.Time
	ErrorMessage  string
}

// Selectable reports whether an account satisfies invariant 2/3 of the
// spec's data model: enabled, active, and under the hard load cap.
func (a *Account) Selectable(loadCap int) bool {
	if a == nil {
		return false
	}
	return a.IsEnabled && a.Status == StatusActive && a.CurrentLoad < loadCap
}

// HealthStatus is a single health-check observation for an account.
type HealthStatus struct {
	AccountID           string
	IsHealthy           bool
	ResponseTime        int64 // ms
	ErrorMessage        string
	LastChecked         time.Time
	ConsecutiveFailures int
}

// PooledAccount is one entry of a PreComputedAccountPool.
type PooledAccount struct {
	ID          string
	Name        string
	ServiceType ServiceType
	CurrentLoad int
	Priority    int
	IsHealthy   bool
	Score       float64
}

// PreComputedAccountPool is the Pool Manager's published ranking for one
// service type. Version strictly increases (invariant 5); readers must
// not mix entries from two versions.
type PreComputedAccountPool struct {
	ServiceType ServiceType
	Accounts    []PooledAccount // sorted by Score descending
	LastUpdate  time.Time
	Version     int64
}

// RequestStatus is a UsageRecord's outcome.
type RequestStatus string

const (
	RequestSuccess RequestStatus = "success"
	RequestError   RequestStatus = "error"
)

// UsageRecord is an append-only accounting row for a single dispatched
// request.
type UsageRecord struct {
	ID             string
	UserID         string
	GroupID        string
	AccountID      string
	ServiceType    ServiceType
	Model          string
	RequestTokens  int64
	ResponseTokens int64
	TotalTokens    int64 // invariant 6: RequestTokens + ResponseTokens == TotalTokens
	Cost           float64
	RequestTime    time.Time
	ResponseTime   time.Time
	Status         RequestStatus
	ErrorType      string
}

// NewUsageRecord builds a UsageRecord enforcing invariant 6 by
// construction rather than leaving it to callers to keep in sync.
func NewUsageRecord(id, userID, groupID, accountID string, serviceType ServiceType, model string, requestTokens, responseTokens int64, cost float64) UsageRecord {
	return UsageRecord{
		ID:             id,
		UserID:         userID,
		GroupID:        groupID,
		AccountID:      accountID,
		ServiceType:    serviceType,
		Model:          model,
		RequestTokens:  requestTokens,
		ResponseTokens: responseTokens,
		TotalTokens:    requestTokens + responseTokens,
		Cost:           cost,
	}
}
