// Package config provides the routing core's runtime configuration:
// enumerated defaults matching spec §6.3, with environment-variable
// overrides applied the same way the teacher's config layer does
// (flag > env > default, resolved once at startup).
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/codingauto/carpool-router/internal/domain"
)

// ProviderEndpoint is the connection info for one back-end service type's
// HTTP API.
type ProviderEndpoint struct {
	BaseURL    string
	HealthPath string
	APIKey     string
}

// ScoreWeights are the Pool Manager's scoring weights (spec §4.4).
type ScoreWeights struct {
	Load         float64
	Health       float64
	ResponseTime float64
	RecentUse    float64
}

// FailureMode selects how the Smart Router reacts to a provider error
// (spec §9 Open Question, resolved here as an explicit, configurable
// choice rather than a silent guess).
type FailureMode string

const (
	// FailureHardFlip flips the account to error status on the very
	// first provider failure (matches spec Scenario 3's literal trace).
	FailureHardFlip FailureMode = "hard_flip"
	// FailureSoftCount only flips to error once consecutive failures
	// reach MaxConsecutiveFailures, consistent with invariant 7.
	FailureSoftCount FailureMode = "soft_count"
)

// Config holds every tunable named in spec §6.3.
type Config struct {
	// Account-Pool Manager (C4)
	HealthCheckInterval    time.Duration
	HealthCheckTimeout     time.Duration
	ParallelHealthChecks   int
	MaxConsecutiveFailures int
	PoolRefreshInterval    time.Duration
	MinHealthyAccounts     int
	Weights                ScoreWeights
	HistoryPruneInterval   time.Duration
	HistoryRetention       time.Duration

	// Smart Router (C5)
	MaxRetries       int
	RetryDelayBase   time.Duration
	LoadCapPercent   int
	LoadDecayPeriod  time.Duration
	ProviderTimeout  time.Duration
	FailureMode      FailureMode

	// Redis / KV cache
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// sqlite persistence
	SQLitePath string

	// Provider back-ends, keyed by service type
	Providers map[domain.ServiceType]ProviderEndpoint

	// admin HTTP surface
	Host string
	Port int

	DevMode bool
}

// Default returns the spec's documented defaults (§6.3).
func Default() *Config {
	return &Config{
		HealthCheckInterval:    300 * time.Second,
		HealthCheckTimeout:     10 * time.Second,
		ParallelHealthChecks:   5,
		MaxConsecutiveFailures: 3,
		PoolRefreshInterval:    120 * time.Second,
		MinHealthyAccounts:     2,
		HistoryPruneInterval:   1 * time.Hour,
		HistoryRetention:       30 * 24 * time.Hour,
		Weights: ScoreWeights{
			Load:         0.4,
			Health:       0.3,
			ResponseTime: 0.2,
			RecentUse:    0.1,
		},
		MaxRetries:      3,
		RetryDelayBase:  1 * time.Second,
		LoadCapPercent:  95,
		LoadDecayPeriod: 60 * time.Second,
		ProviderTimeout: 30 * time.Second,
		FailureMode:     FailureHardFlip,

		RedisAddr:     "localhost:6379",
		RedisPassword: "",
		RedisDB:       0,

		SQLitePath: "./carpool-router.db",

		Providers: map[domain.ServiceType]ProviderEndpoint{
			domain.ServiceClaude: {BaseURL: "https://api.anthropic.com/v1", HealthPath: "/health"},
			domain.ServiceGemini: {BaseURL: "https://generativelanguage.googleapis.com/v1", HealthPath: "/health"},
			domain.ServiceOpenAI: {BaseURL: "https://api.openai.com/v1", HealthPath: "/health"},
			domain.ServiceQwen:   {BaseURL: "https://dashscope.aliyuncs.com/api/v1", HealthPath: "/health"},
		},

		Host: "0.0.0.0",
		Port: 8088,
	}
}

// LoadFromEnv applies environment-variable overrides on top of the
// defaults, mirroring the teacher's flag>env>default precedence (the CLI
// flag layer lives in cmd/routerd and is applied after this).
func (c *Config) LoadFromEnv() {
	if v := os.Getenv("ROUTER_HEALTH_CHECK_INTERVAL_S"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.HealthCheckInterval = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("ROUTER_POOL_REFRESH_INTERVAL_S"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.PoolRefreshInterval = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("ROUTER_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxRetries = n
		}
	}
	if v := os.Getenv("ROUTER_FAILURE_MODE"); v == string(FailureHardFlip) || v == string(FailureSoftCount) {
		c.FailureMode = FailureMode(v)
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.RedisPassword = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RedisDB = n
		}
	}
	if v := os.Getenv("ROUTER_SQLITE_PATH"); v != "" {
		c.SQLitePath = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := os.Getenv("HOST"); v != "" {
		c.Host = v
	}
	if os.Getenv("DEBUG") == "true" || os.Getenv("DEV_MODE") == "true" {
		c.DevMode = true
	}
}
