package config

import "time"

// Preset is a named, ready-to-apply operating point, generalized from the
// teacher's DefaultServerPresets ("Default", "Many Accounts", "Conservative").
type Preset struct {
	Name        string
	Description string
	Apply       func(*Config)
}

// Presets are the built-in operating points, selectable with routerd's
// -preset flag.
var Presets = []Preset{
	{
		Name:        "few-accounts",
		Description: "Small pools (2-5 accounts per service type): frequent health checks, quick fail-over.",
		Apply: func(c *Config) {
			c.HealthCheckInterval = 120 * time.Second
			c.PoolRefreshInterval = 60 * time.Second
			c.MaxConsecutiveFailures = 2
			c.MinHealthyAccounts = 1
			c.MaxRetries = 4
		},
	},
	{
		Name:        "many-accounts",
		Description: "Large pools (10+ accounts per service type): longer refresh cycles, tolerate more transient failures per account.",
		Apply: func(c *Config) {
			c.HealthCheckInterval = 300 * time.Second
			c.PoolRefreshInterval = 180 * time.Second
			c.MaxConsecutiveFailures = 4
			c.MinHealthyAccounts = 3
			c.ParallelHealthChecks = 10
		},
	},
	{
		Name:        "conservative",
		Description: "Favor availability over throughput: long retry budget with a slower backoff base, soft-count failure mode; load decay period unchanged.",
		Apply: func(c *Config) {
			c.MaxRetries = 6
			c.RetryDelayBase = 2 * time.Second
			c.MaxConsecutiveFailures = 5
			c.FailureMode = FailureSoftCount
		},
	},
}

// FindPreset returns the preset with the given name, if any.
func FindPreset(name string) (Preset, bool) {
	for _, p := range Presets {
		if p.Name == name {
			return p, true
		}
	}
	return Preset{}, false
}
