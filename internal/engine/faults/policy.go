package faults

import (
	"sort"
	"time"
)

// Policy is the retry and alerting behaviour for one category.
type Policy struct {
	Category        Category
	MaxRetries      int
	Strategy        Strategy
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	DefaultSeverity Severity
	ShouldAlert     bool
	// AutoResolve marks transient classes whose alerts are acknowledged by
	// the system when a retry succeeds.
	AutoResolve bool
}

func (p Policy) RetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        p.MaxRetries,
		Strategy:          p.Strategy,
		BaseDelay:         p.BaseDelay,
		MaxDelay:          p.MaxDelay,
		BackoffMultiplier: DefaultBackoffMultiplier,
	}
}

// PolicyTable is immutable after construction and safe to share.
type PolicyTable struct {
	policies map[Category]Policy
}

func NewPolicyTable(policies []Policy) *PolicyTable {
	t := &PolicyTable{policies: make(map[Category]Policy, len(policies))}
	for _, p := range policies {
		t.policies[p.Category] = p
	}
	if _, ok := t.policies[CategoryUnknown]; !ok {
		t.policies[CategoryUnknown] = unknownPolicy
	}
	return t
}

var unknownPolicy = Policy{
	Category:        CategoryUnknown,
	MaxRetries:      2,
	Strategy:        StrategyLinear,
	BaseDelay:       10 * time.Second,
	MaxDelay:        2 * time.Minute,
	DefaultSeverity: SeverityMedium,
	ShouldAlert:     true,
}

func DefaultPolicies() *PolicyTable {
	return NewPolicyTable([]Policy{
		{CategoryAuthentication, 3, StrategyExponential, time.Second, 30 * time.Second, SeverityHigh, true, false},
		{CategoryRateLimit, 5, StrategyExponential, 5 * time.Second, 300 * time.Second, SeverityMedium, false, true},
		{CategoryNetwork, 5, StrategyExponential, 2 * time.Second, 60 * time.Second, SeverityMedium, true, true},
		{CategoryTimeout, 3, StrategyLinear, 5 * time.Second, 60 * time.Second, SeverityMedium, true, true},
		{CategoryValidation, 0, StrategyNoRetry, 0, 0, SeverityLow, false, false},
		{CategoryIntegration, 3, StrategyExponential, 5 * time.Second, 120 * time.Second, SeverityHigh, true, false},
		{CategoryWebhook, 5, StrategyExponential, 10 * time.Second, 600 * time.Second, SeverityMedium, false, true},
		{CategoryDataSync, 3, StrategyExponential, 30 * time.Second, 1800 * time.Second, SeverityHigh, true, false},
		{CategoryPermission, 1, StrategyFixed, 60 * time.Second, 60 * time.Second, SeverityHigh, true, false},
		unknownPolicy,
	})
}

// Lookup returns the category's policy, or the unknown policy.
func (t *PolicyTable) Lookup(c Category) Policy {
	if p, ok := t.policies[c]; ok {
		return p
	}
	return t.policies[CategoryUnknown]
}

func (t *PolicyTable) All() []Policy {
	out := make([]Policy, 0, len(t.policies))
	for _, p := range t.policies {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out
}
