package faults

import (
	"testing"
	"time"
)

func TestNextDelay(t *testing.T) {
	exp := RetryConfig{MaxRetries: 5, Strategy: StrategyExponential, BaseDelay: time.Second, MaxDelay: 30 * time.Second, BackoffMultiplier: 2}
	lin := RetryConfig{MaxRetries: 3, Strategy: StrategyLinear, BaseDelay: 5 * time.Second, MaxDelay: 12 * time.Second}

	tests := []struct {
		name     string
		cfg      RetryConfig
		n        int
		expected time.Duration
	}{
		{"exponential n=0", exp, 0, time.Second},
		{"exponential n=1", exp, 1, 2 * time.Second},
		{"exponential n=3", exp, 3, 8 * time.Second},
		{"exponential clamped", exp, 10, 30 * time.Second},
		{"exponential default multiplier", RetryConfig{Strategy: StrategyExponential, BaseDelay: time.Second}, 2, 4 * time.Second},
		{"linear n=0", lin, 0, 5 * time.Second},
		{"linear n=1", lin, 1, 10 * time.Second},
		{"linear clamped", lin, 2, 12 * time.Second},
		{"fixed", RetryConfig{Strategy: StrategyFixed, BaseDelay: time.Minute}, 7, time.Minute},
		{"immediate", RetryConfig{Strategy: StrategyImmediate, BaseDelay: time.Minute}, 3, 0},
		{"no retry", RetryConfig{Strategy: StrategyNoRetry, BaseDelay: time.Minute}, 3, 0},
		{"negative count", exp, -4, time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NextDelay(tt.cfg, tt.n); got != tt.expected {
				t.Errorf("NextDelay() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestNextDelay_ExponentialMonotonic(t *testing.T) {
	for _, p := range DefaultPolicies().All() {
		cfg := p.RetryConfig()
		if cfg.Strategy != StrategyExponential {
			continue
		}
		prev := NextDelay(cfg, 0)
		clamped := false
		for n := 1; n < 64; n++ {
			d := NextDelay(cfg, n)
			if d < prev {
				t.Fatalf("%s: delay decreased at n=%d: %v < %v", p.Category, n, d, prev)
			}
			if clamped && d != cfg.MaxDelay {
				t.Fatalf("%s: delay left the clamp at n=%d: %v", p.Category, n, d)
			}
			if d == cfg.MaxDelay {
				clamped = true
			}
			prev = d
		}
		if !clamped {
			t.Errorf("%s: delay never reached max %v", p.Category, cfg.MaxDelay)
		}
	}
}

func TestInitialDelay(t *testing.T) {
	if d := InitialDelay(RetryConfig{Strategy: StrategyImmediate, BaseDelay: time.Second}); d != 0 {
		t.Errorf("expected 0 for immediate, got %v", d)
	}
	if d := InitialDelay(RetryConfig{Strategy: StrategyLinear, BaseDelay: time.Second}); d != time.Second {
		t.Errorf("expected base delay, got %v", d)
	}
}

func TestPolicyTable_LookupFallsBackToUnknown(t *testing.T) {
	table := NewPolicyTable(nil)
	p := table.Lookup(CategoryWebhook)
	if p.Category != CategoryUnknown || p.MaxRetries != 2 {
		t.Errorf("expected unknown policy, got %+v", p)
	}

	defaults := DefaultPolicies()
	if v := defaults.Lookup(CategoryValidation); v.RetryConfig().Retryable() {
		t.Error("validation must never be retryable")
	}
	if len(defaults.All()) != len(categories) {
		t.Errorf("expected a policy for every category, got %d", len(defaults.All()))
	}
}
