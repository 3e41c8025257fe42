package faults

import (
	"math"
	"time"
)

// NextDelay returns the wait before the retry that follows retryCount
// completed retries.
//
//	exponential: min(base * multiplier^n, max)
//	linear:      min(base + base*n, max)
//	fixed:       base
//	immediate, no_retry: 0
func NextDelay(cfg RetryConfig, retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}

	var delay float64
	switch cfg.Strategy {
	case StrategyExponential:
		mult := cfg.BackoffMultiplier
		if mult <= 0 {
			mult = DefaultBackoffMultiplier
		}
		delay = float64(cfg.BaseDelay) * math.Pow(mult, float64(retryCount))
	case StrategyLinear:
		delay = float64(cfg.BaseDelay) + float64(cfg.BaseDelay)*float64(retryCount)
	case StrategyFixed:
		return cfg.BaseDelay
	default:
		return 0
	}

	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		return cfg.MaxDelay
	}
	if delay > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// InitialDelay is the wait before the first retry of a new record.
func InitialDelay(cfg RetryConfig) time.Duration {
	if cfg.Strategy == StrategyImmediate {
		return 0
	}
	return cfg.BaseDelay
}
