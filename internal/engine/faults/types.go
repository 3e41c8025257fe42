// Package faults classifies integration failures, records them with a
// per-category retry policy, and retries them on a sweep until they resolve
// or exhaust their budget.
package faults

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("error record not found")
	// ErrConflict means the record changed since it was read.
	ErrConflict = errors.New("error record was modified concurrently")
)

type Category string

const (
	CategoryAuthentication Category = "authentication"
	CategoryRateLimit      Category = "rate_limit"
	CategoryNetwork        Category = "network"
	CategoryValidation     Category = "validation"
	CategoryIntegration    Category = "integration"
	CategoryWebhook        Category = "webhook"
	CategoryDataSync       Category = "data_sync"
	CategoryPermission     Category = "permission"
	CategoryTimeout        Category = "timeout"
	CategoryUnknown        Category = "unknown"
)

var categories = []Category{
	CategoryAuthentication, CategoryRateLimit, CategoryNetwork, CategoryValidation,
	CategoryIntegration, CategoryWebhook, CategoryDataSync, CategoryPermission,
	CategoryTimeout, CategoryUnknown,
}

func (c Category) Valid() bool {
	for _, known := range categories {
		if c == known {
			return true
		}
	}
	return false
}

// ParseCategory maps unrecognised input to CategoryUnknown.
func ParseCategory(s string) Category {
	if c := Category(s); c.Valid() {
		return c
	}
	return CategoryUnknown
}

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// AtLeastHigh reports whether the severity requires an alert on its own.
func (s Severity) AtLeastHigh() bool {
	return s == SeverityHigh || s == SeverityCritical
}

type Status string

const (
	StatusNew      Status = "new"
	StatusRetrying Status = "retrying"
	StatusResolved Status = "resolved"
	StatusFailed   Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusNew, StatusRetrying, StatusResolved, StatusFailed:
		return true
	}
	return false
}

type Strategy string

const (
	StrategyExponential Strategy = "exponential_backoff"
	StrategyLinear      Strategy = "linear_backoff"
	StrategyFixed       Strategy = "fixed_delay"
	StrategyImmediate   Strategy = "immediate"
	StrategyNoRetry     Strategy = "no_retry"
)

func (s Strategy) Valid() bool {
	switch s {
	case StrategyExponential, StrategyLinear, StrategyFixed, StrategyImmediate, StrategyNoRetry:
		return true
	}
	return false
}

const DefaultBackoffMultiplier = 2.0

type RetryConfig struct {
	MaxRetries        int
	Strategy          Strategy
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
}

// Retryable reports whether records with this config are ever scheduled.
func (c RetryConfig) Retryable() bool {
	return c.MaxRetries > 0 && c.Strategy != StrategyNoRetry
}

type retryConfigJSON struct {
	MaxRetries        int      `json:"max_retries"`
	Strategy          Strategy `json:"strategy"`
	BaseDelayMs       int64    `json:"base_delay_ms"`
	MaxDelayMs        int64    `json:"max_delay_ms"`
	BackoffMultiplier float64  `json:"backoff_multiplier,omitempty"`
}

func (c RetryConfig) MarshalJSON() ([]byte, error) {
	return json.Marshal(retryConfigJSON{
		MaxRetries:        c.MaxRetries,
		Strategy:          c.Strategy,
		BaseDelayMs:       c.BaseDelay.Milliseconds(),
		MaxDelayMs:        c.MaxDelay.Milliseconds(),
		BackoffMultiplier: c.BackoffMultiplier,
	})
}

func (c *RetryConfig) UnmarshalJSON(data []byte) error {
	var raw retryConfigJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*c = RetryConfig{
		MaxRetries:        raw.MaxRetries,
		Strategy:          raw.Strategy,
		BaseDelay:         time.Duration(raw.BaseDelayMs) * time.Millisecond,
		MaxDelay:          time.Duration(raw.MaxDelayMs) * time.Millisecond,
		BackoffMultiplier: raw.BackoffMultiplier,
	}
	return nil
}

// ErrorContext describes the operation that failed; Operation selects the
// retry handler.
type ErrorContext struct {
	Operation string          `json:"operation,omitempty"`
	Endpoint  string          `json:"endpoint,omitempty"`
	Method    string          `json:"method,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

type ErrorRecord struct {
	ID            string          `json:"id"`
	UserID        string          `json:"user_id,omitempty"`
	IntegrationID string          `json:"integration_id,omitempty"`
	Category      Category        `json:"category"`
	Severity      Severity        `json:"severity"`
	Message       string          `json:"message"`
	Details       json.RawMessage `json:"details,omitempty"`
	Context       *ErrorContext   `json:"context,omitempty"`
	StackTrace    string          `json:"stack_trace,omitempty"`
	Status        Status          `json:"status"`
	RetryConfig   RetryConfig     `json:"retry_config"`
	RetryCount    int             `json:"retry_count"`
	NextRetryAt   *time.Time      `json:"next_retry_at,omitempty"`
	ResolvedAt    *time.Time      `json:"resolved_at,omitempty"`
	Resolution    string          `json:"resolution,omitempty"`
	Tags          []string        `json:"tags"`
	Version       int64           `json:"-"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

type Alert struct {
	ID             string     `json:"id"`
	ErrorID        string     `json:"error_id"`
	Level          Severity   `json:"level"`
	Message        string     `json:"message"`
	IsActive       bool       `json:"is_active"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	ResolvedBy     string     `json:"resolved_by,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	Resolution     string     `json:"resolution,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

type ErrorFilter struct {
	UserID        string
	Category      Category
	Severity      Severity
	Status        Status
	IntegrationID string
	Operation     string
	Tag           string
	From          *time.Time
	To            *time.Time
	Limit         int
	Offset        int
}

type AlertFilter struct {
	ErrorID        string
	ActiveOnly     bool
	Unacknowledged bool
	Limit          int
	Offset         int
}

type Stats struct {
	Total      int              `json:"total"`
	ByCategory map[Category]int `json:"by_category"`
	BySeverity map[Severity]int `json:"by_severity"`
	ByStatus   map[Status]int   `json:"by_status"`
	// ResolutionRate is resolved / (resolved + failed); 0 with no terminal records.
	ResolutionRate float64 `json:"resolution_rate"`
	ActiveAlerts   int     `json:"active_alerts"`
}
