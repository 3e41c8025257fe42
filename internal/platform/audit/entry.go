// Package audit is the append-only, risk-scored record of state-changing
// events, with alerts for high-risk entries, curated trails, reporting and
// retention.
package audit

import (
	"encoding/json"
	"errors"
	"time"
)

var ErrNotFound = errors.New("audit record not found")

type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

func (r RiskLevel) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return true
	}
	return false
}

// Alerting reports whether entries at this level raise an audit alert.
func (r RiskLevel) Alerting() bool {
	return r == RiskHigh || r == RiskCritical
}

// Common event types. The vocabulary is open; callers may log others.
const (
	EventWebhookCreated        = "webhook_created"
	EventWebhookUpdated        = "webhook_updated"
	EventWebhookDeleted        = "webhook_deleted"
	EventWebhookDelivered      = "webhook_delivered"
	EventWebhookDeliveryFailed = "webhook_delivery_failed"
	EventErrorResolved         = "error_resolved"
	EventAuthFailure           = "auth_failure"
	EventDataExport            = "data_export"
)

type Entry struct {
	ID            string          `json:"id"`
	EventType     string          `json:"event_type"`
	UserID        string          `json:"user_id,omitempty"`
	IntegrationID string          `json:"integration_id,omitempty"`
	ResourceType  string          `json:"resource_type,omitempty"`
	ResourceID    string          `json:"resource_id,omitempty"`
	Action        string          `json:"action"`
	Description   string          `json:"description"`
	Details       json.RawMessage `json:"details,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	RiskLevel     RiskLevel       `json:"risk_level"`
	Tags          []string        `json:"tags"`
	RelatedEvents []string        `json:"related_events"`
	Timestamp     time.Time       `json:"timestamp"`
	Indexed       bool            `json:"indexed"`
}

// CreateInput is a new entry. Zero RiskLevel is derived from the event type
// and action; empty UserID is taken from the context actor.
type CreateInput struct {
	EventType     string
	Action        string
	Description   string
	UserID        string
	IntegrationID string
	ResourceType  string
	ResourceID    string
	Details       json.RawMessage
	Metadata      json.RawMessage
	RiskLevel     RiskLevel
	Tags          []string
	RelatedEvents []string
}

type Alert struct {
	ID             string          `json:"id"`
	AuditLogID     string          `json:"audit_log_id"`
	EventType      string          `json:"event_type"`
	RiskLevel      RiskLevel       `json:"risk_level"`
	Message        string          `json:"message"`
	Details        json.RawMessage `json:"details,omitempty"`
	IsActive       bool            `json:"is_active"`
	AcknowledgedBy string          `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time      `json:"acknowledged_at,omitempty"`
	ResolvedBy     string          `json:"resolved_by,omitempty"`
	ResolvedAt     *time.Time      `json:"resolved_at,omitempty"`
	Resolution     string          `json:"resolution,omitempty"`
	Notes          string          `json:"notes,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Trail is a named, ordered grouping of entry ids. Ids are not checked
// against existing entries.
type Trail struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	EventIDs    []string        `json:"event_ids"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// TrailDetail is a trail with its entries in trail order. Ids whose entries
// were removed by retention are listed in Missing.
type TrailDetail struct {
	Trail
	Entries []*Entry `json:"entries"`
	Missing []string `json:"missing,omitempty"`
}

type Filter struct {
	UserID        string
	IntegrationID string
	EventType     string
	Action        string
	RiskLevel     RiskLevel
	ResourceType  string
	From          *time.Time
	To            *time.Time
	// Tags match when at least one overlaps.
	Tags   []string
	Limit  int
	Offset int
}

type CategoryCounts struct {
	Security      int `json:"security"`
	Data          int `json:"data"`
	Configuration int `json:"configuration"`
	Error         int `json:"error"`
}

type Statistics struct {
	Total         int               `json:"total"`
	ByEventType   map[string]int    `json:"by_event_type"`
	ByRiskLevel   map[RiskLevel]int `json:"by_risk_level"`
	ByAction      map[string]int    `json:"by_action"`
	ByHour        [24]int           `json:"by_hour"`
	ByUser        map[string]int    `json:"by_user"`
	ByIntegration map[string]int    `json:"by_integration"`
	Categories    CategoryCounts    `json:"categories"`
}

type ComplianceSection struct {
	Count       int            `json:"count"`
	ByEventType map[string]int `json:"by_event_type"`
}

type ComplianceReport struct {
	From                 time.Time         `json:"from"`
	To                   time.Time         `json:"to"`
	GeneratedAt          time.Time         `json:"generated_at"`
	TotalEvents          int               `json:"total_events"`
	ByRiskLevel          map[RiskLevel]int `json:"by_risk_level"`
	DataProcessing       ComplianceSection `json:"data_processing"`
	AccessControl        ComplianceSection `json:"access_control"`
	SecurityIncidents    ComplianceSection `json:"security_incidents"`
	ConfigurationChanges ComplianceSection `json:"configuration_changes"`
	Recommendations      []string          `json:"recommendations,omitempty"`
}
