// Package webhooks registers outbound webhook endpoints and delivers events
// to them with per-endpoint authentication and retry policy.
package webhooks

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound   = errors.New("webhook endpoint not found")
	ErrValidation = errors.New("invalid webhook endpoint")
)

// MaskedCredential replaces every credential value on read paths.
const MaskedCredential = "********"

// RetryTaskName is the scheduler task that carries delivery retries.
const RetryTaskName = "webhook_retry"

type Event string

const (
	EventContactCreated       Event = "contact.created"
	EventContactUpdated       Event = "contact.updated"
	EventContactDeleted       Event = "contact.deleted"
	EventContactUnsubscribed  Event = "contact.unsubscribed"
	EventCampaignCreated      Event = "campaign.created"
	EventCampaignSent         Event = "campaign.sent"
	EventCampaignCompleted    Event = "campaign.completed"
	EventEmailSent            Event = "email.sent"
	EventEmailDelivered       Event = "email.delivered"
	EventEmailOpened          Event = "email.opened"
	EventEmailClicked         Event = "email.clicked"
	EventEmailBounced         Event = "email.bounced"
	EventEmailComplained      Event = "email.complained"
	EventIntegrationConnected Event = "integration.connected"
	EventIntegrationSynced    Event = "integration.synced"
	EventIntegrationFailed    Event = "integration.failed"
	EventUnknown              Event = "unknown"
)

var knownEvents = map[Event]bool{
	EventContactCreated: true, EventContactUpdated: true, EventContactDeleted: true, EventContactUnsubscribed: true,
	EventCampaignCreated: true, EventCampaignSent: true, EventCampaignCompleted: true,
	EventEmailSent: true, EventEmailDelivered: true, EventEmailOpened: true, EventEmailClicked: true,
	EventEmailBounced: true, EventEmailComplained: true,
	EventIntegrationConnected: true, EventIntegrationSynced: true, EventIntegrationFailed: true,
}

// ParseEvent maps unrecognised names to EventUnknown.
func ParseEvent(s string) Event {
	if e := Event(s); knownEvents[e] {
		return e
	}
	return EventUnknown
}

func (e Event) Valid() bool {
	return knownEvents[e]
}

type Method string

const (
	MethodGet    Method = "GET"
	MethodPost   Method = "POST"
	MethodPut    Method = "PUT"
	MethodDelete Method = "DELETE"
)

func (m Method) Valid() bool {
	switch m {
	case MethodGet, MethodPost, MethodPut, MethodDelete:
		return true
	}
	return false
}

type AuthType string

const (
	AuthNone   AuthType = "none"
	AuthBearer AuthType = "bearer"
	AuthBasic  AuthType = "basic"
	AuthAPIKey AuthType = "api_key"
	AuthHMAC   AuthType = "hmac"
)

// requiredCredentials lists the credential keys each auth type needs.
var requiredCredentials = map[AuthType][]string{
	AuthNone:   nil,
	AuthBearer: {"token"},
	AuthBasic:  {"username", "password"},
	AuthAPIKey: {"key", "value"},
	AuthHMAC:   {"secret"},
}

type Authentication struct {
	Type        AuthType          `json:"type"`
	Credentials map[string]string `json:"credentials,omitempty"`
}

type RetryPolicy struct {
	MaxRetries         int
	RetryDelay         time.Duration
	ExponentialBackoff bool
}

var DefaultRetryPolicy = RetryPolicy{MaxRetries: 3, RetryDelay: time.Second, ExponentialBackoff: true}

type retryPolicyJSON struct {
	MaxRetries         int   `json:"max_retries"`
	RetryDelayMs       int64 `json:"retry_delay_ms"`
	ExponentialBackoff bool  `json:"exponential_backoff"`
}

func (p RetryPolicy) MarshalJSON() ([]byte, error) {
	return json.Marshal(retryPolicyJSON{p.MaxRetries, p.RetryDelay.Milliseconds(), p.ExponentialBackoff})
}

func (p *RetryPolicy) UnmarshalJSON(data []byte) error {
	var raw retryPolicyJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*p = RetryPolicy{raw.MaxRetries, time.Duration(raw.RetryDelayMs) * time.Millisecond, raw.ExponentialBackoff}
	return nil
}

// DelayAfter is the wait before re-sending after the given failed attempt.
func (p RetryPolicy) DelayAfter(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if !p.ExponentialBackoff {
		return p.RetryDelay
	}
	shift := attempt - 1
	if shift > 30 {
		shift = 30
	}
	return p.RetryDelay * time.Duration(1<<shift)
}

type Endpoint struct {
	ID             string            `json:"id"`
	UserID         string            `json:"user_id"`
	IntegrationID  string            `json:"integration_id,omitempty"`
	Name           string            `json:"name"`
	URL            string            `json:"url"`
	Method         Method            `json:"method"`
	IsActive       bool              `json:"is_active"`
	Events         []Event           `json:"events"`
	Headers        map[string]string `json:"headers"`
	Authentication Authentication    `json:"authentication"`
	RetryPolicy    RetryPolicy       `json:"retry_policy"`
	SuccessCount   int64             `json:"success_count"`
	FailureCount   int64             `json:"failure_count"`
	LastTriggered  *time.Time        `json:"last_triggered,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Subscribes reports whether the endpoint receives event. An endpoint with
// no events receives nothing.
func (e *Endpoint) Subscribes(event Event) bool {
	for _, ev := range e.Events {
		if ev == event {
			return true
		}
	}
	return false
}

// Masked returns a copy safe to return to API callers.
func (e *Endpoint) Masked() *Endpoint {
	c := *e
	if len(e.Authentication.Credentials) > 0 {
		c.Authentication.Credentials = make(map[string]string, len(e.Authentication.Credentials))
		for k := range e.Authentication.Credentials {
			c.Authentication.Credentials[k] = MaskedCredential
		}
	}
	return &c
}

// EndpointInput creates an endpoint. Zero Method means POST; nil
// RetryPolicy means DefaultRetryPolicy; nil IsActive means active.
type EndpointInput struct {
	Name           string            `json:"name"`
	URL            string            `json:"url"`
	Method         Method            `json:"method"`
	IntegrationID  string            `json:"integration_id"`
	Events         []Event           `json:"events"`
	Headers        map[string]string `json:"headers"`
	Authentication *Authentication   `json:"authentication"`
	RetryPolicy    *RetryPolicy      `json:"retry_policy"`
	IsActive       *bool             `json:"is_active"`
}

// EndpointUpdate is a partial update; nil fields are left unchanged.
// Credential values equal to MaskedCredential keep their stored value.
type EndpointUpdate struct {
	Name           *string           `json:"name"`
	URL            *string           `json:"url"`
	Method         *Method           `json:"method"`
	Events         []Event           `json:"events"`
	Headers        map[string]string `json:"headers"`
	Authentication *Authentication   `json:"authentication"`
	RetryPolicy    *RetryPolicy      `json:"retry_policy"`
	IsActive       *bool             `json:"is_active"`
}

type DeliveryResponse struct {
	Status         int               `json:"status"`
	Headers        map[string]string `json:"headers,omitempty"`
	Body           string            `json:"body,omitempty"`
	ResponseTimeMs int64             `json:"response_time_ms"`
}

type DeliveryLog struct {
	ID                string            `json:"id"`
	UserID            string            `json:"user_id"`
	WebhookEndpointID string            `json:"webhook_endpoint_id"`
	Event             Event             `json:"event"`
	Payload           json.RawMessage   `json:"payload,omitempty"`
	Response          *DeliveryResponse `json:"response,omitempty"`
	Success           bool              `json:"success"`
	Error             string            `json:"error,omitempty"`
	Attempt           int               `json:"attempt"`
	Timestamp         time.Time         `json:"timestamp"`
}

type DeliveryFilter struct {
	Event   Event
	Success *bool
	Limit   int
	Offset  int
}

type DeliveryStats struct {
	Total             int     `json:"total"`
	Successful        int     `json:"successful"`
	Failed            int     `json:"failed"`
	SuccessRate       float64 `json:"success_rate"`
	AvgResponseTimeMs float64 `json:"avg_response_time_ms"`
}

// RetryTask is the scheduler payload for a pending re-delivery.
type RetryTask struct {
	EndpointID string          `json:"endpoint_id"`
	Event      Event           `json:"event"`
	Payload    json.RawMessage `json:"payload"`
	Attempt    int             `json:"attempt"`
}
