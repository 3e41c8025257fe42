package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"courier/internal/engine/faults"
	"courier/internal/platform/audit"
	"courier/internal/platform/metrics"
	"courier/internal/platform/scheduler"
)

const (
	HeaderEvent     = "X-Courier-Event"
	HeaderTimestamp = "X-Courier-Timestamp"
	HeaderDelivery  = "X-Courier-Delivery"

	DefaultUserAgent       = "Courier-Webhooks/1.0"
	DefaultMaxResponseBody = 4096
)

// ErrorReporter receives deliveries that exhausted their retry budget.
type ErrorReporter interface {
	RecordError(ctx context.Context, in faults.RecordInput) (string, error)
}

// Auditor records delivery outcomes and registry changes.
type Auditor interface {
	CreateAuditLog(ctx context.Context, in audit.CreateInput) (*audit.Entry, error)
}

type DispatcherOptions struct {
	Timeout         time.Duration
	UserAgent       string
	MaxResponseBody int64
	Client          *http.Client
	Now             func() time.Time
}

type Dispatcher struct {
	repo     *Repository
	sched    scheduler.Scheduler
	reporter ErrorReporter
	auditor  Auditor
	client   *http.Client
	opts     DispatcherOptions
}

// NewDispatcher wires the delivery engine. reporter and auditor may be nil.
func NewDispatcher(repo *Repository, sched scheduler.Scheduler, reporter ErrorReporter, auditor Auditor, opts DispatcherOptions) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.MaxResponseBody <= 0 {
		opts.MaxResponseBody = DefaultMaxResponseBody
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	return &Dispatcher{
		repo:     repo,
		sched:    sched,
		reporter: reporter,
		auditor:  auditor,
		client:   client,
		opts:     opts,
	}
}

type envelope struct {
	Event     Event           `json:"event"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Deliver sends one attempt, logs it, updates the endpoint counters and, on
// failure, schedules the next attempt or reports exhaustion.
func (d *Dispatcher) Deliver(ctx context.Context, ep *Endpoint, event Event, payload json.RawMessage, attempt int) (*DeliveryLog, error) {
	return d.deliver(ctx, ep, event, payload, attempt, true)
}

// deliver with followUp false only sends and records; a caller that owns
// the retry loop (the error retry sweep) uses it.
func (d *Dispatcher) deliver(ctx context.Context, ep *Endpoint, event Event, payload json.RawMessage, attempt int, followUp bool) (*DeliveryLog, error) {
	if attempt < 1 {
		attempt = 1
	}
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	now := d.opts.Now().UTC()
	entry := &DeliveryLog{
		ID:                "dlv_" + uuid.New().String(),
		UserID:            ep.UserID,
		WebhookEndpointID: ep.ID,
		Event:             event,
		Payload:           payload,
		Attempt:           attempt,
		Timestamp:         now,
	}
	logger := log.With().
		Str("endpoint_id", ep.ID).
		Str("delivery_id", entry.ID).
		Str("event", string(event)).
		Int("attempt", attempt).
		Logger()

	resp, sendErr := d.send(ctx, ep, entry, now)
	entry.Response = resp
	switch {
	case sendErr != nil:
		entry.Error = sendErr.Error()
	case resp.Status >= 200 && resp.Status < 300:
		entry.Success = true
	default:
		entry.Error = fmt.Sprintf("HTTP %d: %s", resp.Status, http.StatusText(resp.Status))
	}

	outcome := "success"
	if !entry.Success {
		outcome = "failure"
	}
	metrics.WebhookDeliveries.WithLabelValues(string(event), outcome).Inc()
	if resp != nil {
		metrics.WebhookLatency.WithLabelValues(string(event)).Observe(float64(resp.ResponseTimeMs) / 1000)
	}

	var firstErr error
	deleted := false
	if err := d.repo.InsertDelivery(ctx, entry); errors.Is(err, ErrNotFound) {
		deleted = true
	} else if err != nil {
		logger.Error().Err(err).Msg("failed to write delivery log")
		firstErr = err
	}
	if err := d.repo.RecordAttempt(ctx, ep.ID, entry.Success, now); errors.Is(err, ErrNotFound) {
		deleted = true
	} else if err != nil {
		logger.Error().Err(err).Msg("failed to update endpoint counters")
		if firstErr == nil {
			firstErr = err
		}
	}
	if deleted {
		logger.Info().Bool("success", entry.Success).Msg("endpoint deleted during delivery, dropping result")
		return entry, nil
	}

	if entry.Success {
		logger.Info().Int("status", resp.Status).Int64("response_time_ms", resp.ResponseTimeMs).Msg("webhook delivered")
	} else {
		logger.Warn().Str("error", entry.Error).Msg("webhook delivery failed")
		if followUp {
			d.followUp(ctx, ep, entry, logger)
		}
	}

	d.auditDelivery(ctx, ep, entry)
	return entry, firstErr
}

func (d *Dispatcher) send(ctx context.Context, ep *Endpoint, entry *DeliveryLog, now time.Time) (*DeliveryResponse, error) {
	var body []byte
	if ep.Method != MethodGet {
		var err error
		body, err = json.Marshal(envelope{Event: entry.Event, Timestamp: now, Data: entry.Payload})
		if err != nil {
			return nil, fmt.Errorf("failed to encode payload: %w", err)
		}
	}

	method := string(ep.Method)
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, ep.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", d.opts.UserAgent)
	req.Header.Set(HeaderEvent, string(entry.Event))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(now.Unix(), 10))
	req.Header.Set(HeaderDelivery, entry.ID)
	// Endpoint headers are applied after the system headers and win on
	// collision.
	for k, v := range ep.Headers {
		req.Header.Set(k, v)
	}
	applyAuth(req, ep.Authentication, body)

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, d.opts.MaxResponseBody))
	io.Copy(io.Discard, resp.Body)

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	return &DeliveryResponse{
		Status:         resp.StatusCode,
		Headers:        headers,
		Body:           string(data),
		ResponseTimeMs: time.Since(start).Milliseconds(),
	}, nil
}

func applyAuth(req *http.Request, auth Authentication, body []byte) {
	creds := auth.Credentials
	switch auth.Type {
	case AuthBearer:
		req.Header.Set("Authorization", "Bearer "+creds["token"])
	case AuthBasic:
		req.SetBasicAuth(creds["username"], creds["password"])
	case AuthAPIKey:
		if creds["key"] != "" {
			req.Header.Set(creds["key"], creds["value"])
		}
	case AuthHMAC:
		req.Header.Set(SignatureHeader, Signature(creds["secret"], body))
	}
}

func (d *Dispatcher) followUp(ctx context.Context, ep *Endpoint, entry *DeliveryLog, logger zerolog.Logger) {
	policy := ep.RetryPolicy
	if entry.Attempt <= policy.MaxRetries && d.sched != nil {
		delay := policy.DelayAfter(entry.Attempt)
		task := RetryTask{EndpointID: ep.ID, Event: entry.Event, Payload: entry.Payload, Attempt: entry.Attempt + 1}
		taskID, err := d.sched.ScheduleAt(ctx, delay, RetryTaskName, task)
		if err != nil {
			logger.Error().Err(err).Msg("failed to schedule webhook retry")
			d.reportExhausted(ctx, ep, entry, logger)
			return
		}
		logger.Info().Str("task_id", taskID).Dur("delay", delay).Int("next_attempt", task.Attempt).Msg("webhook retry scheduled")
		return
	}
	d.reportExhausted(ctx, ep, entry, logger)
}

// reportExhausted hands the failure to the error recorder for triage. The
// record is not auto-retried; a manual retry re-sends once.
func (d *Dispatcher) reportExhausted(ctx context.Context, ep *Endpoint, entry *DeliveryLog, logger zerolog.Logger) {
	logger.Warn().Int("max_retries", ep.RetryPolicy.MaxRetries).Msg("webhook retries exhausted")
	if d.reporter == nil {
		return
	}

	meta, _ := json.Marshal(RetryTask{EndpointID: ep.ID, Event: entry.Event, Payload: entry.Payload, Attempt: entry.Attempt})
	_, err := d.reporter.RecordError(ctx, faults.RecordInput{
		Category:      faults.CategoryWebhook,
		Message:       fmt.Sprintf("webhook %s delivery of %s failed after %d attempts: %s", ep.Name, entry.Event, entry.Attempt, entry.Error),
		IntegrationID: ep.IntegrationID,
		Context: &faults.ErrorContext{
			Operation: faults.OperationWebhookDelivery,
			Endpoint:  ep.URL,
			Method:    string(ep.Method),
			RequestID: entry.ID,
			UserID:    ep.UserID,
			Metadata:  meta,
		},
		Tags:        []string{"webhook", string(entry.Event)},
		RetryConfig: &faults.RetryConfig{Strategy: faults.StrategyNoRetry},
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to record exhausted webhook delivery")
	}
}

func (d *Dispatcher) auditDelivery(ctx context.Context, ep *Endpoint, entry *DeliveryLog) {
	if d.auditor == nil {
		return
	}
	eventType := audit.EventWebhookDelivered
	desc := fmt.Sprintf("Delivered %s to %s (attempt %d)", entry.Event, ep.Name, entry.Attempt)
	if !entry.Success {
		eventType = audit.EventWebhookDeliveryFailed
		desc = fmt.Sprintf("Failed to deliver %s to %s (attempt %d): %s", entry.Event, ep.Name, entry.Attempt, entry.Error)
	}
	details, _ := json.Marshal(map[string]any{"delivery_id": entry.ID, "attempt": entry.Attempt, "success": entry.Success})

	_, err := d.auditor.CreateAuditLog(ctx, audit.CreateInput{
		EventType:     eventType,
		Action:        "send",
		Description:   desc,
		UserID:        ep.UserID,
		IntegrationID: ep.IntegrationID,
		ResourceType:  "webhook_endpoint",
		ResourceID:    ep.ID,
		Details:       details,
		Tags:          []string{"webhook", string(entry.Event)},
	})
	if err != nil {
		log.Error().Err(err).Str("delivery_id", entry.ID).Msg("failed to audit webhook delivery")
	}
}
