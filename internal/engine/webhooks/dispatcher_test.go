package webhooks

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/engine/faults"
	"courier/internal/platform/audit"
)

func TestDeliver_EnvelopeAndHeaders(t *testing.T) {
	h := setupHarness(t)
	rc := newReceiver(t, http.StatusOK)
	ctx := context.Background()

	h.createEndpoint(t, "user_1", EndpointInput{
		URL: rc.URL,
		Headers: map[string]string{
			"X-Tenant":   "acme",
			HeaderEvent:  "overridden",
			"User-Agent": "custom-agent",
		},
	})

	result, err := h.service.Trigger(ctx, "user_1", EventContactCreated, json.RawMessage(`{"email":"a@example.com"}`))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Matched)
	assert.Equal(t, 1, result.Delivered)

	reqs := rc.received()
	require.Len(t, reqs, 1)
	req := reqs[0]
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
	assert.Equal(t, "acme", req.Header.Get("X-Tenant"))
	assert.Equal(t, "overridden", req.Header.Get(HeaderEvent), "endpoint headers win over system headers")
	assert.Equal(t, "custom-agent", req.Header.Get("User-Agent"))
	assert.Equal(t, result.Logs[0].ID, req.Header.Get(HeaderDelivery))
	assert.Equal(t, "1740830400", req.Header.Get(HeaderTimestamp))

	var env struct {
		Event     Event           `json:"event"`
		Timestamp time.Time       `json:"timestamp"`
		Data      json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(req.Body, &env))
	assert.Equal(t, EventContactCreated, env.Event)
	assert.True(t, env.Timestamp.Equal(h.clock.Now()))
	assert.JSONEq(t, `{"email":"a@example.com"}`, string(env.Data))
}

func TestDeliver_Authentication(t *testing.T) {
	tests := []struct {
		name  string
		auth  Authentication
		check func(t *testing.T, req capturedRequest)
	}{
		{
			name: "bearer",
			auth: Authentication{Type: AuthBearer, Credentials: map[string]string{"token": "tok_123"}},
			check: func(t *testing.T, req capturedRequest) {
				assert.Equal(t, "Bearer tok_123", req.Header.Get("Authorization"))
			},
		},
		{
			name: "basic",
			auth: Authentication{Type: AuthBasic, Credentials: map[string]string{"username": "ops", "password": "pw"}},
			check: func(t *testing.T, req capturedRequest) {
				assert.Equal(t, "Basic b3BzOnB3", req.Header.Get("Authorization"))
			},
		},
		{
			name: "api key",
			auth: Authentication{Type: AuthAPIKey, Credentials: map[string]string{"key": "X-Api-Key", "value": "k_1"}},
			check: func(t *testing.T, req capturedRequest) {
				assert.Equal(t, "k_1", req.Header.Get("X-Api-Key"))
			},
		},
		{
			name: "hmac",
			auth: Authentication{Type: AuthHMAC, Credentials: map[string]string{"secret": "whsec"}},
			check: func(t *testing.T, req capturedRequest) {
				assert.True(t, Verify("whsec", req.Body, req.Header.Get(SignatureHeader)))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := setupHarness(t)
			rc := newReceiver(t, http.StatusOK)
			auth := tt.auth
			h.createEndpoint(t, "user_1", EndpointInput{URL: rc.URL, Authentication: &auth})

			_, err := h.service.Trigger(context.Background(), "user_1", EventContactCreated, json.RawMessage(`{}`))
			require.NoError(t, err)

			reqs := rc.received()
			require.Len(t, reqs, 1)
			tt.check(t, reqs[0])
		})
	}
}

func TestDeliver_GetSendsNoBody(t *testing.T) {
	h := setupHarness(t)
	rc := newReceiver(t, http.StatusNoContent)

	h.createEndpoint(t, "user_1", EndpointInput{URL: rc.URL, Method: MethodGet})
	_, err := h.service.Trigger(context.Background(), "user_1", EventContactCreated, json.RawMessage(`{"a":1}`))
	require.NoError(t, err)

	reqs := rc.received()
	require.Len(t, reqs, 1)
	assert.Equal(t, http.MethodGet, reqs[0].Method)
	assert.Empty(t, reqs[0].Body)
}

func TestDeliver_OneLogPerAttempt(t *testing.T) {
	h := setupHarness(t)
	rc := newReceiver(t, http.StatusOK)
	ctx := context.Background()

	ep := h.createEndpoint(t, "user_1", EndpointInput{URL: rc.URL})
	full, err := h.repo.Get(ctx, ep.ID)
	require.NoError(t, err)

	entry, err := h.dispatcher.Deliver(ctx, full, EventContactCreated, json.RawMessage(`{"n":1}`), 2)
	require.NoError(t, err)
	assert.True(t, entry.Success)
	require.NotNil(t, entry.Response)
	assert.Equal(t, http.StatusOK, entry.Response.Status)
	assert.Equal(t, `{"ok":true}`, entry.Response.Body)

	logs, err := h.repo.ListDeliveries(ctx, ep.ID, DeliveryFilter{})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, 2, logs[0].Attempt)
	assert.True(t, logs[0].Success)
	assert.Equal(t, http.StatusOK, logs[0].Response.Status)

	stored, err := h.repo.Get(ctx, ep.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stored.SuccessCount)
	assert.EqualValues(t, 0, stored.FailureCount)
	require.NotNil(t, stored.LastTriggered)
	assert.True(t, stored.LastTriggered.Equal(h.clock.Now()))

	entries, err := h.auditor.Query(ctx, audit.Filter{EventType: audit.EventWebhookDelivered})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestDeliver_RetriesWithBackoffThenReports(t *testing.T) {
	h := setupHarness(t)
	rc := newReceiver(t, http.StatusInternalServerError)
	ctx := context.Background()

	ep := h.createEndpoint(t, "user_1", EndpointInput{URL: rc.URL})
	start := h.clock.Now()

	result, err := h.service.Trigger(ctx, "user_1", EventContactCreated, json.RawMessage(`{"id":7}`))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, "HTTP 500: Internal Server Error", result.Logs[0].Error)

	elapsed := time.Duration(0)
	for _, delay := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
		pending := h.queue.Pending()
		require.Len(t, pending, 1)
		elapsed += delay
		assert.Equal(t, start.Add(elapsed), pending[0].RunAt)

		// Nothing runs before the delay elapses.
		h.clock.Advance(delay - time.Millisecond)
		assert.Zero(t, h.runDue(t))
		h.clock.Advance(time.Millisecond)
		assert.Equal(t, 1, h.runDue(t))
	}

	assert.Empty(t, h.queue.Pending(), "no retry after the budget is spent")
	assert.Len(t, rc.received(), 4)

	stored, err := h.repo.Get(ctx, ep.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 4, stored.FailureCount)
	assert.EqualValues(t, 0, stored.SuccessCount)

	logs, err := h.repo.ListDeliveries(ctx, ep.ID, DeliveryFilter{})
	require.NoError(t, err)
	require.Len(t, logs, 4)
	attempts := map[int]bool{}
	for _, l := range logs {
		attempts[l.Attempt] = true
		assert.False(t, l.Success)
	}
	assert.Equal(t, map[int]bool{1: true, 2: true, 3: true, 4: true}, attempts)

	reports := h.reporter.recorded()
	require.Len(t, reports, 1)
	rep := reports[0]
	assert.Equal(t, faults.CategoryWebhook, rep.Category)
	assert.Equal(t, faults.OperationWebhookDelivery, rep.Context.Operation)
	assert.Equal(t, faults.StrategyNoRetry, rep.RetryConfig.Strategy)

	var task RetryTask
	require.NoError(t, json.Unmarshal(rep.Context.Metadata, &task))
	assert.Equal(t, ep.ID, task.EndpointID)
	assert.Equal(t, 4, task.Attempt)
	assert.JSONEq(t, `{"id":7}`, string(task.Payload))
}

func TestDeliver_RecoversOnRetry(t *testing.T) {
	h := setupHarness(t)
	rc := newReceiver(t, http.StatusBadGateway)
	ctx := context.Background()

	ep := h.createEndpoint(t, "user_1", EndpointInput{URL: rc.URL})
	_, err := h.service.Trigger(ctx, "user_1", EventContactCreated, nil)
	require.NoError(t, err)

	rc.setStatus(http.StatusOK)
	h.clock.Advance(time.Second)
	assert.Equal(t, 1, h.runDue(t))
	assert.Empty(t, h.queue.Pending())
	assert.Empty(t, h.reporter.recorded())

	stats, err := h.service.DeliveryStats(ctx, "user_1", ep.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Successful)
	assert.Equal(t, 1, stats.Failed)
	assert.InDelta(t, 0.5, stats.SuccessRate, 0.001)
}

func TestDeliver_NoRetriesConfigured(t *testing.T) {
	h := setupHarness(t)
	rc := newReceiver(t, http.StatusInternalServerError)

	h.createEndpoint(t, "user_1", EndpointInput{
		URL:         rc.URL,
		RetryPolicy: &RetryPolicy{MaxRetries: 0, RetryDelay: time.Second},
	})
	_, err := h.service.Trigger(context.Background(), "user_1", EventContactCreated, nil)
	require.NoError(t, err)

	assert.Empty(t, h.queue.Pending())
	assert.Len(t, h.reporter.recorded(), 1)
}

func TestDeliver_TransportErrorIsLogged(t *testing.T) {
	h := setupHarness(t)
	rc := newReceiver(t, http.StatusOK)
	url := rc.URL
	rc.Close()

	ep := h.createEndpoint(t, "user_1", EndpointInput{URL: url})
	result, err := h.service.Trigger(context.Background(), "user_1", EventContactCreated, nil)
	require.NoError(t, err)
	require.Len(t, result.Logs, 1)
	assert.False(t, result.Logs[0].Success)
	assert.NotEmpty(t, result.Logs[0].Error)
	assert.Nil(t, result.Logs[0].Response)

	logs, err := h.repo.ListDeliveries(context.Background(), ep.ID, DeliveryFilter{})
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestRetryPolicy_DelayAfter(t *testing.T) {
	p := RetryPolicy{MaxRetries: 5, RetryDelay: time.Second, ExponentialBackoff: true}
	assert.Equal(t, time.Second, p.DelayAfter(1))
	assert.Equal(t, 2*time.Second, p.DelayAfter(2))
	assert.Equal(t, 8*time.Second, p.DelayAfter(4))

	p.ExponentialBackoff = false
	assert.Equal(t, time.Second, p.DelayAfter(4))
}
