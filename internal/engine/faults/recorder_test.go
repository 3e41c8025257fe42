package faults

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/platform/database"
)

type testClock struct {
	t time.Time
}

func (c *testClock) Now() time.Time          { return c.t }
func (c *testClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type harness struct {
	clock     *testClock
	repo      *Repository
	recorder  *Recorder
	ops       *OperationRegistry
	scheduler *RetryScheduler
}

func setupHarness(t *testing.T) *harness {
	t.Helper()
	db, err := database.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clock := &testClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	repo := NewRepository(db.DB)
	policies := DefaultPolicies()
	ops := NewOperationRegistry()
	return &harness{
		clock:     clock,
		repo:      repo,
		recorder:  NewRecorder(repo, policies, clock.Now),
		ops:       ops,
		scheduler: NewRetryScheduler(repo, ops, policies, RetryOptions{Now: clock.Now}),
	}
}

func succeed(ctx context.Context, ectx ErrorContext) OperationResult {
	return OperationResult{Success: true}
}

func fail(ctx context.Context, ectx ErrorContext) OperationResult {
	return OperationResult{Message: "still broken"}
}

func TestRecorder_RateLimitResolvesWithoutAlert(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()
	h.ops.Register(OperationAPIRequest, succeed)

	id, err := h.recorder.RecordError(ctx, RecordInput{
		Category: CategoryRateLimit,
		Message:  "429 from provider",
		Context:  &ErrorContext{Operation: OperationAPIRequest},
	})
	require.NoError(t, err)

	rec, err := h.recorder.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusRetrying, rec.Status)
	assert.Equal(t, SeverityMedium, rec.Severity)
	require.NotNil(t, rec.NextRetryAt)
	assert.Equal(t, h.clock.Now().Add(5*time.Second).UnixMilli(), rec.NextRetryAt.UnixMilli())

	h.clock.Advance(5 * time.Second)
	res, err := h.scheduler.ProcessPendingRetries(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Processed: 1, Resolved: 1}, res)

	rec, err = h.recorder.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, rec.Status)
	assert.Equal(t, autoResolution, rec.Resolution)
	require.NotNil(t, rec.ResolvedAt)
	assert.Nil(t, rec.NextRetryAt)

	alerts, err := h.recorder.ListAlerts(ctx, AlertFilter{ErrorID: id})
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestRecorder_ValidationIsNeverRetried(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()
	h.ops.Register(OperationAPIRequest, succeed)

	id, err := h.recorder.RecordError(ctx, RecordInput{
		Category: CategoryValidation,
		Message:  "email is required",
		Context:  &ErrorContext{Operation: OperationAPIRequest},
	})
	require.NoError(t, err)

	rec, err := h.recorder.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusNew, rec.Status)
	assert.Nil(t, rec.NextRetryAt)
	assert.Equal(t, StrategyNoRetry, rec.RetryConfig.Strategy)

	h.clock.Advance(24 * time.Hour)
	res, err := h.scheduler.ProcessPendingRetries(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Processed)
}

func TestRetryScheduler_BudgetTerminates(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()
	var calls int32
	h.ops.Register(OperationAPIRequest, func(ctx context.Context, ectx ErrorContext) OperationResult {
		atomic.AddInt32(&calls, 1)
		return OperationResult{Message: "HTTP 503"}
	})

	t0 := h.clock.Now()
	id, err := h.recorder.RecordError(ctx, RecordInput{
		Category: CategoryIntegration,
		Message:  "provider unavailable",
		Context:  &ErrorContext{Operation: OperationAPIRequest},
		RetryConfig: &RetryConfig{
			MaxRetries: 3, Strategy: StrategyExponential,
			BaseDelay: time.Second, MaxDelay: time.Minute, BackoffMultiplier: 2,
		},
	})
	require.NoError(t, err)

	expected := []time.Duration{time.Second, 3 * time.Second, 7 * time.Second, 15 * time.Second}
	for i, offset := range expected {
		rec, err := h.recorder.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, StatusRetrying, rec.Status, "sweep %d", i)
		require.NotNil(t, rec.NextRetryAt)
		assert.Equal(t, t0.Add(offset).UnixMilli(), rec.NextRetryAt.UnixMilli(), "sweep %d", i)

		h.clock.t = *rec.NextRetryAt
		_, err = h.scheduler.ProcessPendingRetries(ctx)
		require.NoError(t, err)
	}

	rec, err := h.recorder.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, 3, rec.RetryCount)
	assert.Nil(t, rec.NextRetryAt)
	assert.Equal(t, int32(4), calls)

	// failed records keep their alert for triage
	alerts, err := h.recorder.ListAlerts(ctx, AlertFilter{ErrorID: id, ActiveOnly: true})
	require.NoError(t, err)
	assert.Len(t, alerts, 1)

	h.clock.Advance(time.Hour)
	res, err := h.scheduler.ProcessPendingRetries(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Processed)
}

func TestRetryScheduler_MissingContextFails(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()

	id, err := h.recorder.RecordError(ctx, RecordInput{Category: CategoryUnknown, Message: "mystery"})
	require.NoError(t, err)

	h.clock.Advance(10 * time.Second)
	res, err := h.scheduler.ProcessPendingRetries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Rescheduled)

	rec, err := h.recorder.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusRetrying, rec.Status)
	assert.Equal(t, 1, rec.RetryCount)
	// linear: base + base*1
	assert.Equal(t, h.clock.Now().Add(20*time.Second).UnixMilli(), rec.NextRetryAt.UnixMilli())
}

func TestRetryScheduler_IsolatesPanicsAndFailures(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()
	h.ops.Register("explode", func(ctx context.Context, ectx ErrorContext) OperationResult {
		panic("boom")
	})
	h.ops.Register(OperationAPIRequest, succeed)
	h.ops.Register(OperationDataSync, fail)

	for _, op := range []string{"explode", OperationAPIRequest, OperationDataSync, OperationAPIRequest} {
		_, err := h.recorder.RecordError(ctx, RecordInput{
			Category: CategoryNetwork,
			Message:  "connection reset",
			Context:  &ErrorContext{Operation: op},
		})
		require.NoError(t, err)
	}

	h.clock.Advance(2 * time.Second)
	res, err := h.scheduler.ProcessPendingRetries(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Processed: 4, Resolved: 2, Rescheduled: 2}, res)
}

func TestAlertLifecycle(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()
	h.ops.Register(OperationAPIRequest, succeed)

	t.Run("manual resolve deactivates alert", func(t *testing.T) {
		id, err := h.recorder.RecordError(ctx, RecordInput{Category: CategoryIntegration, Message: "mapping broke"})
		require.NoError(t, err)

		alerts, err := h.recorder.ListAlerts(ctx, AlertFilter{ErrorID: id, ActiveOnly: true})
		require.NoError(t, err)
		require.Len(t, alerts, 1)
		assert.Equal(t, SeverityHigh, alerts[0].Level)

		rec, err := h.recorder.ResolveError(ctx, id, "alice", "fixed mapping")
		require.NoError(t, err)
		assert.Equal(t, StatusResolved, rec.Status)

		alerts, err = h.recorder.ListAlerts(ctx, AlertFilter{ErrorID: id})
		require.NoError(t, err)
		require.Len(t, alerts, 1)
		assert.False(t, alerts[0].IsActive)
		assert.Equal(t, "alice", alerts[0].AcknowledgedBy)
		assert.Equal(t, "fixed mapping", alerts[0].Resolution)
	})

	t.Run("critical severity alerts regardless of policy", func(t *testing.T) {
		id, err := h.recorder.RecordError(ctx, RecordInput{Category: CategoryRateLimit, Severity: SeverityCritical, Message: "quota gone"})
		require.NoError(t, err)
		alerts, err := h.recorder.ListAlerts(ctx, AlertFilter{ErrorID: id, ActiveOnly: true})
		require.NoError(t, err)
		assert.Len(t, alerts, 1)
	})

	t.Run("auto-resolve category is acknowledged by system", func(t *testing.T) {
		id, err := h.recorder.RecordError(ctx, RecordInput{
			Category: CategoryNetwork, Message: "connection reset",
			Context: &ErrorContext{Operation: OperationAPIRequest},
		})
		require.NoError(t, err)

		h.clock.Advance(2 * time.Second)
		_, err = h.scheduler.ProcessPendingRetries(ctx)
		require.NoError(t, err)

		alerts, err := h.recorder.ListAlerts(ctx, AlertFilter{ErrorID: id})
		require.NoError(t, err)
		require.Len(t, alerts, 1)
		assert.False(t, alerts[0].IsActive)
		assert.Equal(t, systemActor, alerts[0].AcknowledgedBy)
	})

	t.Run("human-review category stays unacknowledged", func(t *testing.T) {
		id, err := h.recorder.RecordError(ctx, RecordInput{
			Category: CategoryAuthentication, Message: "token expired",
			Context: &ErrorContext{Operation: OperationAPIRequest},
		})
		require.NoError(t, err)

		h.clock.Advance(time.Second)
		_, err = h.scheduler.ProcessPendingRetries(ctx)
		require.NoError(t, err)

		alerts, err := h.recorder.ListAlerts(ctx, AlertFilter{ErrorID: id})
		require.NoError(t, err)
		require.Len(t, alerts, 1)
		assert.False(t, alerts[0].IsActive)
		assert.Empty(t, alerts[0].AcknowledgedBy)

		pending, err := h.recorder.ListAlerts(ctx, AlertFilter{ErrorID: id, Unacknowledged: true})
		require.NoError(t, err)
		assert.Len(t, pending, 1)
	})
}

func TestRecorder_Capture(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()

	id, err := h.recorder.Capture(ctx, errors.New("Forbidden: missing scope"), &ErrorContext{Operation: OperationAPIRequest}, CaptureOptions{Tags: []string{"mailchimp"}})
	require.NoError(t, err)

	rec, err := h.recorder.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, CategoryPermission, rec.Category)
	assert.Equal(t, SeverityLow, rec.Severity)
	assert.Equal(t, StrategyFixed, rec.RetryConfig.Strategy)
	assert.Equal(t, []string{"mailchimp"}, rec.Tags)
	require.NotNil(t, rec.Context)
	assert.Equal(t, OperationAPIRequest, rec.Context.Operation)

	list, err := h.recorder.List(ctx, ErrorFilter{Tag: "mailchimp"})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	list, err = h.recorder.List(ctx, ErrorFilter{Operation: OperationWebhookDelivery})
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = h.recorder.Capture(ctx, nil, nil, CaptureOptions{})
	assert.Error(t, err)
}

func TestRecorder_RetryNowGivesOneMoreAttempt(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()
	h.ops.Register(OperationWebhookDelivery, fail)

	id, err := h.recorder.RecordError(ctx, RecordInput{
		Category:    CategoryWebhook,
		Message:     "webhook delivery exhausted",
		Context:     &ErrorContext{Operation: OperationWebhookDelivery},
		RetryConfig: &RetryConfig{Strategy: StrategyNoRetry},
	})
	require.NoError(t, err)

	rec, err := h.recorder.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusNew, rec.Status)

	_, err = h.recorder.RetryNow(ctx, id)
	require.NoError(t, err)

	res, err := h.scheduler.ProcessPendingRetries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	rec, err = h.recorder.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, 0, rec.RetryCount)

	_, err = h.recorder.ResolveError(ctx, id, "bob", "")
	require.NoError(t, err)
	_, err = h.recorder.RetryNow(ctx, id)
	assert.ErrorIs(t, err, ErrAlreadyResolved)
}

func TestRecorder_StatsAndCleanup(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()

	resolvedID, err := h.recorder.RecordError(ctx, RecordInput{Category: CategoryIntegration, Message: "a"})
	require.NoError(t, err)
	_, err = h.recorder.RecordError(ctx, RecordInput{Category: CategoryValidation, Message: "b"})
	require.NoError(t, err)
	_, err = h.recorder.ResolveError(ctx, resolvedID, "alice", "")
	require.NoError(t, err)

	stats, err := h.recorder.Stats(ctx, "", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.ByCategory[CategoryValidation])
	assert.Equal(t, 1, stats.ByStatus[StatusResolved])
	assert.Equal(t, 1.0, stats.ResolutionRate)
	assert.Zero(t, stats.ActiveAlerts)

	h.clock.Advance(48 * time.Hour)
	n, err := h.recorder.Cleanup(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = h.recorder.Get(ctx, resolvedID)
	assert.ErrorIs(t, err, ErrNotFound)
	alerts, err := h.recorder.ListAlerts(ctx, AlertFilter{ErrorID: resolvedID})
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestRepository_StaleVersionConflicts(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()

	id, err := h.recorder.RecordError(ctx, RecordInput{Category: CategoryNetwork, Message: "connection reset"})
	require.NoError(t, err)

	first, err := h.repo.Get(ctx, id)
	require.NoError(t, err)
	second, err := h.repo.Get(ctx, id)
	require.NoError(t, err)

	first.RetryCount = 1
	require.NoError(t, h.repo.UpdateCAS(ctx, first, first.Version))
	assert.Equal(t, int64(2), first.Version)

	second.RetryCount = 1
	err = h.repo.UpdateCAS(ctx, second, second.Version)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestRepository_ListFiltersMatchLiterally(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()

	for _, tc := range []struct {
		tag string
		op  string
	}{
		{tag: "batch_1", op: "data_sync"},
		{tag: "batchX1", op: "dataXsync"},
		{tag: "100%", op: "api_request"},
	} {
		_, err := h.recorder.RecordError(ctx, RecordInput{
			Category: CategoryValidation,
			Message:  "rejected " + tc.tag,
			Context:  &ErrorContext{Operation: tc.op},
			Tags:     []string{tc.tag},
		})
		require.NoError(t, err)
	}

	tests := []struct {
		name   string
		filter ErrorFilter
		want   string
	}{
		{"underscore in tag", ErrorFilter{Tag: "batch_1"}, "rejected batch_1"},
		{"percent in tag", ErrorFilter{Tag: "100%"}, "rejected 100%"},
		{"underscore in operation", ErrorFilter{Operation: "data_sync"}, "rejected batch_1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs, err := h.recorder.List(ctx, tt.filter)
			require.NoError(t, err)
			require.Len(t, recs, 1)
			assert.Equal(t, tt.want, recs[0].Message)
		})
	}
}

func TestRepository_CorruptTagsAreReported(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()

	id, err := h.recorder.RecordError(ctx, RecordInput{Category: CategoryValidation, Message: "bad row", Tags: []string{"a"}})
	require.NoError(t, err)
	_, err = h.repo.db.ExecContext(ctx, `UPDATE error_records SET tags = 'not json' WHERE id = ?`, id)
	require.NoError(t, err)

	_, err = h.recorder.Get(ctx, id)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupt tags")
}

func TestRecorder_OwnerScopesListAndStats(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()

	idA, err := h.recorder.RecordError(ctx, RecordInput{
		Category: CategoryIntegration,
		Message:  "CRM rejected the batch",
		Context:  &ErrorContext{Operation: OperationAPIRequest, UserID: "user_a"},
	})
	require.NoError(t, err)
	_, err = h.recorder.RecordError(ctx, RecordInput{
		UserID:   "user_b",
		Category: CategoryIntegration,
		Message:  "ESP rejected the batch",
		Context:  &ErrorContext{Operation: OperationAPIRequest, UserID: "user_a"},
	})
	require.NoError(t, err)

	rec, err := h.recorder.Get(ctx, idA)
	require.NoError(t, err)
	assert.Equal(t, "user_a", rec.UserID, "owner falls back to the context user")

	recs, err := h.recorder.List(ctx, ErrorFilter{UserID: "user_b"})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "user_b", recs[0].Context.UserID, "explicit owner wins over the context")

	stats, err := h.recorder.Stats(ctx, "user_a", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.ActiveAlerts)

	stats, err = h.recorder.Stats(ctx, "", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
}
