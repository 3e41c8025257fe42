package webhooks

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"courier/internal/engine/faults"
	"courier/internal/platform/audit"
	"courier/internal/platform/crypto"
	"courier/internal/platform/database"
	"courier/internal/platform/scheduler"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeReporter struct {
	mu     sync.Mutex
	inputs []faults.RecordInput
}

func (r *fakeReporter) RecordError(ctx context.Context, in faults.RecordInput) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inputs = append(r.inputs, in)
	return "err_fake", nil
}

func (r *fakeReporter) recorded() []faults.RecordInput {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]faults.RecordInput(nil), r.inputs...)
}

type capturedRequest struct {
	Method string
	Header http.Header
	Body   []byte
}

// receiver is an httptest server answering every request with status.
type receiver struct {
	*httptest.Server
	mu       sync.Mutex
	status   int
	requests []capturedRequest
}

func newReceiver(t *testing.T, status int) *receiver {
	t.Helper()
	rc := &receiver{status: status}
	rc.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		rc.mu.Lock()
		rc.requests = append(rc.requests, capturedRequest{Method: r.Method, Header: r.Header.Clone(), Body: body})
		status := rc.status
		rc.mu.Unlock()
		w.WriteHeader(status)
		w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(rc.Close)
	return rc
}

func (rc *receiver) setStatus(status int) {
	rc.mu.Lock()
	rc.status = status
	rc.mu.Unlock()
}

func (rc *receiver) received() []capturedRequest {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return append([]capturedRequest(nil), rc.requests...)
}

type harness struct {
	clock      *testClock
	queue      *scheduler.MemoryQueue
	repo       *Repository
	reporter   *fakeReporter
	auditor    *audit.Logger
	dispatcher *Dispatcher
	service    *Service
}

func setupHarness(t *testing.T) *harness {
	t.Helper()
	db, err := database.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clock := &testClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	queue := scheduler.NewMemoryQueue(clock.Now)
	repo := NewRepository(db.DB, crypto.NewSealer("test-credentials-key"))
	reporter := &fakeReporter{}
	auditor := audit.NewLogger(db.DB, audit.Options{Now: clock.Now})
	dispatcher := NewDispatcher(repo, queue, reporter, auditor, DispatcherOptions{Timeout: 5 * time.Second, Now: clock.Now})
	return &harness{
		clock:      clock,
		queue:      queue,
		repo:       repo,
		reporter:   reporter,
		auditor:    auditor,
		dispatcher: dispatcher,
		service:    NewService(repo, dispatcher, auditor, ServiceOptions{Now: clock.Now}),
	}
}

func (h *harness) createEndpoint(t *testing.T, userID string, in EndpointInput) *Endpoint {
	t.Helper()
	if in.Name == "" {
		in.Name = "CRM sync"
	}
	if len(in.Events) == 0 {
		in.Events = []Event{EventContactCreated}
	}
	ep, err := h.service.Create(context.Background(), userID, in)
	require.NoError(t, err)
	return ep
}

// runDue hands every due retry task to the service, as the worker runner would.
func (h *harness) runDue(t *testing.T) int {
	t.Helper()
	ctx := context.Background()
	tasks, err := h.queue.Due(ctx, h.clock.Now(), 0)
	require.NoError(t, err)
	for _, task := range tasks {
		require.Equal(t, RetryTaskName, task.Name)
		require.NoError(t, h.service.HandleRetryTask(ctx, task))
		require.NoError(t, h.queue.Complete(ctx, task.ID))
	}
	return len(tasks)
}
