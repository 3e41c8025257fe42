package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"courier/internal/engine/faults"
	"courier/internal/platform/audit"
	"courier/internal/platform/scheduler"
)

type ServiceOptions struct {
	// Concurrency caps parallel deliveries per Trigger call.
	Concurrency int
	Now         func() time.Time
}

type Service struct {
	repo       *Repository
	dispatcher *Dispatcher
	auditor    Auditor
	opts       ServiceOptions
}

func NewService(repo *Repository, dispatcher *Dispatcher, auditor Auditor, opts ServiceOptions) *Service {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 10
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{repo: repo, dispatcher: dispatcher, auditor: auditor, opts: opts}
}

func (s *Service) Create(ctx context.Context, userID string, in EndpointInput) (*Endpoint, error) {
	now := s.opts.Now().UTC()
	ep := &Endpoint{
		ID:             "wh_" + uuid.New().String(),
		UserID:         userID,
		IntegrationID:  in.IntegrationID,
		Name:           in.Name,
		URL:            in.URL,
		Method:         in.Method,
		IsActive:       true,
		Events:         in.Events,
		Headers:        in.Headers,
		Authentication: Authentication{Type: AuthNone},
		RetryPolicy:    DefaultRetryPolicy,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if ep.Method == "" {
		ep.Method = MethodPost
	}
	if in.Authentication != nil {
		ep.Authentication = *in.Authentication
		if ep.Authentication.Type == "" {
			ep.Authentication.Type = AuthNone
		}
	}
	if in.RetryPolicy != nil {
		ep.RetryPolicy = *in.RetryPolicy
	}
	if in.IsActive != nil {
		ep.IsActive = *in.IsActive
	}

	if err := ValidateEndpoint(ep); err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, ep); err != nil {
		return nil, err
	}

	log.Info().Str("endpoint_id", ep.ID).Str("user_id", userID).Str("url", ep.URL).Msg("webhook endpoint created")
	s.audit(ctx, ep, audit.EventWebhookCreated, "create", fmt.Sprintf("Created webhook %s", ep.Name))
	return ep.Masked(), nil
}

// load fetches an endpoint owned by userID. An empty userID skips the
// ownership check.
func (s *Service) load(ctx context.Context, userID, id string) (*Endpoint, error) {
	ep, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if userID != "" && ep.UserID != userID {
		return nil, ErrNotFound
	}
	return ep, nil
}

func (s *Service) Get(ctx context.Context, userID, id string) (*Endpoint, error) {
	ep, err := s.load(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	return ep.Masked(), nil
}

func (s *Service) List(ctx context.Context, userID string) ([]*Endpoint, error) {
	eps, err := s.repo.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]*Endpoint, 0, len(eps))
	for _, ep := range eps {
		out = append(out, ep.Masked())
	}
	return out, nil
}

func (s *Service) Update(ctx context.Context, userID, id string, upd EndpointUpdate) (*Endpoint, error) {
	ep, err := s.load(ctx, userID, id)
	if err != nil {
		return nil, err
	}

	if upd.Name != nil {
		ep.Name = *upd.Name
	}
	if upd.URL != nil {
		ep.URL = *upd.URL
	}
	if upd.Method != nil {
		ep.Method = *upd.Method
	}
	if upd.Events != nil {
		ep.Events = upd.Events
	}
	if upd.Headers != nil {
		ep.Headers = upd.Headers
	}
	if upd.Authentication != nil {
		ep.Authentication = mergeAuth(ep.Authentication, *upd.Authentication)
	}
	if upd.RetryPolicy != nil {
		ep.RetryPolicy = *upd.RetryPolicy
	}
	if upd.IsActive != nil {
		ep.IsActive = *upd.IsActive
	}
	ep.UpdatedAt = s.opts.Now().UTC()

	if err := ValidateEndpoint(ep); err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, ep); err != nil {
		return nil, err
	}

	log.Info().Str("endpoint_id", ep.ID).Bool("active", ep.IsActive).Msg("webhook endpoint updated")
	s.audit(ctx, ep, audit.EventWebhookUpdated, "update", fmt.Sprintf("Updated webhook %s", ep.Name))
	return ep.Masked(), nil
}

// mergeAuth applies an update; masked values sent back by a client keep the
// stored secret when the auth type is unchanged.
func mergeAuth(current, next Authentication) Authentication {
	if next.Type == "" {
		next.Type = current.Type
	}
	if next.Type != current.Type {
		return next
	}
	merged := Authentication{Type: next.Type, Credentials: make(map[string]string, len(next.Credentials))}
	for k, v := range next.Credentials {
		if v == MaskedCredential {
			v = current.Credentials[k]
		}
		merged.Credentials[k] = v
	}
	if next.Credentials == nil {
		merged.Credentials = current.Credentials
	}
	return merged
}

func (s *Service) SetActive(ctx context.Context, userID, id string, active bool) (*Endpoint, error) {
	return s.Update(ctx, userID, id, EndpointUpdate{IsActive: &active})
}

// Delete removes the endpoint and its delivery logs. Retries already
// scheduled for it become no-ops.
func (s *Service) Delete(ctx context.Context, userID, id string) error {
	ep, err := s.load(ctx, userID, id)
	if err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, ep.ID); err != nil {
		return err
	}

	log.Info().Str("endpoint_id", ep.ID).Msg("webhook endpoint deleted")
	s.audit(ctx, ep, audit.EventWebhookDeleted, "delete", fmt.Sprintf("Deleted webhook %s", ep.Name))
	return nil
}

type TriggerResult struct {
	Matched   int            `json:"matched"`
	Delivered int            `json:"delivered"`
	Failed    int            `json:"failed"`
	Logs      []*DeliveryLog `json:"deliveries"`
}

// Trigger delivers event to every active endpoint of userID subscribed to
// it. Failed deliveries follow each endpoint's retry policy.
func (s *Service) Trigger(ctx context.Context, userID string, event Event, payload json.RawMessage) (*TriggerResult, error) {
	if !event.Valid() {
		return nil, fmt.Errorf("%w: unknown event %q", ErrValidation, event)
	}
	eps, err := s.repo.ListSubscribed(ctx, userID, event)
	if err != nil {
		return nil, err
	}

	result := &TriggerResult{Matched: len(eps), Logs: []*DeliveryLog{}}
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(s.opts.Concurrency)
	for _, ep := range eps {
		ep := ep
		g.Go(func() error {
			entry, err := s.dispatcher.Deliver(ctx, ep, event, payload, 1)
			if err != nil {
				log.Error().Err(err).Str("endpoint_id", ep.ID).Msg("delivery bookkeeping failed")
			}
			mu.Lock()
			defer mu.Unlock()
			if entry.Success {
				result.Delivered++
			} else {
				result.Failed++
			}
			result.Logs = append(result.Logs, entry)
			return nil
		})
	}
	g.Wait()
	return result, nil
}

// Test sends a sample delivery regardless of subscription or active state.
func (s *Service) Test(ctx context.Context, userID, id string) (*DeliveryLog, error) {
	ep, err := s.load(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	event := EventContactCreated
	if len(ep.Events) > 0 {
		event = ep.Events[0]
	}
	payload, _ := json.Marshal(map[string]any{
		"test":       true,
		"message":    "This is a test delivery",
		"webhook_id": ep.ID,
	})
	return s.dispatcher.deliver(ctx, ep, event, payload, 1, false)
}

// HandleRetryTask runs a scheduled re-delivery. Endpoints deleted or
// deactivated since scheduling are skipped. Only storage errors are
// returned, so the runner retries lookups but never re-sends.
func (s *Service) HandleRetryTask(ctx context.Context, task scheduler.Task) error {
	var rt RetryTask
	if err := task.Decode(&rt); err != nil {
		log.Error().Err(err).Str("task_id", task.ID).Msg("dropping malformed webhook retry task")
		return nil
	}

	ep, err := s.repo.Get(ctx, rt.EndpointID)
	if errors.Is(err, ErrNotFound) {
		log.Info().Str("endpoint_id", rt.EndpointID).Msg("webhook endpoint deleted, skipping retry")
		return nil
	}
	if err != nil {
		return err
	}
	if !ep.IsActive {
		log.Info().Str("endpoint_id", ep.ID).Msg("webhook endpoint inactive, skipping retry")
		return nil
	}

	s.dispatcher.Deliver(ctx, ep, rt.Event, rt.Payload, rt.Attempt)
	return nil
}

// Redeliver is the retry operation for error records of exhausted
// deliveries. It sends once; the error record owns further retries.
// ectx.UserID must own the endpoint.
func (s *Service) Redeliver(ctx context.Context, ectx faults.ErrorContext) faults.OperationResult {
	var rt RetryTask
	if err := json.Unmarshal(ectx.Metadata, &rt); err != nil || rt.EndpointID == "" {
		return faults.OperationResult{Message: "webhook retry metadata missing"}
	}
	ep, err := s.repo.Get(ctx, rt.EndpointID)
	if err != nil {
		return faults.OperationResult{Message: err.Error()}
	}
	// The record's owner must own the endpoint, so a reported error can
	// never send through someone else's credentials.
	if ep.UserID != ectx.UserID {
		log.Warn().Str("endpoint_id", ep.ID).Str("user_id", ectx.UserID).Msg("redelivery refused for endpoint of another user")
		return faults.OperationResult{Message: ErrNotFound.Error()}
	}
	if !ep.IsActive {
		return faults.OperationResult{Message: "webhook endpoint is inactive"}
	}

	entry, _ := s.dispatcher.deliver(ctx, ep, rt.Event, rt.Payload, rt.Attempt+1, false)
	if !entry.Success {
		return faults.OperationResult{Message: entry.Error}
	}
	return faults.OperationResult{Success: true}
}

func (s *Service) ListDeliveries(ctx context.Context, userID, id string, f DeliveryFilter) ([]*DeliveryLog, error) {
	ep, err := s.load(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	return s.repo.ListDeliveries(ctx, ep.ID, f)
}

func (s *Service) DeliveryStats(ctx context.Context, userID, id string) (*DeliveryStats, error) {
	ep, err := s.load(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	return s.repo.DeliveryStats(ctx, ep.ID)
}

func (s *Service) audit(ctx context.Context, ep *Endpoint, eventType, action, desc string) {
	if s.auditor == nil {
		return
	}
	meta, _ := json.Marshal(map[string]any{"url": ep.URL, "events": ep.Events, "auth_type": ep.Authentication.Type})
	_, err := s.auditor.CreateAuditLog(ctx, audit.CreateInput{
		EventType:     eventType,
		Action:        action,
		Description:   desc,
		UserID:        ep.UserID,
		IntegrationID: ep.IntegrationID,
		ResourceType:  "webhook_endpoint",
		ResourceID:    ep.ID,
		Metadata:      meta,
		Tags:          []string{"webhook"},
	})
	if err != nil {
		log.Error().Err(err).Str("endpoint_id", ep.ID).Msg("failed to write audit entry")
	}
}
