package faults

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"courier/internal/platform/metrics"
)

var ErrAlreadyResolved = errors.New("error record is already resolved")

// RecordInput describes a failure whose category is already known.
// Zero Severity means the policy default; nil RetryConfig means the
// policy-derived config.
type RecordInput struct {
	// UserID owns the record; empty falls back to Context.UserID.
	UserID        string
	Category      Category
	Severity      Severity
	Message       string
	IntegrationID string
	Details       json.RawMessage
	Context       *ErrorContext
	StackTrace    string
	Tags          []string
	RetryConfig   *RetryConfig
}

// CaptureOptions overrides classification for Capture.
type CaptureOptions struct {
	UserID        string
	IntegrationID string
	Category      Category
	Severity      Severity
	Details       json.RawMessage
	StackTrace    string
	Tags          []string
	RetryConfig   *RetryConfig
}

type Recorder struct {
	repo     *Repository
	policies *PolicyTable
	now      func() time.Time
}

func NewRecorder(repo *Repository, policies *PolicyTable, now func() time.Time) *Recorder {
	if policies == nil {
		policies = DefaultPolicies()
	}
	if now == nil {
		now = time.Now
	}
	return &Recorder{repo: repo, policies: policies, now: now}
}

func (r *Recorder) Policies() *PolicyTable {
	return r.policies
}

// RecordError persists a new error record, raises its alert when the policy
// or severity demands one, and schedules the first retry for retryable
// configs. The record and its alert are written in one transaction.
func (r *Recorder) RecordError(ctx context.Context, in RecordInput) (string, error) {
	if in.Message == "" {
		return "", fmt.Errorf("error message is required")
	}
	if !in.Category.Valid() {
		in.Category = CategoryUnknown
	}
	policy := r.policies.Lookup(in.Category)

	severity := in.Severity
	if !severity.Valid() {
		severity = policy.DefaultSeverity
	}
	retryCfg := policy.RetryConfig()
	if in.RetryConfig != nil {
		retryCfg = *in.RetryConfig
	}

	owner := in.UserID
	if owner == "" && in.Context != nil {
		owner = in.Context.UserID
	}
	if in.Context != nil && owner != "" {
		ec := *in.Context
		ec.UserID = owner
		in.Context = &ec
	}

	now := r.now().UTC()
	rec := &ErrorRecord{
		ID:            uuid.New().String(),
		UserID:        owner,
		IntegrationID: in.IntegrationID,
		Category:      in.Category,
		Severity:      severity,
		Message:       in.Message,
		Details:       in.Details,
		Context:       in.Context,
		StackTrace:    in.StackTrace,
		Status:        StatusNew,
		RetryConfig:   retryCfg,
		Tags:          nonNilTags(in.Tags),
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if retryCfg.Retryable() {
		next := now.Add(InitialDelay(retryCfg))
		rec.Status = StatusRetrying
		rec.NextRetryAt = &next
	}

	var alert *Alert
	if policy.ShouldAlert || severity.AtLeastHigh() {
		alert = &Alert{
			ID:        uuid.New().String(),
			ErrorID:   rec.ID,
			Level:     severity,
			Message:   fmt.Sprintf("%s error: %s", rec.Category, rec.Message),
			IsActive:  true,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}

	if err := r.repo.InsertWithAlert(ctx, rec, alert); err != nil {
		return "", err
	}

	metrics.ErrorsRecorded.WithLabelValues(string(rec.Category), string(rec.Severity)).Inc()
	if alert != nil {
		metrics.AlertsRaised.WithLabelValues("error", string(alert.Level)).Inc()
	}

	evt := log.Info()
	if severity.AtLeastHigh() {
		evt = log.Warn()
	}
	evt.Str("error_id", rec.ID).
		Str("category", string(rec.Category)).
		Str("severity", string(rec.Severity)).
		Str("status", string(rec.Status)).
		Bool("alert", alert != nil).
		Msg(rec.Message)

	return rec.ID, nil
}

// Capture classifies err and records it. Explicit options win over the
// classifier.
func (r *Recorder) Capture(ctx context.Context, err error, ectx *ErrorContext, opts CaptureOptions) (string, error) {
	if err == nil {
		return "", fmt.Errorf("cannot capture a nil error")
	}
	msg := err.Error()

	category := opts.Category
	if category == "" {
		category = Classify(msg, ClassifyHint{IntegrationID: opts.IntegrationID})
	}
	severity := opts.Severity
	if severity == "" {
		severity = SeverityOf(msg)
	}

	return r.RecordError(ctx, RecordInput{
		UserID:        opts.UserID,
		Category:      category,
		Severity:      severity,
		Message:       msg,
		IntegrationID: opts.IntegrationID,
		Details:       opts.Details,
		Context:       ectx,
		StackTrace:    opts.StackTrace,
		Tags:          opts.Tags,
		RetryConfig:   opts.RetryConfig,
	})
}

// ResolveError marks a record resolved by a person and closes its alerts.
// Resolving an already resolved record is a no-op.
func (r *Recorder) ResolveError(ctx context.Context, id, resolvedBy, resolution string) (*ErrorRecord, error) {
	rec, err := r.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status == StatusResolved {
		return rec, nil
	}
	if resolution == "" {
		resolution = "Manually resolved"
	}

	now := r.now().UTC()
	expected := rec.Version
	rec.Status = StatusResolved
	rec.ResolvedAt = &now
	rec.Resolution = resolution
	rec.NextRetryAt = nil
	rec.UpdatedAt = now

	closure := AlertClosure{By: resolvedBy, Resolution: resolution, AcknowledgeAs: resolvedBy, At: now}
	if err := r.repo.Resolve(ctx, rec, expected, closure); err != nil {
		return nil, err
	}

	log.Info().Str("error_id", id).Str("resolved_by", resolvedBy).Msg("error record resolved")
	return rec, nil
}

// RetryNow makes a record due immediately. A record whose budget is spent
// gets exactly one more attempt.
func (r *Recorder) RetryNow(ctx context.Context, id string) (*ErrorRecord, error) {
	rec, err := r.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status == StatusResolved {
		return nil, ErrAlreadyResolved
	}

	now := r.now().UTC()
	expected := rec.Version
	rec.Status = StatusRetrying
	rec.NextRetryAt = &now
	rec.UpdatedAt = now
	if err := r.repo.UpdateCAS(ctx, rec, expected); err != nil {
		return nil, err
	}

	log.Info().Str("error_id", id).Int("retry_count", rec.RetryCount).Msg("manual retry scheduled")
	return rec, nil
}

func (r *Recorder) Get(ctx context.Context, id string) (*ErrorRecord, error) {
	return r.repo.Get(ctx, id)
}

func (r *Recorder) List(ctx context.Context, f ErrorFilter) ([]*ErrorRecord, error) {
	return r.repo.List(ctx, f)
}

// Stats aggregates records created in [from, to], limited to userID's
// records unless it is empty. Zero bounds mean unbounded below and now above.
func (r *Recorder) Stats(ctx context.Context, userID string, from, to time.Time) (*Stats, error) {
	if to.IsZero() {
		to = r.now()
	}
	return r.repo.Stats(ctx, userID, from, to)
}

func (r *Recorder) ListAlerts(ctx context.Context, f AlertFilter) ([]*Alert, error) {
	return r.repo.ListAlerts(ctx, f)
}

func (r *Recorder) AcknowledgeAlert(ctx context.Context, id, by string) (*Alert, error) {
	if err := r.repo.AcknowledgeAlert(ctx, id, by, r.now().UTC()); err != nil {
		return nil, err
	}
	return r.repo.GetAlert(ctx, id)
}

func (r *Recorder) ResolveAlert(ctx context.Context, id, by, resolution string) (*Alert, error) {
	if err := r.repo.ResolveAlert(ctx, id, by, resolution, r.now().UTC()); err != nil {
		return nil, err
	}
	return r.repo.GetAlert(ctx, id)
}

// Cleanup deletes resolved and failed records untouched for olderThan.
func (r *Recorder) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := r.now().Add(-olderThan)
	n, err := r.repo.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up error records: %w", err)
	}
	log.Info().Int64("deleted", n).Time("cutoff", cutoff).Msg("error record cleanup complete")
	return n, nil
}
