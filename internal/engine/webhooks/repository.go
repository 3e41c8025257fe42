package webhooks

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"courier/internal/platform/crypto"
)

// Repository stores endpoints with credentials sealed at rest. Endpoints it
// returns carry plaintext credentials; callers mask them before exposing.
type Repository struct {
	db     *sql.DB
	sealer *crypto.Sealer
}

func NewRepository(db *sql.DB, sealer *crypto.Sealer) *Repository {
	return &Repository{db: db, sealer: sealer}
}

const endpointColumns = `id, user_id, integration_id, name, url, method, is_active, events, headers, auth_type,
	auth_credentials, retry_max, retry_delay_ms, retry_exponential, success_count, failure_count, last_triggered,
	created_at, updated_at`

const deliveryColumns = `id, user_id, webhook_endpoint_id, event, payload, response, response_status, response_time_ms,
	success, error, attempt, timestamp`

func (r *Repository) Create(ctx context.Context, ep *Endpoint) error {
	eventsJSON, headersJSON, sealed, err := r.encode(ep)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `INSERT INTO webhook_endpoints (`+endpointColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ep.ID, ep.UserID, ep.IntegrationID, ep.Name, ep.URL, string(ep.Method), ep.IsActive,
		eventsJSON, headersJSON, string(ep.Authentication.Type), sealed,
		ep.RetryPolicy.MaxRetries, ep.RetryPolicy.RetryDelay.Milliseconds(), ep.RetryPolicy.ExponentialBackoff,
		ep.SuccessCount, ep.FailureCount, nullMillis(ep.LastTriggered),
		ep.CreatedAt.UnixMilli(), ep.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert webhook endpoint: %w", err)
	}
	return nil
}

func (r *Repository) encode(ep *Endpoint) (events, headers, sealed string, err error) {
	eventsJSON, err := json.Marshal(ep.Events)
	if err != nil {
		return "", "", "", err
	}
	hdrs := ep.Headers
	if hdrs == nil {
		hdrs = map[string]string{}
	}
	headersJSON, err := json.Marshal(hdrs)
	if err != nil {
		return "", "", "", err
	}
	if len(ep.Authentication.Credentials) > 0 {
		creds, err := json.Marshal(ep.Authentication.Credentials)
		if err != nil {
			return "", "", "", err
		}
		if sealed, err = r.sealer.Seal(creds); err != nil {
			return "", "", "", fmt.Errorf("failed to seal credentials: %w", err)
		}
	}
	return string(eventsJSON), string(headersJSON), sealed, nil
}

func (r *Repository) Get(ctx context.Context, id string) (*Endpoint, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+endpointColumns+` FROM webhook_endpoints WHERE id = ?`, id)
	ep, err := r.scanEndpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return ep, err
}

func (r *Repository) ListByUser(ctx context.Context, userID string) ([]*Endpoint, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+endpointColumns+` FROM webhook_endpoints WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.scanEndpoints(rows)
}

// ListSubscribed returns the user's active endpoints subscribed to event.
// Event sets are small, so matching happens after the scan.
func (r *Repository) ListSubscribed(ctx context.Context, userID string, event Event) ([]*Endpoint, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+endpointColumns+` FROM webhook_endpoints WHERE user_id = ? AND is_active = 1`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	all, err := r.scanEndpoints(rows)
	if err != nil {
		return nil, err
	}
	var matched []*Endpoint
	for _, ep := range all {
		if ep.Subscribes(event) {
			matched = append(matched, ep)
		}
	}
	return matched, nil
}

// Update writes the editable fields. Delivery counters are only changed by
// RecordAttempt.
func (r *Repository) Update(ctx context.Context, ep *Endpoint) error {
	eventsJSON, headersJSON, sealed, err := r.encode(ep)
	if err != nil {
		return err
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE webhook_endpoints
		SET name = ?, url = ?, method = ?, is_active = ?, events = ?, headers = ?, auth_type = ?,
			auth_credentials = ?, retry_max = ?, retry_delay_ms = ?, retry_exponential = ?, updated_at = ?
		WHERE id = ?
	`, ep.Name, ep.URL, string(ep.Method), ep.IsActive, eventsJSON, headersJSON, string(ep.Authentication.Type),
		sealed, ep.RetryPolicy.MaxRetries, ep.RetryPolicy.RetryDelay.Milliseconds(), ep.RetryPolicy.ExponentialBackoff,
		ep.UpdatedAt.UnixMilli(), ep.ID)
	return affectedOrNotFound(res, err)
}

// Delete removes the endpoint and its delivery logs together.
func (r *Repository) Delete(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM webhook_delivery_logs WHERE webhook_endpoint_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete delivery logs: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM webhook_endpoints WHERE id = ?`, id)
	if err := affectedOrNotFound(res, err); err != nil {
		return err
	}
	return tx.Commit()
}

// RecordAttempt bumps one counter and lastTriggered in a single statement.
// It returns ErrNotFound once the endpoint has been deleted.
func (r *Repository) RecordAttempt(ctx context.Context, id string, success bool, at time.Time) error {
	column := "failure_count"
	if success {
		column = "success_count"
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE webhook_endpoints SET `+column+` = `+column+` + 1, last_triggered = ? WHERE id = ?`,
		at.UnixMilli(), id)
	return affectedOrNotFound(res, err)
}

func (r *Repository) InsertDelivery(ctx context.Context, d *DeliveryLog) error {
	var response sql.NullString
	var status int
	var elapsed int64
	if d.Response != nil {
		data, err := json.Marshal(d.Response)
		if err != nil {
			return err
		}
		response = sql.NullString{String: string(data), Valid: true}
		status = d.Response.Status
		elapsed = d.Response.ResponseTimeMs
	}
	var payload sql.NullString
	if len(d.Payload) > 0 {
		payload = sql.NullString{String: string(d.Payload), Valid: true}
	}

	// The endpoint may be deleted while a request is in flight; the log is
	// only written while it still exists.
	res, err := r.db.ExecContext(ctx, `INSERT INTO webhook_delivery_logs (`+deliveryColumns+`)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		WHERE EXISTS (SELECT 1 FROM webhook_endpoints WHERE id = ?)`,
		d.ID, d.UserID, d.WebhookEndpointID, string(d.Event), payload, response, status, elapsed,
		d.Success, d.Error, d.Attempt, d.Timestamp.UnixMilli(), d.WebhookEndpointID,
	)
	if err != nil {
		return fmt.Errorf("failed to insert delivery log: %w", err)
	}
	return affectedOrNotFound(res, nil)
}

func (r *Repository) ListDeliveries(ctx context.Context, endpointID string, f DeliveryFilter) ([]*DeliveryLog, error) {
	where := []string{"webhook_endpoint_id = ?"}
	args := []any{endpointID}
	if f.Event != "" {
		where = append(where, "event = ?")
		args = append(args, string(f.Event))
	}
	if f.Success != nil {
		where = append(where, "success = ?")
		args = append(args, *f.Success)
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	args = append(args, limit, f.Offset)

	rows, err := r.db.QueryContext(ctx, `SELECT `+deliveryColumns+` FROM webhook_delivery_logs WHERE `+
		strings.Join(where, " AND ")+` ORDER BY timestamp DESC, attempt DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*DeliveryLog
	for rows.Next() {
		var d DeliveryLog
		var event string
		var payload, response sql.NullString
		var status int
		var elapsed, ts int64
		if err := rows.Scan(&d.ID, &d.UserID, &d.WebhookEndpointID, &event, &payload, &response, &status, &elapsed,
			&d.Success, &d.Error, &d.Attempt, &ts); err != nil {
			return nil, err
		}
		d.Event = Event(event)
		if payload.Valid {
			d.Payload = json.RawMessage(payload.String)
		}
		if response.Valid {
			var resp DeliveryResponse
			if json.Unmarshal([]byte(response.String), &resp) == nil {
				d.Response = &resp
			}
		}
		d.Timestamp = time.UnixMilli(ts).UTC()
		logs = append(logs, &d)
	}
	return logs, rows.Err()
}

func (r *Repository) DeliveryStats(ctx context.Context, endpointID string) (*DeliveryStats, error) {
	var stats DeliveryStats
	var avg sql.NullFloat64
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(success), 0), AVG(CASE WHEN response_status > 0 THEN response_time_ms END)
		FROM webhook_delivery_logs WHERE webhook_endpoint_id = ?
	`, endpointID).Scan(&stats.Total, &stats.Successful, &avg)
	if err != nil {
		return nil, err
	}
	stats.Failed = stats.Total - stats.Successful
	if stats.Total > 0 {
		stats.SuccessRate = float64(stats.Successful) / float64(stats.Total)
	}
	if avg.Valid {
		stats.AvgResponseTimeMs = avg.Float64
	}
	return &stats, nil
}

func affectedOrNotFound(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func (r *Repository) scanEndpoint(s scanner) (*Endpoint, error) {
	var ep Endpoint
	var method, eventsJSON, headersJSON, authType, sealed string
	var retryDelayMs int64
	var lastTriggered sql.NullInt64
	var createdAt, updatedAt int64

	err := s.Scan(&ep.ID, &ep.UserID, &ep.IntegrationID, &ep.Name, &ep.URL, &method, &ep.IsActive, &eventsJSON,
		&headersJSON, &authType, &sealed, &ep.RetryPolicy.MaxRetries, &retryDelayMs, &ep.RetryPolicy.ExponentialBackoff,
		&ep.SuccessCount, &ep.FailureCount, &lastTriggered, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	ep.Method = Method(method)
	ep.Authentication.Type = AuthType(authType)
	ep.RetryPolicy.RetryDelay = time.Duration(retryDelayMs) * time.Millisecond
	if err := json.Unmarshal([]byte(eventsJSON), &ep.Events); err != nil {
		return nil, fmt.Errorf("corrupt events on endpoint %s: %w", ep.ID, err)
	}
	if err := json.Unmarshal([]byte(headersJSON), &ep.Headers); err != nil {
		return nil, fmt.Errorf("corrupt headers on endpoint %s: %w", ep.ID, err)
	}
	if ep.Events == nil {
		ep.Events = []Event{}
	}
	if ep.Headers == nil {
		ep.Headers = map[string]string{}
	}
	if sealed != "" {
		plain, err := r.sealer.Open(sealed)
		if err != nil {
			return nil, fmt.Errorf("failed to open credentials for endpoint %s: %w", ep.ID, err)
		}
		if err := json.Unmarshal(plain, &ep.Authentication.Credentials); err != nil {
			return nil, fmt.Errorf("corrupt credentials for endpoint %s: %w", ep.ID, err)
		}
	}
	if lastTriggered.Valid {
		t := time.UnixMilli(lastTriggered.Int64).UTC()
		ep.LastTriggered = &t
	}
	ep.CreatedAt = time.UnixMilli(createdAt).UTC()
	ep.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &ep, nil
}

func (r *Repository) scanEndpoints(rows *sql.Rows) ([]*Endpoint, error) {
	var out []*Endpoint
	for rows.Next() {
		ep, err := r.scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}
