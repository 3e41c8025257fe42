package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const entryColumns = `id, event_type, user_id, integration_id, resource_type, resource_id, action, description,
	details, metadata, risk_level, tags, related_events, timestamp, indexed`

const alertColumns = `id, audit_log_id, event_type, risk_level, message, details, is_active, acknowledged_by,
	acknowledged_at, resolved_by, resolved_at, resolution, notes, created_at, updated_at`

const trailColumns = `id, name, description, event_ids, metadata, created_at, updated_at`

// noLimit disables the LIMIT clause for internal aggregation queries.
const noLimit = -1

// Insert appends an entry and, when alert is non-nil, its alert in one
// transaction.
func (r *Repository) Insert(ctx context.Context, e *Entry, alert *Alert) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	tagsJSON, _ := json.Marshal(nonNil(e.Tags))
	relatedJSON, _ := json.Marshal(nonNil(e.RelatedEvents))

	_, err = tx.ExecContext(ctx, `INSERT INTO audit_logs (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.EventType, e.UserID, e.IntegrationID, e.ResourceType, e.ResourceID, e.Action, e.Description,
		nullJSON(e.Details), nullJSON(e.Metadata), string(e.RiskLevel), string(tagsJSON), string(relatedJSON),
		e.Timestamp.UnixMilli(), e.Indexed,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}

	if alert != nil {
		_, err = tx.ExecContext(ctx, `INSERT INTO audit_alerts (`+alertColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			alert.ID, alert.AuditLogID, alert.EventType, string(alert.RiskLevel), alert.Message, nullJSON(alert.Details),
			alert.IsActive, alert.AcknowledgedBy, nullMillis(alert.AcknowledgedAt), alert.ResolvedBy,
			nullMillis(alert.ResolvedAt), alert.Resolution, alert.Notes,
			alert.CreatedAt.UnixMilli(), alert.UpdatedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert audit alert: %w", err)
		}
	}
	return tx.Commit()
}

func (r *Repository) Get(ctx context.Context, id string) (*Entry, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM audit_logs WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

// GetMany returns the entries that exist among ids, keyed by id.
func (r *Repository) GetMany(ctx context.Context, ids []string) (map[string]*Entry, error) {
	out := make(map[string]*Entry, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := r.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM audit_logs WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out[e.ID] = e
	}
	return out, rows.Err()
}

// Query returns entries matching f, newest first. terms are lower-cased
// substrings that must all appear in the searchable text of an entry.
func (r *Repository) Query(ctx context.Context, f Filter, terms []string, limit int) ([]*Entry, error) {
	where, args := buildWhere(f)
	for _, term := range terms {
		where = append(where, `LOWER(description || ' ' || action || ' ' || event_type || ' ' ||
			COALESCE(details, '') || ' ' || COALESCE(metadata, '') || ' ' || tags) LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(term)+"%")
	}

	query := `SELECT ` + entryColumns + ` FROM audit_logs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC"
	if limit != noLimit {
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, f.Offset)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func buildWhere(f Filter) ([]string, []any) {
	var where []string
	var args []any

	add := func(clause string, v any) {
		where = append(where, clause)
		args = append(args, v)
	}
	if f.UserID != "" {
		add("user_id = ?", f.UserID)
	}
	if f.IntegrationID != "" {
		add("integration_id = ?", f.IntegrationID)
	}
	if f.EventType != "" {
		add("event_type = ?", f.EventType)
	}
	if f.Action != "" {
		add("action = ?", f.Action)
	}
	if f.RiskLevel != "" {
		add("risk_level = ?", string(f.RiskLevel))
	}
	if f.ResourceType != "" {
		add("resource_type = ?", f.ResourceType)
	}
	if f.From != nil {
		add("timestamp >= ?", f.From.UnixMilli())
	}
	if f.To != nil {
		add("timestamp <= ?", f.To.UnixMilli())
	}
	if len(f.Tags) > 0 {
		var ors []string
		for _, tag := range f.Tags {
			tagJSON, _ := json.Marshal(tag)
			ors = append(ors, "tags LIKE ? ESCAPE '\\'")
			args = append(args, "%"+escapeLike(string(tagJSON))+"%")
		}
		where = append(where, "("+strings.Join(ors, " OR ")+")")
	}
	return where, args
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// DeleteBefore removes entries older than cutoff, keeping critical ones when
// preserveCritical is set. Alerts of removed entries go with them.
func (r *Repository) DeleteBefore(ctx context.Context, cutoff time.Time, preserveCritical bool) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	cond := "timestamp < ?"
	args := []any{cutoff.UnixMilli()}
	if preserveCritical {
		cond += " AND risk_level <> ?"
		args = append(args, string(RiskCritical))
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM audit_alerts WHERE audit_log_id IN (SELECT id FROM audit_logs WHERE `+cond+`)`, args...); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM audit_logs WHERE `+cond, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

func (r *Repository) GetAlert(ctx context.Context, id string) (*Alert, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM audit_alerts WHERE id = ?`, id)
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

func (r *Repository) ListAlerts(ctx context.Context, activeOnly bool, limit, offset int) ([]*Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM audit_alerts`
	if activeOnly {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`

	rows, err := r.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []*Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

func (r *Repository) AcknowledgeAlert(ctx context.Context, id, by string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE audit_alerts SET acknowledged_by = ?, acknowledged_at = ?, updated_at = ? WHERE id = ?
	`, by, at.UnixMilli(), at.UnixMilli(), id)
	return affectedOrNotFound(res, err)
}

func (r *Repository) ResolveAlert(ctx context.Context, id, by, resolution, notes string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE audit_alerts
		SET is_active = 0, resolved_by = ?, resolved_at = ?, resolution = ?, notes = ?, updated_at = ?,
			acknowledged_by = CASE WHEN acknowledged_by = '' THEN ? ELSE acknowledged_by END,
			acknowledged_at = COALESCE(acknowledged_at, ?)
		WHERE id = ?
	`, by, at.UnixMilli(), resolution, notes, at.UnixMilli(), by, at.UnixMilli(), id)
	return affectedOrNotFound(res, err)
}

func (r *Repository) CreateTrail(ctx context.Context, t *Trail) error {
	idsJSON, _ := json.Marshal(nonNil(t.EventIDs))
	_, err := r.db.ExecContext(ctx, `INSERT INTO audit_trails (`+trailColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.Description, string(idsJSON), nullJSON(t.Metadata), t.CreatedAt.UnixMilli(), t.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert audit trail: %w", err)
	}
	return nil
}

func (r *Repository) GetTrail(ctx context.Context, id string) (*Trail, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+trailColumns+` FROM audit_trails WHERE id = ?`, id)
	t, err := scanTrail(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func (r *Repository) ListTrails(ctx context.Context, limit, offset int) ([]*Trail, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+trailColumns+` FROM audit_trails ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trails []*Trail
	for rows.Next() {
		t, err := scanTrail(rows)
		if err != nil {
			return nil, err
		}
		trails = append(trails, t)
	}
	return trails, rows.Err()
}

func (r *Repository) UpdateTrailEvents(ctx context.Context, id string, eventIDs []string, at time.Time) error {
	idsJSON, _ := json.Marshal(nonNil(eventIDs))
	res, err := r.db.ExecContext(ctx, `UPDATE audit_trails SET event_ids = ?, updated_at = ? WHERE id = ?`,
		string(idsJSON), at.UnixMilli(), id)
	return affectedOrNotFound(res, err)
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

func scanEntry(s scanner) (*Entry, error) {
	var e Entry
	var risk, tagsJSON, relatedJSON string
	var details, metadata sql.NullString
	var ts int64

	err := s.Scan(&e.ID, &e.EventType, &e.UserID, &e.IntegrationID, &e.ResourceType, &e.ResourceID, &e.Action,
		&e.Description, &details, &metadata, &risk, &tagsJSON, &relatedJSON, &ts, &e.Indexed)
	if err != nil {
		return nil, err
	}
	e.RiskLevel = RiskLevel(risk)
	if details.Valid {
		e.Details = json.RawMessage(details.String)
	}
	if metadata.Valid {
		e.Metadata = json.RawMessage(metadata.String)
	}
	json.Unmarshal([]byte(tagsJSON), &e.Tags)
	json.Unmarshal([]byte(relatedJSON), &e.RelatedEvents)
	e.Tags = nonNil(e.Tags)
	e.RelatedEvents = nonNil(e.RelatedEvents)
	e.Timestamp = time.UnixMilli(ts).UTC()
	return &e, nil
}

func scanAlert(s scanner) (*Alert, error) {
	var a Alert
	var risk string
	var details sql.NullString
	var ackAt, resolvedAt sql.NullInt64
	var createdAt, updatedAt int64

	err := s.Scan(&a.ID, &a.AuditLogID, &a.EventType, &risk, &a.Message, &details, &a.IsActive, &a.AcknowledgedBy,
		&ackAt, &a.ResolvedBy, &resolvedAt, &a.Resolution, &a.Notes, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	a.RiskLevel = RiskLevel(risk)
	if details.Valid {
		a.Details = json.RawMessage(details.String)
	}
	a.AcknowledgedAt = fromNullMillis(ackAt)
	a.ResolvedAt = fromNullMillis(resolvedAt)
	a.CreatedAt = time.UnixMilli(createdAt).UTC()
	a.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &a, nil
}

func scanTrail(s scanner) (*Trail, error) {
	var t Trail
	var idsJSON string
	var metadata sql.NullString
	var createdAt, updatedAt int64

	if err := s.Scan(&t.ID, &t.Name, &t.Description, &idsJSON, &metadata, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	json.Unmarshal([]byte(idsJSON), &t.EventIDs)
	t.EventIDs = nonNil(t.EventIDs)
	if metadata.Valid {
		t.Metadata = json.RawMessage(metadata.String)
	}
	t.CreatedAt = time.UnixMilli(createdAt).UTC()
	t.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &t, nil
}

func nullJSON(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
