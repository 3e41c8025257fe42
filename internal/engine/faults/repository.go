package faults

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

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const recordColumns = `id, user_id, integration_id, category, severity, message, details, context, stack_trace,
	status, retry_config, retry_count, next_retry_at, resolved_at, resolution, tags, version, created_at, updated_at`

const alertColumns = `id, error_id, level, message, is_active, acknowledged_by, acknowledged_at,
	resolved_by, resolved_at, resolution, created_at, updated_at`

// InsertWithAlert stores a new record and, when alert is non-nil, its alert
// in the same transaction.
func (r *Repository) InsertWithAlert(ctx context.Context, rec *ErrorRecord, alert *Alert) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := insertRecord(ctx, tx, rec); err != nil {
		return err
	}
	if alert != nil {
		if err := insertAlert(ctx, tx, alert); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insertRecord(ctx context.Context, ex execer, rec *ErrorRecord) error {
	retryJSON, err := json.Marshal(rec.RetryConfig)
	if err != nil {
		return err
	}
	ctxJSON, err := marshalContext(rec.Context)
	if err != nil {
		return err
	}
	tagsJSON, err := json.Marshal(nonNilTags(rec.Tags))
	if err != nil {
		return err
	}

	query := `INSERT INTO error_records (` + recordColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = ex.ExecContext(ctx, query,
		rec.ID,
		rec.UserID,
		rec.IntegrationID,
		string(rec.Category),
		string(rec.Severity),
		rec.Message,
		nullJSON(rec.Details),
		ctxJSON,
		rec.StackTrace,
		string(rec.Status),
		string(retryJSON),
		rec.RetryCount,
		nullMillis(rec.NextRetryAt),
		nullMillis(rec.ResolvedAt),
		rec.Resolution,
		string(tagsJSON),
		rec.Version,
		rec.CreatedAt.UnixMilli(),
		rec.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert error record: %w", err)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id string) (*ErrorRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM error_records WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// UpdateCAS writes the mutable fields of rec if its stored version still
// equals expected, and bumps the version.
func (r *Repository) UpdateCAS(ctx context.Context, rec *ErrorRecord, expected int64) error {
	return updateCAS(ctx, r.db, rec, expected)
}

func updateCAS(ctx context.Context, ex execer, rec *ErrorRecord, expected int64) error {
	retryJSON, err := json.Marshal(rec.RetryConfig)
	if err != nil {
		return err
	}

	res, err := ex.ExecContext(ctx, `
		UPDATE error_records
		SET status = ?, retry_count = ?, next_retry_at = ?, resolved_at = ?, resolution = ?,
			retry_config = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`,
		string(rec.Status),
		rec.RetryCount,
		nullMillis(rec.NextRetryAt),
		nullMillis(rec.ResolvedAt),
		rec.Resolution,
		string(retryJSON),
		rec.UpdatedAt.UnixMilli(),
		rec.ID,
		expected,
	)
	if err != nil {
		return fmt.Errorf("failed to update error record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	rec.Version = expected + 1
	return nil
}

// AlertClosure describes how alerts are closed when their error resolves.
type AlertClosure struct {
	By         string
	Resolution string
	// AcknowledgeAs, when set, acknowledges alerts nobody acknowledged yet.
	AcknowledgeAs string
	At            time.Time
}

// Resolve applies a CAS update to a resolved record and deactivates its
// alerts in one transaction.
func (r *Repository) Resolve(ctx context.Context, rec *ErrorRecord, expected int64, closure AlertClosure) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := updateCAS(ctx, tx, rec, expected); err != nil {
		return err
	}

	at := closure.At.UnixMilli()
	_, err = tx.ExecContext(ctx, `
		UPDATE error_alerts
		SET is_active = 0, resolved_by = ?, resolved_at = ?, resolution = ?, updated_at = ?,
			acknowledged_by = CASE WHEN ? <> '' AND acknowledged_by = '' THEN ? ELSE acknowledged_by END,
			acknowledged_at = CASE WHEN ? <> '' AND acknowledged_at IS NULL THEN ? ELSE acknowledged_at END
		WHERE error_id = ? AND is_active = 1
	`, closure.By, at, closure.Resolution, at,
		closure.AcknowledgeAs, closure.AcknowledgeAs,
		closure.AcknowledgeAs, at,
		rec.ID)
	if err != nil {
		return fmt.Errorf("failed to deactivate alerts: %w", err)
	}
	return tx.Commit()
}

// Due returns retrying records whose next retry time has passed, oldest first.
func (r *Repository) Due(ctx context.Context, now time.Time, limit int) ([]*ErrorRecord, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM error_records
		WHERE status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?
		ORDER BY next_retry_at ASC
		LIMIT ?
	`, string(StatusRetrying), now.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (r *Repository) List(ctx context.Context, f ErrorFilter) ([]*ErrorRecord, error) {
	var where []string
	var args []any

	if f.Category != "" {
		where = append(where, "category = ?")
		args = append(args, string(f.Category))
	}
	if f.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, string(f.Severity))
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.IntegrationID != "" {
		where = append(where, "integration_id = ?")
		args = append(args, f.IntegrationID)
	}
	if f.Operation != "" {
		opJSON, _ := json.Marshal(f.Operation)
		where = append(where, `context LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(`"operation":`+string(opJSON))+"%")
	}
	if f.Tag != "" {
		tagJSON, _ := json.Marshal(f.Tag)
		where = append(where, `tags LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(string(tagJSON))+"%")
	}
	if f.From != nil {
		where = append(where, "created_at >= ?")
		args = append(args, f.From.UnixMilli())
	}
	if f.To != nil {
		where = append(where, "created_at <= ?")
		args = append(args, f.To.UnixMilli())
	}

	query := `SELECT ` + recordColumns + ` FROM error_records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Stats aggregates records created in [from, to]. An empty userID covers
// every owner.
func (r *Repository) Stats(ctx context.Context, userID string, from, to time.Time) (*Stats, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT category, severity, status, COUNT(*)
		FROM error_records
		WHERE created_at >= ? AND created_at <= ? AND (? = '' OR user_id = ?)
		GROUP BY category, severity, status
	`, from.UnixMilli(), to.UnixMilli(), userID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := &Stats{
		ByCategory: make(map[Category]int),
		BySeverity: make(map[Severity]int),
		ByStatus:   make(map[Status]int),
	}
	for rows.Next() {
		var category, severity, status string
		var count int
		if err := rows.Scan(&category, &severity, &status, &count); err != nil {
			return nil, err
		}
		stats.Total += count
		stats.ByCategory[Category(category)] += count
		stats.BySeverity[Severity(severity)] += count
		stats.ByStatus[Status(status)] += count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	if terminal := stats.ByStatus[StatusResolved] + stats.ByStatus[StatusFailed]; terminal > 0 {
		stats.ResolutionRate = float64(stats.ByStatus[StatusResolved]) / float64(terminal)
	}

	err = r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM error_alerts a
		JOIN error_records e ON e.id = a.error_id
		WHERE a.is_active = 1 AND (? = '' OR e.user_id = ?)
	`, userID, userID).Scan(&stats.ActiveAlerts)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// DeleteTerminalBefore removes resolved and failed records last updated
// before cutoff, together with their alerts.
func (r *Repository) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	c := cutoff.UnixMilli()
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM error_alerts WHERE error_id IN (
			SELECT id FROM error_records WHERE status IN (?, ?) AND updated_at < ?
		)`, string(StatusResolved), string(StatusFailed), c); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM error_records WHERE status IN (?, ?) AND updated_at < ?`,
		string(StatusResolved), string(StatusFailed), c)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

func insertAlert(ctx context.Context, ex execer, a *Alert) error {
	_, err := ex.ExecContext(ctx, `INSERT INTO error_alerts (`+alertColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ErrorID, string(a.Level), a.Message, a.IsActive,
		a.AcknowledgedBy, nullMillis(a.AcknowledgedAt),
		a.ResolvedBy, nullMillis(a.ResolvedAt), a.Resolution,
		a.CreatedAt.UnixMilli(), a.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert error alert: %w", err)
	}
	return nil
}

func (r *Repository) GetAlert(ctx context.Context, id string) (*Alert, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM error_alerts WHERE id = ?`, id)
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

func (r *Repository) ListAlerts(ctx context.Context, f AlertFilter) ([]*Alert, error) {
	var where []string
	var args []any
	if f.ErrorID != "" {
		where = append(where, "error_id = ?")
		args = append(args, f.ErrorID)
	}
	if f.ActiveOnly {
		where = append(where, "is_active = 1")
	}
	if f.Unacknowledged {
		where = append(where, "acknowledged_by = ''")
	}

	query := `SELECT ` + alertColumns + ` FROM error_alerts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
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
		UPDATE error_alerts SET acknowledged_by = ?, acknowledged_at = ?, updated_at = ? WHERE id = ?
	`, by, at.UnixMilli(), at.UnixMilli(), id)
	return affectedOrNotFound(res, err)
}

func (r *Repository) ResolveAlert(ctx context.Context, id, by, resolution string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE error_alerts
		SET is_active = 0, resolved_by = ?, resolved_at = ?, resolution = ?, updated_at = ?,
			acknowledged_by = CASE WHEN acknowledged_by = '' THEN ? ELSE acknowledged_by END,
			acknowledged_at = COALESCE(acknowledged_at, ?)
		WHERE id = ?
	`, by, at.UnixMilli(), resolution, at.UnixMilli(), by, at.UnixMilli(), id)
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

func scanRecord(s scanner) (*ErrorRecord, error) {
	var rec ErrorRecord
	var category, severity, status, retryJSON, tagsJSON string
	var details, ctxJSON sql.NullString
	var nextRetryAt, resolvedAt sql.NullInt64
	var createdAt, updatedAt int64

	err := s.Scan(
		&rec.ID, &rec.UserID, &rec.IntegrationID, &category, &severity, &rec.Message, &details, &ctxJSON, &rec.StackTrace,
		&status, &retryJSON, &rec.RetryCount, &nextRetryAt, &resolvedAt, &rec.Resolution, &tagsJSON,
		&rec.Version, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Category = Category(category)
	rec.Severity = Severity(severity)
	rec.Status = Status(status)
	if details.Valid {
		rec.Details = json.RawMessage(details.String)
	}
	if ctxJSON.Valid && ctxJSON.String != "" {
		var ec ErrorContext
		if err := json.Unmarshal([]byte(ctxJSON.String), &ec); err != nil {
			return nil, fmt.Errorf("corrupt context on error record %s: %w", rec.ID, err)
		}
		rec.Context = &ec
	}
	if err := json.Unmarshal([]byte(retryJSON), &rec.RetryConfig); err != nil {
		return nil, fmt.Errorf("corrupt retry config on error record %s: %w", rec.ID, err)
	}
	if err := json.Unmarshal([]byte(tagsJSON), &rec.Tags); err != nil {
		return nil, fmt.Errorf("corrupt tags on error record %s: %w", rec.ID, err)
	}
	rec.Tags = nonNilTags(rec.Tags)
	rec.NextRetryAt = fromNullMillis(nextRetryAt)
	rec.ResolvedAt = fromNullMillis(resolvedAt)
	rec.CreatedAt = time.UnixMilli(createdAt).UTC()
	rec.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &rec, nil
}

func scanRecords(rows *sql.Rows) ([]*ErrorRecord, error) {
	var out []*ErrorRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanAlert(s scanner) (*Alert, error) {
	var a Alert
	var level string
	var ackAt, resolvedAt sql.NullInt64
	var createdAt, updatedAt int64
	err := s.Scan(&a.ID, &a.ErrorID, &level, &a.Message, &a.IsActive, &a.AcknowledgedBy, &ackAt,
		&a.ResolvedBy, &resolvedAt, &a.Resolution, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	a.Level = Severity(level)
	a.AcknowledgedAt = fromNullMillis(ackAt)
	a.ResolvedAt = fromNullMillis(resolvedAt)
	a.CreatedAt = time.UnixMilli(createdAt).UTC()
	a.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &a, nil
}

func marshalContext(ec *ErrorContext) (sql.NullString, error) {
	if ec == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(ec)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
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

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func nonNilTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
