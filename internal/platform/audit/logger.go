package audit

import (
	"context"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"courier/internal/platform/metrics"
)

type Options struct {
	RetentionDays          int
	PreserveCritical       bool
	ExportLimit            int
	SecurityEventThreshold int
	AuthFailureThreshold   int
	Now                    func() time.Time
}

type Logger struct {
	repo *Repository
	opts Options
}

func NewLogger(db *sql.DB, opts Options) *Logger {
	if opts.RetentionDays <= 0 {
		opts.RetentionDays = 365
	}
	if opts.ExportLimit <= 0 {
		opts.ExportLimit = 10000
	}
	if opts.SecurityEventThreshold <= 0 {
		opts.SecurityEventThreshold = 10
	}
	if opts.AuthFailureThreshold <= 0 {
		opts.AuthFailureThreshold = 100
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Logger{repo: NewRepository(db), opts: opts}
}

type actorKey struct{}

// WithActor attaches the acting user id to ctx for entries created without
// an explicit UserID.
func WithActor(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, actorKey{}, userID)
}

func ActorFrom(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey{}).(string); ok {
		return v
	}
	return ""
}

// CreateAuditLog appends an entry. High and critical entries get an active
// alert written in the same transaction.
func (l *Logger) CreateAuditLog(ctx context.Context, in CreateInput) (*Entry, error) {
	if in.EventType == "" || in.Action == "" {
		return nil, fmt.Errorf("event type and action are required")
	}
	risk := in.RiskLevel
	if !risk.Valid() {
		risk = DeriveRiskLevel(in.EventType, in.Action)
	}
	userID := in.UserID
	if userID == "" {
		userID = ActorFrom(ctx)
	}

	now := l.opts.Now().UTC()
	e := &Entry{
		ID:            "audit_" + uuid.New().String(),
		EventType:     in.EventType,
		UserID:        userID,
		IntegrationID: in.IntegrationID,
		ResourceType:  in.ResourceType,
		ResourceID:    in.ResourceID,
		Action:        in.Action,
		Description:   in.Description,
		Details:       in.Details,
		Metadata:      in.Metadata,
		RiskLevel:     risk,
		Tags:          nonNil(in.Tags),
		RelatedEvents: nonNil(in.RelatedEvents),
		Timestamp:     now,
	}

	var alert *Alert
	if risk.Alerting() {
		details, _ := json.Marshal(map[string]string{
			"event_type":    e.EventType,
			"action":        e.Action,
			"resource_type": e.ResourceType,
			"resource_id":   e.ResourceID,
			"user_id":       e.UserID,
		})
		alert = &Alert{
			ID:         "aalert_" + uuid.New().String(),
			AuditLogID: e.ID,
			EventType:  e.EventType,
			RiskLevel:  risk,
			Message:    "High-risk audit event: " + e.Description,
			Details:    details,
			IsActive:   true,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
	}

	if err := l.repo.Insert(ctx, e, alert); err != nil {
		return nil, err
	}

	metrics.AuditEntries.WithLabelValues(string(risk)).Inc()
	if alert != nil {
		metrics.AlertsRaised.WithLabelValues("audit", string(risk)).Inc()
		log.Warn().Str("audit_id", e.ID).Str("event_type", e.EventType).Str("risk_level", string(risk)).Msg(alert.Message)
	}
	return e, nil
}

func (l *Logger) Get(ctx context.Context, id string) (*Entry, error) {
	return l.repo.Get(ctx, id)
}

func (l *Logger) Query(ctx context.Context, f Filter) ([]*Entry, error) {
	return l.repo.Query(ctx, f, nil, pageLimit(f.Limit))
}

// Search requires every whitespace-separated term of query to appear in an
// entry's description, action, event type, details, metadata or tags.
func (l *Logger) Search(ctx context.Context, query string, f Filter) ([]*Entry, error) {
	terms := strings.Fields(strings.ToLower(query))
	return l.repo.Query(ctx, f, terms, pageLimit(f.Limit))
}

func pageLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}

func (l *Logger) Statistics(ctx context.Context, f Filter) (*Statistics, error) {
	entries, err := l.repo.Query(ctx, f, nil, noLimit)
	if err != nil {
		return nil, err
	}

	stats := &Statistics{
		ByEventType:   make(map[string]int),
		ByRiskLevel:   make(map[RiskLevel]int),
		ByAction:      make(map[string]int),
		ByUser:        make(map[string]int),
		ByIntegration: make(map[string]int),
	}
	for _, e := range entries {
		stats.Total++
		stats.ByEventType[e.EventType]++
		stats.ByRiskLevel[e.RiskLevel]++
		stats.ByAction[e.Action]++
		stats.ByHour[e.Timestamp.Hour()]++
		if e.UserID != "" {
			stats.ByUser[e.UserID]++
		}
		if e.IntegrationID != "" {
			stats.ByIntegration[e.IntegrationID]++
		}

		t := strings.ToLower(e.EventType)
		if containsAny(t, securityMarkers) {
			stats.Categories.Security++
		}
		if containsAny(t, dataMarkers) {
			stats.Categories.Data++
		}
		if containsAny(t, configurationMarkers) {
			stats.Categories.Configuration++
		}
		if containsAny(t, errorMarkers) {
			stats.Categories.Error++
		}
	}
	return stats, nil
}

func newSection() ComplianceSection {
	return ComplianceSection{ByEventType: make(map[string]int)}
}

func (s *ComplianceSection) add(e *Entry) {
	s.Count++
	s.ByEventType[e.EventType]++
}

// ComplianceReport groups entries in [from, to] into compliance sections.
// An entry may count toward more than one section.
func (l *Logger) ComplianceReport(ctx context.Context, from, to time.Time, includeRecommendations bool) (*ComplianceReport, error) {
	entries, err := l.repo.Query(ctx, Filter{From: &from, To: &to}, nil, noLimit)
	if err != nil {
		return nil, err
	}

	report := &ComplianceReport{
		From:                 from,
		To:                   to,
		GeneratedAt:          l.opts.Now().UTC(),
		TotalEvents:          len(entries),
		ByRiskLevel:          make(map[RiskLevel]int),
		DataProcessing:       newSection(),
		AccessControl:        newSection(),
		SecurityIncidents:    newSection(),
		ConfigurationChanges: newSection(),
	}

	var highRisk, authFailures, dataExports int
	for _, e := range entries {
		report.ByRiskLevel[e.RiskLevel]++
		t := strings.ToLower(e.EventType)

		if containsAny(t, dataProcessingMarkers) {
			report.DataProcessing.add(e)
		}
		if containsAny(t, accessControlMarkers) {
			report.AccessControl.add(e)
		}
		if strings.Contains(t, "security") || e.RiskLevel == RiskCritical {
			report.SecurityIncidents.add(e)
		}
		if containsAny(t, configChangeMarkers) {
			report.ConfigurationChanges.add(e)
		}

		if e.RiskLevel.Alerting() {
			highRisk++
		}
		if strings.Contains(t, EventAuthFailure) {
			authFailures++
		}
		if strings.Contains(t, EventDataExport) {
			dataExports++
		}
	}

	if includeRecommendations {
		if highRisk > l.opts.SecurityEventThreshold {
			report.Recommendations = append(report.Recommendations,
				fmt.Sprintf("Review security controls: %d high or critical risk events occurred in this period", highRisk))
		}
		if authFailures > l.opts.AuthFailureThreshold {
			report.Recommendations = append(report.Recommendations,
				fmt.Sprintf("Implement account lockout and MFA: %d authentication failures were recorded", authFailures))
		}
		if dataExports > 0 {
			report.Recommendations = append(report.Recommendations,
				fmt.Sprintf("Review data export activity: %d exports were recorded; confirm each was authorised", dataExports))
		}
	}
	return report, nil
}

func (l *Logger) CreateTrail(ctx context.Context, name, description string, eventIDs []string, metadata json.RawMessage) (*Trail, error) {
	if name == "" {
		return nil, fmt.Errorf("trail name is required")
	}
	now := l.opts.Now().UTC()
	t := &Trail{
		ID:          "trail_" + uuid.New().String(),
		Name:        name,
		Description: description,
		EventIDs:    appendUnique(nil, eventIDs...),
		Metadata:    metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := l.repo.CreateTrail(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// AddToTrail appends ids not already in the trail, keeping order.
func (l *Logger) AddToTrail(ctx context.Context, trailID string, eventIDs ...string) (*Trail, error) {
	t, err := l.repo.GetTrail(ctx, trailID)
	if err != nil {
		return nil, err
	}
	t.EventIDs = appendUnique(t.EventIDs, eventIDs...)
	t.UpdatedAt = l.opts.Now().UTC()
	if err := l.repo.UpdateTrailEvents(ctx, t.ID, t.EventIDs, t.UpdatedAt); err != nil {
		return nil, err
	}
	return t, nil
}

func appendUnique(dst []string, ids ...string) []string {
	seen := make(map[string]bool, len(dst))
	for _, id := range dst {
		seen[id] = true
	}
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		dst = append(dst, id)
	}
	return nonNil(dst)
}

func (l *Logger) GetTrail(ctx context.Context, id string) (*TrailDetail, error) {
	t, err := l.repo.GetTrail(ctx, id)
	if err != nil {
		return nil, err
	}
	found, err := l.repo.GetMany(ctx, t.EventIDs)
	if err != nil {
		return nil, err
	}

	detail := &TrailDetail{Trail: *t, Entries: []*Entry{}}
	for _, eid := range t.EventIDs {
		if e, ok := found[eid]; ok {
			detail.Entries = append(detail.Entries, e)
		} else {
			detail.Missing = append(detail.Missing, eid)
		}
	}
	return detail, nil
}

func (l *Logger) ListTrails(ctx context.Context, limit, offset int) ([]*Trail, error) {
	return l.repo.ListTrails(ctx, pageLimit(limit), offset)
}

func (l *Logger) ListAlerts(ctx context.Context, activeOnly bool, limit, offset int) ([]*Alert, error) {
	return l.repo.ListAlerts(ctx, activeOnly, pageLimit(limit), offset)
}

func (l *Logger) AcknowledgeAlert(ctx context.Context, id, by string) (*Alert, error) {
	if err := l.repo.AcknowledgeAlert(ctx, id, by, l.opts.Now().UTC()); err != nil {
		return nil, err
	}
	return l.repo.GetAlert(ctx, id)
}

func (l *Logger) ResolveAlert(ctx context.Context, id, by, resolution, notes string) (*Alert, error) {
	if err := l.repo.ResolveAlert(ctx, id, by, resolution, notes, l.opts.Now().UTC()); err != nil {
		return nil, err
	}
	return l.repo.GetAlert(ctx, id)
}

// Cleanup deletes entries older than retentionDays. Zero or negative
// retentionDays uses the configured retention.
func (l *Logger) Cleanup(ctx context.Context, retentionDays int, preserveCritical bool) (int64, error) {
	if retentionDays <= 0 {
		retentionDays = l.opts.RetentionDays
	}
	cutoff := l.opts.Now().AddDate(0, 0, -retentionDays)
	n, err := l.repo.DeleteBefore(ctx, cutoff, preserveCritical)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up audit logs: %w", err)
	}
	log.Info().Int64("deleted", n).Time("cutoff", cutoff).Bool("preserve_critical", preserveCritical).Msg("audit log cleanup complete")
	return n, nil
}

// CleanupDefault runs Cleanup with the configured retention settings.
func (l *Logger) CleanupDefault(ctx context.Context) (int64, error) {
	return l.Cleanup(ctx, l.opts.RetentionDays, l.opts.PreserveCritical)
}

type ExportFormat string

const (
	FormatCSV  ExportFormat = "csv"
	FormatJSON ExportFormat = "json"
)

const defaultExportWindow = 30 * 24 * time.Hour

var csvHeader = []string{
	"id", "timestamp", "event_type", "action", "risk_level", "user_id", "integration_id",
	"resource_type", "resource_id", "description", "tags", "details", "metadata",
}

// Export writes entries matching f to w, newest first, capped at the export
// limit. Without bounds the last 30 days are exported. The export itself is
// audited as a data_export event.
func (l *Logger) Export(ctx context.Context, w io.Writer, format ExportFormat, f Filter) (int, error) {
	now := l.opts.Now().UTC()
	if f.To == nil {
		f.To = &now
	}
	if f.From == nil {
		from := f.To.Add(-defaultExportWindow)
		f.From = &from
	}
	limit := l.opts.ExportLimit
	if f.Limit > 0 && f.Limit < limit {
		limit = f.Limit
	}
	f.Offset = 0

	entries, err := l.repo.Query(ctx, f, nil, limit)
	if err != nil {
		return 0, err
	}

	switch format {
	case FormatCSV:
		err = writeCSV(w, entries)
	case FormatJSON:
		if entries == nil {
			entries = []*Entry{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		err = enc.Encode(entries)
	default:
		return 0, fmt.Errorf("unsupported export format %q", format)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to write export: %w", err)
	}

	meta, _ := json.Marshal(map[string]any{
		"format": format,
		"count":  len(entries),
		"from":   f.From,
		"to":     f.To,
	})
	if _, err := l.CreateAuditLog(ctx, CreateInput{
		EventType:    EventDataExport,
		Action:       "export",
		Description:  fmt.Sprintf("Exported %d audit log entries as %s", len(entries), format),
		ResourceType: "audit_log",
		Metadata:     meta,
	}); err != nil {
		log.Error().Err(err).Msg("failed to audit export")
	}
	return len(entries), nil
}

func writeCSV(w io.Writer, entries []*Entry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, e := range entries {
		record := []string{
			e.ID,
			e.Timestamp.Format(time.RFC3339),
			e.EventType,
			e.Action,
			string(e.RiskLevel),
			e.UserID,
			e.IntegrationID,
			e.ResourceType,
			e.ResourceID,
			e.Description,
			strings.Join(e.Tags, ";"),
			string(e.Details),
			string(e.Metadata),
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ParseExportFormat defaults to CSV.
func ParseExportFormat(s string) (ExportFormat, error) {
	switch strings.ToLower(s) {
	case "", "csv":
		return FormatCSV, nil
	case "json":
		return FormatJSON, nil
	}
	return "", fmt.Errorf("unsupported export format %q", s)
}
