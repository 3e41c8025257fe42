package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
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

func setupLogger(t *testing.T, opts Options) (*Logger, *testClock) {
	t.Helper()
	db, err := database.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clock := &testClock{t: time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)}
	opts.Now = clock.Now
	return NewLogger(db.DB, opts), clock
}

func mustLog(t *testing.T, l *Logger, in CreateInput) *Entry {
	t.Helper()
	e, err := l.CreateAuditLog(context.Background(), in)
	require.NoError(t, err)
	return e
}

func TestCreateAuditLog_RiskAndAlerts(t *testing.T) {
	l, _ := setupLogger(t, Options{})
	ctx := WithActor(context.Background(), "user_7")

	low, err := l.CreateAuditLog(ctx, CreateInput{EventType: "campaign_viewed", Action: "read", Description: "viewed"})
	require.NoError(t, err)
	assert.Equal(t, RiskLow, low.RiskLevel)
	assert.Equal(t, "user_7", low.UserID)

	high, err := l.CreateAuditLog(ctx, CreateInput{EventType: "config_updated", Action: "update", Description: "changed sender domain"})
	require.NoError(t, err)
	assert.Equal(t, RiskHigh, high.RiskLevel)

	explicit, err := l.CreateAuditLog(ctx, CreateInput{EventType: "security_scan", Action: "create", Description: "scan", RiskLevel: RiskLow})
	require.NoError(t, err)
	assert.Equal(t, RiskLow, explicit.RiskLevel)

	alerts, err := l.ListAlerts(ctx, true, 0, 0)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, high.ID, alerts[0].AuditLogID)
	assert.Equal(t, "High-risk audit event: changed sender domain", alerts[0].Message)

	ack, err := l.AcknowledgeAlert(ctx, alerts[0].ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, "admin", ack.AcknowledgedBy)
	assert.True(t, ack.IsActive)

	resolved, err := l.ResolveAlert(ctx, alerts[0].ID, "admin", "expected change", "ticket 42")
	require.NoError(t, err)
	assert.False(t, resolved.IsActive)
	assert.Equal(t, "ticket 42", resolved.Notes)

	_, err = l.AcknowledgeAlert(ctx, "missing", "admin")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = l.CreateAuditLog(ctx, CreateInput{Action: "read"})
	assert.Error(t, err)
}

func TestQueryAndSearch(t *testing.T) {
	l, clock := setupLogger(t, Options{})
	ctx := context.Background()

	first := mustLog(t, l, CreateInput{
		EventType: "contact_imported", Action: "create", Description: "Imported 200 contacts",
		UserID: "u1", Tags: []string{"import", "csv"}, Metadata: json.RawMessage(`{"source":"Shopify"}`),
	})
	clock.Advance(time.Minute)
	mustLog(t, l, CreateInput{
		EventType: "webhook_delivered", Action: "send", Description: "Delivered contact.created",
		UserID: "u2", IntegrationID: "int_1", Tags: []string{"webhook"},
	})
	clock.Advance(time.Minute)
	mustLog(t, l, CreateInput{EventType: "report_viewed", Action: "read", Description: "100% open rate", UserID: "u1"})

	entries, err := l.Query(ctx, Filter{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "report_viewed", entries[0].EventType)

	entries, err = l.Query(ctx, Filter{Tags: []string{"webhook", "nope"}})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "int_1", entries[0].IntegrationID)

	to := first.Timestamp
	entries, err = l.Query(ctx, Filter{To: &to})
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	entries, err = l.Query(ctx, Filter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "webhook_delivered", entries[0].EventType)

	// terms are ANDed, each may hit a different field
	entries, err = l.Search(ctx, "CONTACT shopify", Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, first.ID, entries[0].ID)

	entries, err = l.Search(ctx, "contact", Filter{})
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	// LIKE wildcards in terms are literal
	entries, err = l.Search(ctx, "100%", Filter{})
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	entries, err = l.Search(ctx, "contact", Filter{UserID: "u2"})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestStatistics(t *testing.T) {
	l, clock := setupLogger(t, Options{})
	ctx := context.Background()

	mustLog(t, l, CreateInput{EventType: "auth_failure", Action: "login", Description: "bad password", UserID: "u1"})
	mustLog(t, l, CreateInput{EventType: "data_sync_failed", Action: "sync", Description: "sync failed", IntegrationID: "int_1"})
	clock.Advance(2 * time.Hour)
	mustLog(t, l, CreateInput{EventType: "settings_changed", Action: "update", Description: "settings", UserID: "u1"})

	stats, err := l.Statistics(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.ByUser["u1"])
	assert.Equal(t, 1, stats.ByIntegration["int_1"])
	assert.Equal(t, 2, stats.ByHour[9])
	assert.Equal(t, 1, stats.ByHour[11])
	assert.Equal(t, 1, stats.ByRiskLevel[RiskCritical])
	assert.Equal(t, CategoryCounts{Security: 1, Data: 1, Configuration: 1, Error: 2}, stats.Categories)
}

func TestComplianceReport(t *testing.T) {
	l, clock := setupLogger(t, Options{SecurityEventThreshold: 2, AuthFailureThreshold: 1})
	ctx := context.Background()
	from := clock.Now()

	for i := 0; i < 2; i++ {
		mustLog(t, l, CreateInput{EventType: "auth_failure", Action: "login", Description: "bad password"})
	}
	mustLog(t, l, CreateInput{EventType: "data_export", Action: "export", Description: "contacts exported"})
	mustLog(t, l, CreateInput{EventType: "webhook_created", Action: "create", Description: "endpoint added"})
	mustLog(t, l, CreateInput{EventType: "contact_created", Action: "create", Description: "contact"})
	clock.Advance(time.Hour)

	report, err := l.ComplianceReport(ctx, from, clock.Now(), true)
	require.NoError(t, err)
	assert.Equal(t, 5, report.TotalEvents)
	assert.Equal(t, 2, report.AccessControl.Count)
	assert.Equal(t, 2, report.SecurityIncidents.Count)
	assert.Equal(t, 2, report.DataProcessing.Count)
	assert.Equal(t, 1, report.ConfigurationChanges.ByEventType["webhook_created"])
	require.Len(t, report.Recommendations, 3)
	assert.Contains(t, report.Recommendations[0], "Review security controls")
	assert.Contains(t, report.Recommendations[1], "account lockout and MFA")
	assert.Contains(t, report.Recommendations[2], "data export")

	report, err = l.ComplianceReport(ctx, from, clock.Now(), false)
	require.NoError(t, err)
	assert.Empty(t, report.Recommendations)
}

func TestTrails(t *testing.T) {
	l, _ := setupLogger(t, Options{})
	ctx := context.Background()

	a := mustLog(t, l, CreateInput{EventType: "integration_connected", Action: "create", Description: "connected"})
	b := mustLog(t, l, CreateInput{EventType: "integration_synced", Action: "sync", Description: "synced"})

	trail, err := l.CreateTrail(ctx, "Onboarding", "first sync", []string{b.ID}, nil)
	require.NoError(t, err)

	trail, err = l.AddToTrail(ctx, trail.ID, a.ID, b.ID, "audit_gone")
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID, a.ID, "audit_gone"}, trail.EventIDs)

	detail, err := l.GetTrail(ctx, trail.ID)
	require.NoError(t, err)
	require.Len(t, detail.Entries, 2)
	assert.Equal(t, b.ID, detail.Entries[0].ID)
	assert.Equal(t, a.ID, detail.Entries[1].ID)
	assert.Equal(t, []string{"audit_gone"}, detail.Missing)

	trails, err := l.ListTrails(ctx, 0, 0)
	require.NoError(t, err)
	assert.Len(t, trails, 1)

	_, err = l.AddToTrail(ctx, "trail_missing", a.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = l.CreateTrail(ctx, "", "", nil, nil)
	assert.Error(t, err)
}

func TestCleanup(t *testing.T) {
	l, clock := setupLogger(t, Options{})
	ctx := context.Background()

	old := mustLog(t, l, CreateInput{EventType: "campaign_viewed", Action: "read", Description: "old"})
	critical := mustLog(t, l, CreateInput{EventType: "campaign", Action: "delete", Description: "old delete"})
	clock.Advance(400 * 24 * time.Hour)
	recent := mustLog(t, l, CreateInput{EventType: "campaign_viewed", Action: "read", Description: "recent"})

	n, err := l.Cleanup(ctx, 0, true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = l.Get(ctx, old.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = l.Get(ctx, critical.ID)
	assert.NoError(t, err)
	_, err = l.Get(ctx, recent.ID)
	assert.NoError(t, err)

	n, err = l.Cleanup(ctx, 365, false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	alerts, err := l.ListAlerts(ctx, false, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestExport(t *testing.T) {
	l, clock := setupLogger(t, Options{ExportLimit: 2})
	ctx := context.Background()

	for _, d := range []string{"one", "two", "three"} {
		mustLog(t, l, CreateInput{EventType: "contact_created", Action: "create", Description: d, Tags: []string{"a", "b"}})
		clock.Advance(time.Second)
	}

	var buf bytes.Buffer
	n, err := l.Export(ctx, &buf, FormatCSV, Filter{})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, csvHeader, rows[0])
	assert.Equal(t, "three", rows[1][9])
	assert.Equal(t, "a;b", rows[1][10])

	buf.Reset()
	n, err = l.Export(ctx, &buf, FormatJSON, Filter{EventType: "contact_created", Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	var decoded []Entry
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	require.Len(t, decoded, 1)

	exports, err := l.Query(ctx, Filter{EventType: EventDataExport})
	require.NoError(t, err)
	assert.Len(t, exports, 2)
	assert.Equal(t, RiskHigh, exports[0].RiskLevel)

	_, err = l.Export(ctx, &buf, ExportFormat("xml"), Filter{})
	assert.Error(t, err)
}
