package audit

import "strings"

var (
	criticalMarkers = []string{"security", "auth_failure", "permission_denied"}
	highMarkers     = []string{"config", "credentials", "data_export"}
	mediumMarkers   = []string{"data", "webhook", "version"}
)

// DeriveRiskLevel scores an event by its type and action. The critical
// check runs first, so deleting anything is critical even when the type
// alone would score high.
func DeriveRiskLevel(eventType, action string) RiskLevel {
	t := strings.ToLower(eventType)
	a := strings.ToLower(action)

	switch {
	case containsAny(t, criticalMarkers) || a == "delete":
		return RiskCritical
	case containsAny(t, highMarkers) || a == "update":
		return RiskHigh
	case containsAny(t, mediumMarkers):
		return RiskMedium
	default:
		return RiskLow
	}
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// Category buckets used by Statistics.
var (
	securityMarkers      = []string{"security", "auth", "permission"}
	dataMarkers          = []string{"data", "sync", "export", "import"}
	configurationMarkers = []string{"config", "settings", "credentials"}
	errorMarkers         = []string{"error", "fail"}
)

// Compliance buckets used by ComplianceReport.
var (
	dataProcessingMarkers = []string{"data", "sync", "export", "import", "contact"}
	accessControlMarkers  = []string{"auth", "login", "permission", "access"}
	configChangeMarkers   = []string{"config", "credentials", "settings", EventWebhookCreated, EventWebhookUpdated, EventWebhookDeleted}
)
