package faults

import "strings"

// ClassifyHint carries context that influences the fallback category.
type ClassifyHint struct {
	IntegrationID string
}

type keywordRule struct {
	category Category
	keywords []string
}

// Rules are evaluated in order and the first match wins.
var categoryRules = []keywordRule{
	{CategoryAuthentication, []string{"auth", "token", "unauthorized"}},
	{CategoryRateLimit, []string{"rate limit", "too many requests"}},
	{CategoryNetwork, []string{"network", "connection", "timeout"}},
	{CategoryValidation, []string{"validation", "invalid", "required"}},
	{CategoryWebhook, []string{"webhook"}},
	{CategoryDataSync, []string{"sync", "synchroniz"}},
	{CategoryPermission, []string{"permission", "forbidden", "access denied"}},
	// Shadowed by the network rule, which also matches "timeout".
	{CategoryTimeout, []string{"timeout"}},
}

type severityRule struct {
	severity Severity
	keywords []string
}

var severityRules = []severityRule{
	{SeverityCritical, []string{"critical", "fatal", "auth", "security"}},
	{SeverityHigh, []string{"data loss", "corruption", "sync failed"}},
	{SeverityMedium, []string{"rate limit", "timeout", "temporary"}},
}

// Classify maps a failure message to a category by ordered, case-insensitive
// keyword matching. Messages matching no rule fall back to integration when
// the hint names an integration, otherwise unknown.
func Classify(message string, hint ClassifyHint) Category {
	m := strings.ToLower(message)
	for _, rule := range categoryRules {
		if containsAny(m, rule.keywords) {
			return rule.category
		}
	}
	if hint.IntegrationID != "" {
		return CategoryIntegration
	}
	return CategoryUnknown
}

// ClassifyError classifies err.Error(); a nil error is unknown.
func ClassifyError(err error, hint ClassifyHint) Category {
	if err == nil {
		return CategoryUnknown
	}
	return Classify(err.Error(), hint)
}

// SeverityOf rates a failure message independently of its category.
func SeverityOf(message string) Severity {
	m := strings.ToLower(message)
	for _, rule := range severityRules {
		if containsAny(m, rule.keywords) {
			return rule.severity
		}
	}
	return SeverityLow
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}
