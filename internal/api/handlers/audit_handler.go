package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"courier/internal/pkg/errors"
	"courier/internal/platform/audit"
)

type AuditHandler struct {
	logger *audit.Logger
	now    func() time.Time
}

func NewAuditHandler(logger *audit.Logger) *AuditHandler {
	return &AuditHandler{logger: logger, now: time.Now}
}

func (h *AuditHandler) filter(w http.ResponseWriter, r *http.Request) (audit.Filter, bool) {
	q := r.URL.Query()
	from, to, ok := queryRange(w, r)
	if !ok {
		return audit.Filter{}, false
	}
	risk := audit.RiskLevel(q.Get("risk_level"))
	if risk != "" && !risk.Valid() {
		errors.BadRequest(w, "risk_level must be one of low, medium, high, critical")
		return audit.Filter{}, false
	}
	return audit.Filter{
		UserID:        q.Get("user_id"),
		IntegrationID: q.Get("integration_id"),
		EventType:     q.Get("event_type"),
		Action:        q.Get("action"),
		RiskLevel:     risk,
		ResourceType:  q.Get("resource_type"),
		From:          from,
		To:            to,
		Tags:          queryList(r, "tags"),
		Limit:         queryInt(r, "limit", 100),
		Offset:        queryInt(r, "offset", 0),
	}, true
}

func writeEntries(w http.ResponseWriter, entries []*audit.Entry) {
	if entries == nil {
		entries = []*audit.Entry{}
	}
	errors.WriteJSON(w, http.StatusOK, map[string]interface{}{"logs": entries, "count": len(entries)})
}

func (h *AuditHandler) List(w http.ResponseWriter, r *http.Request) {
	f, ok := h.filter(w, r)
	if !ok {
		return
	}
	entries, err := h.logger.Query(r.Context(), f)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeEntries(w, entries)
}

func (h *AuditHandler) Get(w http.ResponseWriter, r *http.Request) {
	entry, err := h.logger.Get(r.Context(), param(r, "log_id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	errors.WriteJSON(w, http.StatusOK, entry)
}

func (h *AuditHandler) Search(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		errors.BadRequest(w, "q is required")
		return
	}
	f, ok := h.filter(w, r)
	if !ok {
		return
	}
	entries, err := h.logger.Search(r.Context(), query, f)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeEntries(w, entries)
}

func (h *AuditHandler) Stats(w http.ResponseWriter, r *http.Request) {
	f, ok := h.filter(w, r)
	if !ok {
		return
	}
	stats, err := h.logger.Statistics(r.Context(), f)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	errors.WriteJSON(w, http.StatusOK, stats)
}

// Compliance reports on [from, to], defaulting to the last 30 days.
func (h *AuditHandler) Compliance(w http.ResponseWriter, r *http.Request) {
	from, to, ok := queryRange(w, r)
	if !ok {
		return
	}
	end := h.now().UTC()
	if to != nil {
		end = *to
	}
	start := end.AddDate(0, 0, -30)
	if from != nil {
		start = *from
	}
	if start.After(end) {
		errors.BadRequest(w, "from must not be after to")
		return
	}

	include := true
	if b := queryBool(r, "recommendations"); b != nil {
		include = *b
	}
	report, err := h.logger.ComplianceReport(r.Context(), start, end, include)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	errors.WriteJSON(w, http.StatusOK, report)
}

func (h *AuditHandler) Export(w http.ResponseWriter, r *http.Request) {
	format, err := audit.ParseExportFormat(r.URL.Query().Get("format"))
	if err != nil {
		errors.BadRequest(w, err.Error())
		return
	}
	f, ok := h.filter(w, r)
	if !ok {
		return
	}
	if r.URL.Query().Get("limit") == "" {
		f.Limit = 0
	}

	contentType := "text/csv"
	if format == audit.FormatJSON {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="audit-logs-%s.%s"`, h.now().UTC().Format("20060102"), format))

	n, err := h.logger.Export(r.Context(), w, format, f)
	if err != nil {
		// Headers are already out; the body is truncated.
		log.Error().Err(err).Msg("audit export failed")
		return
	}
	log.Info().Int("entries", n).Str("format", string(format)).Msg("audit logs exported")
}

func (h *AuditHandler) CreateTrail(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		EventIDs    []string        `json:"event_ids"`
		Metadata    json.RawMessage `json:"metadata"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Name == "" {
		errors.BadRequest(w, "name is required")
		return
	}

	trail, err := h.logger.CreateTrail(r.Context(), req.Name, req.Description, req.EventIDs, req.Metadata)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	errors.WriteJSON(w, http.StatusCreated, trail)
}

func (h *AuditHandler) ListTrails(w http.ResponseWriter, r *http.Request) {
	trails, err := h.logger.ListTrails(r.Context(), queryInt(r, "limit", 50), queryInt(r, "offset", 0))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if trails == nil {
		trails = []*audit.Trail{}
	}
	errors.WriteJSON(w, http.StatusOK, map[string]interface{}{"trails": trails, "count": len(trails)})
}

func (h *AuditHandler) GetTrail(w http.ResponseWriter, r *http.Request) {
	trail, err := h.logger.GetTrail(r.Context(), param(r, "trail_id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	errors.WriteJSON(w, http.StatusOK, trail)
}

func (h *AuditHandler) AddToTrail(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EventIDs []string `json:"event_ids"`
	}
	if !decode(w, r, &req) {
		return
	}
	if len(req.EventIDs) == 0 {
		errors.BadRequest(w, "event_ids is required")
		return
	}

	trail, err := h.logger.AddToTrail(r.Context(), param(r, "trail_id"), req.EventIDs...)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	errors.WriteJSON(w, http.StatusOK, trail)
}

func (h *AuditHandler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	activeOnly := true
	if b := queryBool(r, "active"); b != nil {
		activeOnly = *b
	}
	alerts, err := h.logger.ListAlerts(r.Context(), activeOnly, queryInt(r, "limit", 50), queryInt(r, "offset", 0))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if alerts == nil {
		alerts = []*audit.Alert{}
	}
	errors.WriteJSON(w, http.StatusOK, map[string]interface{}{"alerts": alerts, "count": len(alerts)})
}

func (h *AuditHandler) AcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := h.logger.AcknowledgeAlert(r.Context(), param(r, "alert_id"), userID(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	errors.WriteJSON(w, http.StatusOK, alert)
}

func (h *AuditHandler) ResolveAlert(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Resolution string `json:"resolution"`
		Notes      string `json:"notes"`
	}
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	alert, err := h.logger.ResolveAlert(r.Context(), param(r, "alert_id"), userID(r), req.Resolution, req.Notes)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	errors.WriteJSON(w, http.StatusOK, alert)
}

// Cleanup applies retention now. retention_days and preserve_critical
// override the configured values.
func (h *AuditHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	days := 0
	if v := r.URL.Query().Get("retention_days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			errors.BadRequest(w, "retention_days must be a positive integer")
			return
		}
		days = n
	}

	var (
		deleted int64
		err     error
	)
	if preserve := queryBool(r, "preserve_critical"); days > 0 || preserve != nil {
		keep := true
		if preserve != nil {
			keep = *preserve
		}
		deleted, err = h.logger.Cleanup(r.Context(), days, keep)
	} else {
		deleted, err = h.logger.CleanupDefault(r.Context())
	}
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	errors.WriteJSON(w, http.StatusOK, map[string]int64{"deleted": deleted})
}
