package handlers

import (
	"encoding/json"
	stdErrors "errors"
	"net/http"
	"time"

	"courier/internal/api/middleware"
	"courier/internal/engine/faults"
	"courier/internal/pkg/errors"
	"courier/internal/platform/auth"
)

type ErrorHandler struct {
	recorder *faults.Recorder
}

func NewErrorHandler(recorder *faults.Recorder) *ErrorHandler {
	return &ErrorHandler{recorder: recorder}
}

type recordRequest struct {
	Message       string               `json:"message"`
	Category      string               `json:"category"`
	Severity      string               `json:"severity"`
	IntegrationID string               `json:"integration_id"`
	Details       json.RawMessage      `json:"details"`
	Context       *faults.ErrorContext `json:"context"`
	StackTrace    string               `json:"stack_trace"`
	Tags          []string             `json:"tags"`
	RetryConfig   *faults.RetryConfig  `json:"retry_config"`
}

// ownerScope returns the user whose records the caller may touch. Admins
// get an empty owner, meaning every record.
func ownerScope(w http.ResponseWriter, r *http.Request) (string, bool) {
	claims := middleware.ClaimsFrom(r.Context())
	if claims == nil || claims.UserID == "" {
		errors.WriteError(w, http.StatusUnauthorized, errors.ErrCodeUnauthorized, "Authentication required", nil)
		return "", false
	}
	if claims.Role == auth.RoleAdmin {
		return "", true
	}
	return claims.UserID, true
}

// load fetches the routed record, answering 404 for records of other users.
func (h *ErrorHandler) load(w http.ResponseWriter, r *http.Request) (*faults.ErrorRecord, bool) {
	owner, ok := ownerScope(w, r)
	if !ok {
		return nil, false
	}
	rec, err := h.recorder.Get(r.Context(), param(r, "error_id"))
	if err == nil && owner != "" && rec.UserID != owner {
		err = faults.ErrNotFound
	}
	if err != nil {
		writeServiceError(w, r, err)
		return nil, false
	}
	return rec, true
}

// Record stores a reported error. Without a category the message is
// classified.
func (h *ErrorHandler) Record(w http.ResponseWriter, r *http.Request) {
	var req recordRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Message == "" {
		errors.BadRequest(w, "message is required")
		return
	}
	severity := faults.Severity(req.Severity)
	if req.Severity != "" && !severity.Valid() {
		errors.BadRequest(w, "severity must be one of low, medium, high, critical")
		return
	}
	if req.RetryConfig != nil && !req.RetryConfig.Strategy.Valid() {
		errors.BadRequest(w, "retry_config.strategy is not a known strategy")
		return
	}
	// The caller owns what it reports, whatever the body claims.
	caller := userID(r)
	if req.Context != nil {
		req.Context.UserID = caller
	}

	var (
		id  string
		err error
	)
	if req.Category == "" {
		id, err = h.recorder.Capture(r.Context(), stdErrors.New(req.Message), req.Context, faults.CaptureOptions{
			UserID:        caller,
			IntegrationID: req.IntegrationID,
			Severity:      severity,
			Details:       req.Details,
			StackTrace:    req.StackTrace,
			Tags:          req.Tags,
			RetryConfig:   req.RetryConfig,
		})
	} else {
		id, err = h.recorder.RecordError(r.Context(), faults.RecordInput{
			UserID:        caller,
			Category:      faults.ParseCategory(req.Category),
			Severity:      severity,
			Message:       req.Message,
			IntegrationID: req.IntegrationID,
			Details:       req.Details,
			Context:       req.Context,
			StackTrace:    req.StackTrace,
			Tags:          req.Tags,
			RetryConfig:   req.RetryConfig,
		})
	}
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	rec, err := h.recorder.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	errors.WriteJSON(w, http.StatusCreated, rec)
}

func (h *ErrorHandler) List(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerScope(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	from, to, ok := queryRange(w, r)
	if !ok {
		return
	}
	f := faults.ErrorFilter{
		UserID:        owner,
		Category:      faults.Category(q.Get("category")),
		Severity:      faults.Severity(q.Get("severity")),
		Status:        faults.Status(q.Get("status")),
		IntegrationID: q.Get("integration_id"),
		Operation:     q.Get("operation"),
		Tag:           q.Get("tag"),
		From:          from,
		To:            to,
		Limit:         queryInt(r, "limit", 100),
		Offset:        queryInt(r, "offset", 0),
	}
	if f.Status != "" && !f.Status.Valid() {
		errors.BadRequest(w, "status must be one of new, retrying, resolved, failed")
		return
	}

	records, err := h.recorder.List(r.Context(), f)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if records == nil {
		records = []*faults.ErrorRecord{}
	}
	errors.WriteJSON(w, http.StatusOK, map[string]interface{}{"errors": records, "count": len(records)})
}

func (h *ErrorHandler) Get(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.load(w, r)
	if !ok {
		return
	}
	errors.WriteJSON(w, http.StatusOK, rec)
}

func (h *ErrorHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Resolution string `json:"resolution"`
	}
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	current, ok := h.load(w, r)
	if !ok {
		return
	}
	rec, err := h.recorder.ResolveError(r.Context(), current.ID, userID(r), req.Resolution)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	errors.WriteJSON(w, http.StatusOK, rec)
}

// Retry makes the record due on the next sweep.
func (h *ErrorHandler) Retry(w http.ResponseWriter, r *http.Request) {
	current, ok := h.load(w, r)
	if !ok {
		return
	}
	rec, err := h.recorder.RetryNow(r.Context(), current.ID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	errors.WriteJSON(w, http.StatusAccepted, rec)
}

// Stats defaults to the last 24 hours and covers the caller's records
// unless the caller is an admin.
func (h *ErrorHandler) Stats(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerScope(w, r)
	if !ok {
		return
	}
	from, to, ok := queryRange(w, r)
	if !ok {
		return
	}
	var end time.Time
	if to != nil {
		end = *to
	}
	var start time.Time
	if from != nil {
		start = *from
	} else {
		base := end
		if base.IsZero() {
			base = time.Now()
		}
		start = base.Add(-24 * time.Hour)
	}

	stats, err := h.recorder.Stats(r.Context(), owner, start, end)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	errors.WriteJSON(w, http.StatusOK, stats)
}

func (h *ErrorHandler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	f := faults.AlertFilter{
		ErrorID:    r.URL.Query().Get("error_id"),
		ActiveOnly: true,
		Limit:      queryInt(r, "limit", 50),
		Offset:     queryInt(r, "offset", 0),
	}
	if b := queryBool(r, "active"); b != nil {
		f.ActiveOnly = *b
	}
	if b := queryBool(r, "unacknowledged"); b != nil {
		f.Unacknowledged = *b
	}

	alerts, err := h.recorder.ListAlerts(r.Context(), f)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if alerts == nil {
		alerts = []*faults.Alert{}
	}
	errors.WriteJSON(w, http.StatusOK, map[string]interface{}{"alerts": alerts, "count": len(alerts)})
}

func (h *ErrorHandler) AcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := h.recorder.AcknowledgeAlert(r.Context(), param(r, "alert_id"), userID(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	errors.WriteJSON(w, http.StatusOK, alert)
}

func (h *ErrorHandler) ResolveAlert(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Resolution string `json:"resolution"`
	}
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	alert, err := h.recorder.ResolveAlert(r.Context(), param(r, "alert_id"), userID(r), req.Resolution)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	errors.WriteJSON(w, http.StatusOK, alert)
}
