package handlers

import (
	"encoding/json"
	"net/http"

	"courier/internal/engine/webhooks"
	"courier/internal/pkg/errors"
)

type WebhookHandler struct {
	svc *webhooks.Service
}

func NewWebhookHandler(svc *webhooks.Service) *WebhookHandler {
	return &WebhookHandler{svc: svc}
}

func (h *WebhookHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req webhooks.EndpointInput
	if !decode(w, r, &req) {
		return
	}

	ep, err := h.svc.Create(r.Context(), userID(r), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	errors.WriteJSON(w, http.StatusCreated, ep)
}

func (h *WebhookHandler) List(w http.ResponseWriter, r *http.Request) {
	eps, err := h.svc.List(r.Context(), userID(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	errors.WriteJSON(w, http.StatusOK, map[string]interface{}{"webhooks": eps, "count": len(eps)})
}

func (h *WebhookHandler) Get(w http.ResponseWriter, r *http.Request) {
	ep, err := h.svc.Get(r.Context(), userID(r), param(r, "webhook_id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	errors.WriteJSON(w, http.StatusOK, ep)
}

func (h *WebhookHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req webhooks.EndpointUpdate
	if !decode(w, r, &req) {
		return
	}

	ep, err := h.svc.Update(r.Context(), userID(r), param(r, "webhook_id"), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	errors.WriteJSON(w, http.StatusOK, ep)
}

func (h *WebhookHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), userID(r), param(r, "webhook_id")); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *WebhookHandler) Test(w http.ResponseWriter, r *http.Request) {
	entry, err := h.svc.Test(r.Context(), userID(r), param(r, "webhook_id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	errors.WriteJSON(w, http.StatusOK, entry)
}

func (h *WebhookHandler) Deliveries(w http.ResponseWriter, r *http.Request) {
	f := webhooks.DeliveryFilter{
		Event:   webhooks.Event(r.URL.Query().Get("event")),
		Success: queryBool(r, "success"),
		Limit:   queryInt(r, "limit", 50),
		Offset:  queryInt(r, "offset", 0),
	}
	logs, err := h.svc.ListDeliveries(r.Context(), userID(r), param(r, "webhook_id"), f)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if logs == nil {
		logs = []*webhooks.DeliveryLog{}
	}
	errors.WriteJSON(w, http.StatusOK, map[string]interface{}{"deliveries": logs, "count": len(logs)})
}

func (h *WebhookHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.DeliveryStats(r.Context(), userID(r), param(r, "webhook_id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	errors.WriteJSON(w, http.StatusOK, stats)
}

// Trigger fans an event out to the caller's subscribed endpoints.
func (h *WebhookHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Event == "" {
		errors.BadRequest(w, "event is required")
		return
	}

	result, err := h.svc.Trigger(r.Context(), userID(r), webhooks.Event(req.Event), req.Data)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	errors.WriteJSON(w, http.StatusAccepted, result)
}
