package api

import (
	"context"
	"net/http"

	"github.com/julienschmidt/httprouter"

	apiContext "courier/internal/api/context"
	"courier/internal/api/handlers"
	"courier/internal/api/middleware"
	"courier/internal/pkg/errors"
	"courier/internal/platform/auth"
)

type Dependencies struct {
	WebhookHandler *handlers.WebhookHandler
	ErrorHandler   *handlers.ErrorHandler
	AuditHandler   *handlers.AuditHandler
	HealthHandler  *handlers.HealthHandler
	MetricsHandler *handlers.MetricsHandler
	AuthMiddleware *middleware.AuthMiddleware
	RateLimiter    *middleware.RateLimiter
}

func NewRouter(deps *Dependencies) *httprouter.Router {
	router := httprouter.New()
	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errors.NotFound(w, "Route not found")
	})

	router.GET("/healthz", wrap(deps.HealthHandler.Check))
	router.GET("/metrics", wrap(deps.MetricsHandler.Export))

	authMid := deps.AuthMiddleware.Handle
	read := deps.RateLimiter.Limit(middleware.LimitRead)
	write := deps.RateLimiter.Limit(middleware.LimitWrite)
	admin := middleware.RequireRole(auth.RoleAdmin)

	// Webhook registry
	wh := deps.WebhookHandler
	router.POST("/api/v1/webhooks", chain(wh.Create, authMid, write))
	router.GET("/api/v1/webhooks", chain(wh.List, authMid, read))
	router.GET("/api/v1/webhooks/:webhook_id", chain(wh.Get, authMid, read))
	router.PATCH("/api/v1/webhooks/:webhook_id", chain(wh.Update, authMid, write))
	router.DELETE("/api/v1/webhooks/:webhook_id", chain(wh.Delete, authMid, write))
	router.POST("/api/v1/webhooks/:webhook_id/test", chain(wh.Test, authMid, write))
	router.GET("/api/v1/webhooks/:webhook_id/deliveries", chain(wh.Deliveries, authMid, read))
	router.GET("/api/v1/webhooks/:webhook_id/stats", chain(wh.Stats, authMid, read))
	router.POST("/api/v1/events", chain(wh.Trigger, authMid, write))

	// Error records
	eh := deps.ErrorHandler
	router.POST("/api/v1/errors", chain(eh.Record, authMid, write))
	router.GET("/api/v1/errors", chain(eh.List, authMid, read))
	router.GET("/api/v1/errors/:error_id", chain(eh.Get, authMid, read))
	router.POST("/api/v1/errors/:error_id/resolve", chain(eh.Resolve, authMid, write))
	router.POST("/api/v1/errors/:error_id/retry", chain(eh.Retry, authMid, write))
	router.GET("/api/v1/stats/errors", chain(eh.Stats, authMid, read))
	router.GET("/api/v1/alerts/errors", chain(eh.ListAlerts, authMid, admin, read))
	router.POST("/api/v1/alerts/errors/:alert_id/acknowledge", chain(eh.AcknowledgeAlert, authMid, admin, write))
	router.POST("/api/v1/alerts/errors/:alert_id/resolve", chain(eh.ResolveAlert, authMid, admin, write))

	// Audit
	ah := deps.AuditHandler
	router.GET("/api/v1/audit/logs", chain(ah.List, authMid, admin, read))
	router.GET("/api/v1/audit/logs/:log_id", chain(ah.Get, authMid, admin, read))
	router.GET("/api/v1/audit/search", chain(ah.Search, authMid, admin, read))
	router.GET("/api/v1/audit/stats", chain(ah.Stats, authMid, admin, read))
	router.GET("/api/v1/audit/compliance", chain(ah.Compliance, authMid, admin, read))
	router.GET("/api/v1/audit/export", chain(ah.Export, authMid, admin, read))
	router.POST("/api/v1/audit/cleanup", chain(ah.Cleanup, authMid, admin, write))
	router.POST("/api/v1/audit/trails", chain(ah.CreateTrail, authMid, admin, write))
	router.GET("/api/v1/audit/trails", chain(ah.ListTrails, authMid, admin, read))
	router.GET("/api/v1/audit/trails/:trail_id", chain(ah.GetTrail, authMid, admin, read))
	router.POST("/api/v1/audit/trails/:trail_id/entries", chain(ah.AddToTrail, authMid, admin, write))
	router.GET("/api/v1/alerts/audit", chain(ah.ListAlerts, authMid, admin, read))
	router.POST("/api/v1/alerts/audit/:alert_id/acknowledge", chain(ah.AcknowledgeAlert, authMid, admin, write))
	router.POST("/api/v1/alerts/audit/:alert_id/resolve", chain(ah.ResolveAlert, authMid, admin, write))

	return router
}

// chain applies middlewares outermost first.
func chain(handler http.HandlerFunc, middlewares ...func(http.HandlerFunc) http.HandlerFunc) httprouter.Handle {
	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i](handler)
	}
	return wrap(handler)
}

// wrap converts an http.HandlerFunc to an httprouter.Handle, carrying the
// route params in the request context.
func wrap(handler http.HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		ctx := context.WithValue(r.Context(), apiContext.Params, ps)
		handler(w, r.WithContext(ctx))
	}
}
