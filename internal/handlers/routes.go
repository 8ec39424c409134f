package handlers

import (
	"github.com/gofiber/fiber/v2"

	"crisiswatch/internal/middleware"
	"crisiswatch/pkg/auth"
)

// RouteConfig carries the auth settings for the API groups
type RouteConfig struct {
	Environment  string
	GatewayToken string
	OperatorAuth *auth.OperatorAuth
	RateLimits   *middleware.RateLimitConfig
}

// RegisterRoutes mounts the gateway and operator APIs under /api
func RegisterRoutes(app *fiber.App, cfg RouteConfig, events *EventHandler, ops *OperatorHandler) {
	if cfg.RateLimits == nil {
		cfg.RateLimits = middleware.DefaultRateLimitConfig()
	}
	api := app.Group("/api")

	gateway := api.Group("/events",
		middleware.GatewayAuth(cfg.GatewayToken, cfg.Environment),
		middleware.GatewayRateLimiter(cfg.RateLimits),
	)
	gateway.Post("/message", events.Message)
	gateway.Post("/direct", events.Direct)
	gateway.Post("/member", events.Member)
	gateway.Post("/interaction", events.Interaction)

	operator := middleware.OperatorAuthMiddleware(cfg.OperatorAuth, cfg.Environment)
	limiter := middleware.OperatorRateLimiter(cfg.RateLimits)

	alertsAPI := api.Group("/alerts", operator, limiter)
	alertsAPI.Post("/realert", ops.Realert)
	alertsAPI.Post("/:id/ack", ops.AcknowledgeAlert)

	sessionsAPI := api.Group("/sessions", operator, limiter)
	sessionsAPI.Get("/", ops.ListSessions)
	sessionsAPI.Post("/", ops.StartSession)
	sessionsAPI.Post("/:id/end", ops.EndSession)
	sessionsAPI.Post("/:id/transfer", ops.TransferSession)

	api.Get("/followups/stats", operator, limiter, ops.FollowupStats)

	consentAPI := api.Group("/consent", operator, limiter)
	consentAPI.Post("/:subject/withdraw", ops.WithdrawConsent)
	consentAPI.Post("/:subject/grant", middleware.RequireRole(auth.RoleAdmin), ops.GrantConsent)
}
