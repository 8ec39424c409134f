package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"crisiswatch/internal/health"
)

// HealthHandler handles health check requests
type HealthHandler struct {
	health         *health.Service
	activeSessions func() int
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(svc *health.Service, activeSessions func() int) *HealthHandler {
	return &HealthHandler{health: svc, activeSessions: activeSessions}
}

// Handle responds with dependency health and the active session count
// GET /health
func (h *HealthHandler) Handle(c *fiber.Ctx) error {
	report := h.health.CheckAll(c.UserContext())

	status := fiber.StatusOK
	if report.Status == health.StatusUnhealthy {
		status = fiber.StatusServiceUnavailable
	}

	sessions := 0
	if h.activeSessions != nil {
		sessions = h.activeSessions()
	}

	return c.Status(status).JSON(fiber.Map{
		"status":         report.Status,
		"dependencies":   report.Dependencies,
		"activeSessions": sessions,
		"timestamp":      time.Now().Format(time.RFC3339),
	})
}
