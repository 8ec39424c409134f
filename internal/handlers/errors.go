package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"crisiswatch/internal/alerts"
	"crisiswatch/internal/handoff"
	"crisiswatch/internal/sessions"
)

// respondError maps engine sentinel errors onto HTTP statuses
func respondError(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, alerts.ErrAlertNotFound),
		errors.Is(err, sessions.ErrSessionNotFound),
		errors.Is(err, handoff.ErrNoActiveSession):
		status = fiber.StatusNotFound
	case errors.Is(err, sessions.ErrSessionActive),
		errors.Is(err, handoff.ErrAlreadyHandedOff):
		status = fiber.StatusConflict
	case errors.Is(err, handoff.ErrNotResponder):
		status = fiber.StatusForbidden
	}

	message := err.Error()
	if status == fiber.StatusInternalServerError {
		message = "Internal server error"
	}
	return c.Status(status).JSON(fiber.Map{
		"error": message,
	})
}
