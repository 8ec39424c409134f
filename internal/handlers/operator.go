package handlers

import (
	"log"

	"github.com/gofiber/fiber/v2"

	"crisiswatch/internal/alerts"
	"crisiswatch/internal/middleware"
	"crisiswatch/internal/models"
)

// OperatorHandler serves the operator API used by the response team
type OperatorHandler struct {
	engine Engine
}

// NewOperatorHandler creates a new operator handler
func NewOperatorHandler(e Engine) *OperatorHandler {
	return &OperatorHandler{engine: e}
}

// RealertRequest is the body of a manual re-alert
type RealertRequest struct {
	SubjectID string `json:"subjectId"`
	Severity  string `json:"severity"`
}

// StartSessionRequest is the body of a manual session start
type StartSessionRequest struct {
	SubjectID string `json:"subjectId"`
	Severity  string `json:"severity"`
}

// WithdrawConsentRequest is the optional body of a consent withdrawal
type WithdrawConsentRequest struct {
	Reason string `json:"reason"`
}

// AcknowledgeAlert acknowledges an alert. Repeated acknowledgements keep the first timestamp.
// POST /api/alerts/:id/ack
func (h *OperatorHandler) AcknowledgeAlert(c *fiber.Ctx) error {
	alertID := c.Params("id")
	if alertID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Alert ID is required",
		})
	}

	record, err := h.engine.AcknowledgeAlert(c.UserContext(), alertID, middleware.OperatorID(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(record)
}

// Realert dispatches an alert regardless of cooldown
// POST /api/alerts/realert
func (h *OperatorHandler) Realert(c *fiber.Ctx) error {
	var req RealertRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if req.SubjectID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "subjectId is required",
		})
	}
	severity, err := parseSeverity(req.Severity, models.SeverityHigh)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	operator := middleware.OperatorID(c)
	log.Printf("🔁 [OPS] Manual re-alert for %s (%s) by %s", req.SubjectID, severity, operator)

	record, reason := h.engine.ForceAlert(c.UserContext(), req.SubjectID, severity, operator)
	if reason != alerts.Dispatched {
		status := fiber.StatusUnprocessableEntity
		if reason == alerts.SkipDeliveryFailed {
			status = fiber.StatusBadGateway
		}
		return c.Status(status).JSON(fiber.Map{
			"error":   "Alert not dispatched",
			"skipped": reason,
		})
	}
	return c.Status(fiber.StatusCreated).JSON(record)
}

// ListSessions returns every active session
// GET /api/sessions
func (h *OperatorHandler) ListSessions(c *fiber.Ctx) error {
	list := h.engine.Sessions()
	return c.JSON(fiber.Map{
		"sessions": list,
		"count":    len(list),
	})
}

// StartSession opens a companion session for a subject
// POST /api/sessions
func (h *OperatorHandler) StartSession(c *fiber.Ctx) error {
	var req StartSessionRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if req.SubjectID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "subjectId is required",
		})
	}
	severity, err := parseSeverity(req.Severity, models.SeverityMedium)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	session, err := h.engine.StartManualSession(c.UserContext(), req.SubjectID, severity)
	if err != nil {
		log.Printf("❌ [OPS] Manual session for %s failed: %v", req.SubjectID, err)
		return respondError(c, err)
	}

	log.Printf("✅ [OPS] Session %s started for %s by %s", session.ID, req.SubjectID, middleware.OperatorID(c))
	return c.Status(fiber.StatusCreated).JSON(session)
}

// EndSession ends a session
// POST /api/sessions/:id/end
func (h *OperatorHandler) EndSession(c *fiber.Ctx) error {
	session, err := h.engine.EndSession(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(session)
}

// TransferSession ends a session that moved to another responder; no follow-up is scheduled
// POST /api/sessions/:id/transfer
func (h *OperatorHandler) TransferSession(c *fiber.Ctx) error {
	session, err := h.engine.TransferSession(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	log.Printf("🔀 [OPS] Session %s transferred by %s", session.ID, middleware.OperatorID(c))
	return c.JSON(session)
}

// FollowupStats returns follow-up counters
// GET /api/followups/stats
func (h *OperatorHandler) FollowupStats(c *fiber.Ctx) error {
	return c.JSON(h.engine.FollowupStats())
}

// WithdrawConsent opts a subject out of follow-ups
// POST /api/consent/:subject/withdraw
func (h *OperatorHandler) WithdrawConsent(c *fiber.Ctx) error {
	subjectID := c.Params("subject")
	var req WithdrawConsentRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid request body",
			})
		}
	}

	if err := h.engine.WithdrawConsent(c.UserContext(), subjectID, middleware.OperatorID(c), req.Reason); err != nil {
		log.Printf("❌ [OPS] Consent withdrawal for %s failed: %v", subjectID, err)
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"subjectId": subjectID,
		"withdrawn": true,
	})
}

// GrantConsent re-enables follow-ups for a subject
// POST /api/consent/:subject/grant
func (h *OperatorHandler) GrantConsent(c *fiber.Ctx) error {
	subjectID := c.Params("subject")
	if err := h.engine.GrantConsent(c.UserContext(), subjectID, middleware.OperatorID(c)); err != nil {
		log.Printf("❌ [OPS] Consent grant for %s failed: %v", subjectID, err)
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"subjectId": subjectID,
		"withdrawn": false,
	})
}

func parseSeverity(value string, fallback models.Severity) (models.Severity, error) {
	if value == "" {
		return fallback, nil
	}
	return models.ParseSeverity(value)
}
