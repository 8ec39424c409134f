package handlers

import (
	"log"

	"github.com/gofiber/fiber/v2"

	"crisiswatch/internal/alerts"
	"crisiswatch/internal/models"
)

// EventHandler receives chat events relayed by the gateway process
type EventHandler struct {
	engine Engine
}

// NewEventHandler creates a new event handler
func NewEventHandler(e Engine) *EventHandler {
	return &EventHandler{engine: e}
}

// Message handles a community message
// POST /api/events/message
func (h *EventHandler) Message(c *fiber.Ctx) error {
	var msg models.InboundMessage
	if err := c.BodyParser(&msg); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if msg.AuthorID == "" || msg.ChannelID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "authorId and channelId are required",
		})
	}

	outcome, err := h.engine.HandleMessage(c.UserContext(), msg)
	if err != nil {
		log.Printf("❌ [EVENTS] Message %s from %s failed: %v", msg.MessageID, msg.AuthorID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to process message",
		})
	}
	return c.JSON(outcome)
}

// Direct handles a private message to the bot
// POST /api/events/direct
func (h *EventHandler) Direct(c *fiber.Ctx) error {
	var dm models.DirectMessage
	if err := c.BodyParser(&dm); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if dm.AuthorID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "authorId is required",
		})
	}

	outcome, err := h.engine.HandleDirectMessage(c.UserContext(), dm)
	if err != nil {
		log.Printf("❌ [EVENTS] Direct message from %s failed: %v", dm.AuthorID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to process direct message",
		})
	}
	return c.JSON(outcome)
}

// Member handles a member appearing in a channel
// POST /api/events/member
func (h *EventHandler) Member(c *fiber.Ctx) error {
	var p models.MemberPresence
	if err := c.BodyParser(&p); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if p.ChannelID == "" || p.Member.ID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "channelId and member.id are required",
		})
	}

	brief, err := h.engine.HandleMemberPresent(c.UserContext(), p)
	if err != nil {
		log.Printf("❌ [EVENTS] Member presence %s in %s failed: %v", p.Member.ID, p.ChannelID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to process member presence",
		})
	}

	// the brief itself goes only to the responder's DMs
	return c.JSON(fiber.Map{
		"handoff": brief != nil,
	})
}

// Interaction handles an alert card button press
// POST /api/events/interaction
func (h *EventHandler) Interaction(c *fiber.Ctx) error {
	var ix models.Interaction
	if err := c.BodyParser(&ix); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if ix.CustomID == "" || ix.Actor.ID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "customId and actor.id are required",
		})
	}
	if _, _, ok := alerts.ParseCustomID(ix.CustomID); !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Unknown interaction",
		})
	}

	text, err := h.engine.HandleInteraction(c.UserContext(), ix)
	if err != nil {
		log.Printf("❌ [EVENTS] Interaction %s by %s failed: %v", ix.CustomID, ix.Actor.ID, err)
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"content":   text,
		"ephemeral": true,
	})
}
