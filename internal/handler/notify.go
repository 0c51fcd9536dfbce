package handler

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/frameforge/api/internal/gateway"
	"github.com/frameforge/api/internal/model"
	"github.com/frameforge/api/pkg/response"
)

// NotifyHandler exposes internal endpoints for other services to push
// user-facing events through the websocket gateway.
type NotifyHandler struct {
	hub       *gateway.Hub
	validator *validator.Validate
}

func NewNotifyHandler(hub *gateway.Hub, v *validator.Validate) *NotifyHandler {
	return &NotifyHandler{hub: hub, validator: v}
}

// Notify handles POST /internal/notify
// @Summary      Push user notification
// @Description  Deliver a notification to a connected user, or queue it for their next connection
// @Tags         Internal
// @Accept       json
// @Produce      json
// @Param        request body model.NotifyRequest true "Notification"
// @Success      202 {object} map[string]interface{}
// @Failure      400 {object} response.ErrorResponse
// @Router       /internal/notify [post]
func (h *NotifyHandler) Notify(c *fiber.Ctx) error {
	var req model.NotifyRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	if err := h.hub.Notify(c.Context(), req.UserID, model.Notification{
		Type:    req.Type,
		Title:   req.Title,
		Message: req.Message,
	}); err != nil {
		return response.ServiceError(c, err.Error())
	}

	return response.Accepted(c, fiber.Map{"queued": true})
}

// CreditsUpdated handles POST /internal/credits
// @Summary      Push credits balance update
// @Tags         Internal
// @Accept       json
// @Produce      json
// @Param        request body model.CreditsRequest true "Balance update"
// @Success      202 {object} map[string]interface{}
// @Failure      400 {object} response.ErrorResponse
// @Router       /internal/credits [post]
func (h *NotifyHandler) CreditsUpdated(c *fiber.Ctx) error {
	var req model.CreditsRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	h.hub.CreditsUpdated(req.UserID, req.Balance)

	return response.Accepted(c, fiber.Map{"queued": true})
}
