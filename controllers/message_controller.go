package controller

import (
	"github.com/gofiber/fiber/v2"

	"leadflow/middleware"
	"leadflow/services"
	"leadflow/utils"
)

type MessageController struct {
	Tracker *services.MessageTracker
}

func NewMessageController(tracker *services.MessageTracker) *MessageController {
	return &MessageController{Tracker: tracker}
}

func (mc *MessageController) GetMessage(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return utils.ServiceError(c, "Invalid message ID", err)
	}

	msg, err := mc.Tracker.GetMessage(c.UserContext(), middleware.Scope(c), id)
	if err != nil {
		return utils.ServiceError(c, "Message not found", err)
	}
	return c.JSON(utils.SuccessResponse(msg))
}

// UpdateStatus is the delivery-provider callback. Repeated or out-of-order
// callbacks answer 200 with the message unchanged.
func (mc *MessageController) UpdateStatus(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return utils.ServiceError(c, "Invalid message ID", err)
	}
	var input services.StatusUpdate
	if err := parseBody(c, &input); err != nil {
		return utils.ServiceError(c, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ServiceError(c, "Invalid request body", err)
	}

	msg, err := mc.Tracker.ApplyStatus(c.UserContext(), middleware.Scope(c), id, input)
	if err != nil {
		return utils.ServiceError(c, "Failed to update message status", err)
	}
	return c.JSON(utils.SuccessResponse(msg))
}
