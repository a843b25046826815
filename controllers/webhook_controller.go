package controller

import (
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"leadflow/middleware"
	"leadflow/utils"
	"leadflow/webhook"
)

type WebhookController struct {
	Store      *webhook.SubscriptionStore
	Publisher  *webhook.Publisher
	Dispatcher *webhook.Dispatcher
	Logger     *logrus.Entry
}

func NewWebhookController(store *webhook.SubscriptionStore, publisher *webhook.Publisher, dispatcher *webhook.Dispatcher) *WebhookController {
	return &WebhookController{
		Store:      store,
		Publisher:  publisher,
		Dispatcher: dispatcher,
		Logger:     utils.ComponentLogger("webhook_controller"),
	}
}

// CreateSubscription answers with the signing secret. It is not shown again.
func (wc *WebhookController) CreateSubscription(c *fiber.Ctx) error {
	var input webhook.SubscriptionInput
	if err := parseBody(c, &input); err != nil {
		return utils.ServiceError(c, "Invalid request body", err)
	}

	sub, secret, err := wc.Store.Create(c.UserContext(), middleware.OrganizationID(c), input)
	if err != nil {
		return utils.ServiceError(c, "Failed to create webhook subscription", err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"data":    sub,
		"secret":  secret,
	})
}

func (wc *WebhookController) GetSubscriptions(c *fiber.Ctx) error {
	subs, err := wc.Store.List(c.UserContext(), middleware.OrganizationID(c))
	if err != nil {
		return utils.ServiceError(c, "Failed to fetch webhook subscriptions", err)
	}
	return c.JSON(utils.SuccessResponse(subs))
}

func (wc *WebhookController) UpdateSubscription(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return utils.ServiceError(c, "Invalid subscription ID", err)
	}
	var input webhook.SubscriptionUpdate
	if err := parseBody(c, &input); err != nil {
		return utils.ServiceError(c, "Invalid request body", err)
	}

	sub, err := wc.Store.Update(c.UserContext(), middleware.OrganizationID(c), id, input)
	if err != nil {
		return utils.ServiceError(c, "Failed to update webhook subscription", err)
	}
	return c.JSON(utils.SuccessResponse(sub))
}

func (wc *WebhookController) DeleteSubscription(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return utils.ServiceError(c, "Invalid subscription ID", err)
	}

	if err := wc.Store.Delete(c.UserContext(), middleware.OrganizationID(c), id); err != nil {
		return utils.ServiceError(c, "Failed to delete webhook subscription", err)
	}
	return c.JSON(fiber.Map{
		"success": true,
		"message": "Webhook subscription deleted successfully",
	})
}

// TestSubscription sends a test.webhook event to this subscription only,
// whatever events it asked for.
func (wc *WebhookController) TestSubscription(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return utils.ServiceError(c, "Invalid subscription ID", err)
	}
	orgID := middleware.OrganizationID(c)

	sub, err := wc.Store.Get(c.UserContext(), orgID, id)
	if err != nil {
		return utils.ServiceError(c, "Webhook subscription not found", err)
	}
	if !sub.IsActive {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Webhook subscription is inactive", nil)
	}

	result, err := wc.Publisher.Publish(c.UserContext(), webhook.PublishRequest{
		EventName:      webhook.EventTestWebhook,
		OrganizationID: orgID,
		ClientID:       sub.ClientID,
		SubscriptionID: &sub.ID,
		Payload: fiber.Map{
			"message":         "Test webhook from leadflow",
			"subscription_id": sub.ID,
			"user_id":         middleware.UserID(c),
		},
	})
	if err != nil {
		return utils.ServiceError(c, "Failed to send test webhook", err)
	}

	wc.Logger.WithFields(logrus.Fields{
		"subscription_id": sub.ID,
		"event_ids":       result.EventIDs,
	}).Info("Test webhook queued")
	return c.JSON(utils.SuccessResponse(result))
}

func (wc *WebhookController) GetEvents(c *fiber.Ctx) error {
	filter := webhook.EventFilter{
		Status:         c.Query("status"),
		EventName:      c.Query("event"),
		SubscriptionID: utils.ParseUint(c.Query("subscription_id")),
		Limit:          c.QueryInt("limit", 100),
	}

	rows, err := wc.Store.Events(c.UserContext(), middleware.OrganizationID(c), filter)
	if err != nil {
		return utils.ServiceError(c, "Failed to fetch webhook events", err)
	}
	return c.JSON(utils.SuccessResponse(rows))
}

func (wc *WebhookController) ReplayEvent(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return utils.ServiceError(c, "Invalid event ID", err)
	}

	row, err := wc.Dispatcher.Replay(c.UserContext(), middleware.OrganizationID(c), id)
	if err != nil {
		return utils.ServiceError(c, "Failed to replay webhook event", err)
	}
	return c.JSON(utils.SuccessResponse(row))
}
