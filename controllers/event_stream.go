package controller

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"

	"leadflow/middleware"
	"leadflow/utils"
	"leadflow/webhook"
)

const localStreamOrganization = "streamOrganizationID"

// RequireEventStreamUpgrade admits websocket upgrades and records the
// caller's organization for the stream handler.
func RequireEventStreamUpgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	c.Locals(localStreamOrganization, middleware.OrganizationID(c))
	return c.Next()
}

// HandleEventStream relays every event published for the caller's
// organization until the client disconnects.
func HandleEventStream(hub *webhook.Hub) func(*websocket.Conn) {
	log := utils.ComponentLogger("event_stream")
	return func(conn *websocket.Conn) {
		defer conn.Close()

		orgID, _ := conn.Locals(localStreamOrganization).(uint)
		if orgID == 0 {
			return
		}
		listener := hub.Register(orgID, conn)
		defer listener.Close()
		log.WithFields(logrus.Fields{
			"organization_id": orgID,
			"listeners":       hub.Listeners(orgID),
		}).Debug("Event stream opened")

		// Block on reads so close frames and broken connections end the handler.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				log.WithField("organization_id", orgID).Debug("Event stream closed")
				return
			}
		}
	}
}
