package middleware

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"leadflow/models"
	"leadflow/utils"
)

// ClientScope resolves the :clientId route parameter against the caller's
// organization. A client of another organization is reported as missing.
func ClientScope(db *gorm.DB) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := strconv.ParseUint(c.Params("clientId"), 10, 64)
		if err != nil || id == 0 {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid client ID", nil)
		}

		var client models.Client
		err = db.Where("id = ? AND organization_id = ?", id, OrganizationID(c)).First(&client).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return utils.ErrorResponse(c, fiber.StatusNotFound, "Client not found", nil)
		}
		if err != nil {
			return utils.ServiceError(c, "Failed to load client", err)
		}

		c.Locals(localClientID, client.ID)
		return c.Next()
	}
}
