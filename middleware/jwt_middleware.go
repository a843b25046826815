package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"leadflow/models"
	"leadflow/utils"
)

const (
	localUser           = "user"
	localUserID         = "userID"
	localOrganizationID = "organizationID"
	localClientID       = "clientID"
)

// Protected authenticates the caller from a bearer token or the access_token
// cookie and binds the request to the organization named in its claims.
func Protected(db *gorm.DB, secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		// Try to get token from Authorization header first
		var token string
		authHeader := c.Get("Authorization")
		if authHeader != "" {
			tokenParts := strings.Split(authHeader, " ")
			if len(tokenParts) != 2 || tokenParts[0] != "Bearer" {
				return utils.ErrorResponse(c, fiber.StatusUnauthorized, "Invalid authorization format", nil)
			}
			token = tokenParts[1]
		} else {
			// Fall back to cookie if header not present
			token = c.Cookies("access_token")
			if token == "" {
				return utils.ErrorResponse(c, fiber.StatusUnauthorized, "Authorization required", nil)
			}
		}

		claims, err := utils.ParseJWTToken(secret, token)
		if err != nil {
			return utils.ErrorResponse(c, fiber.StatusUnauthorized, "Invalid or expired token", nil)
		}

		var user models.User
		if err := db.First(&user, claims.UserID).Error; err != nil {
			return utils.ErrorResponse(c, fiber.StatusUnauthorized, "User not found", nil)
		}
		if !user.IsActive {
			return utils.ErrorResponse(c, fiber.StatusForbidden, "Account is not active", nil)
		}
		if user.OrganizationID != claims.OrganizationID {
			return utils.ErrorResponse(c, fiber.StatusForbidden, "Token does not match the user's organization", nil)
		}

		c.Locals(localUser, &user)
		c.Locals(localUserID, user.ID)
		c.Locals(localOrganizationID, claims.OrganizationID)

		return c.Next()
	}
}

// OrganizationID returns the tenant bound by Protected.
func OrganizationID(c *fiber.Ctx) uint {
	id, _ := c.Locals(localOrganizationID).(uint)
	return id
}

// UserID returns the authenticated user.
func UserID(c *fiber.Ctx) uint {
	id, _ := c.Locals(localUserID).(uint)
	return id
}

// Scope returns the tenant and client of the request. ClientID is zero
// outside client routes.
func Scope(c *fiber.Ctx) models.Scope {
	clientID, _ := c.Locals(localClientID).(uint)
	return models.Scope{OrganizationID: OrganizationID(c), ClientID: clientID}
}
