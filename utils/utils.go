package utils

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"leadflow/apperrors"
)

// Pointer returns a pointer to the given value
func Pointer[T any](v T) *T {
	return &v
}

// ErrorResponse creates a standardized error response
func ErrorResponse(c *fiber.Ctx, status int, message string, err error) error {
	response := fiber.Map{
		"success": false,
		"error":   message,
	}
	if err != nil {
		response["details"] = err.Error()
	}
	return c.Status(status).JSON(response)
}

// ServiceError answers with the status code matching the error kind.
func ServiceError(c *fiber.Ctx, message string, err error) error {
	status := apperrors.HTTPStatus(err)
	if status == fiber.StatusInternalServerError {
		LogError("request_failed", err, map[string]interface{}{
			"path":   c.Path(),
			"method": c.Method(),
		})
	}
	return ErrorResponse(c, status, message, err)
}

// SuccessResponse creates a standardized success response
func SuccessResponse(data interface{}) fiber.Map {
	return fiber.Map{
		"success": true,
		"data":    data,
	}
}

// ParseUint safely parses a string to uint
func ParseUint(s string) uint {
	i, _ := strconv.ParseUint(s, 10, 32)
	return uint(i)
}

// NextLocalTime returns the next occurrence of hour:minute in loc strictly
// after the calendar day of now.
func NextLocalTime(now time.Time, loc *time.Location, hour, minute int) time.Time {
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day()+1, hour, minute, 0, 0, loc)
}

// EndOfLocalDay returns the last second of now's calendar day in loc.
func EndOfLocalDay(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 23, 59, 59, 0, loc)
}

// StartOfLocalDay returns midnight of now's calendar day in loc.
func StartOfLocalDay(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}
