package apperrors

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrValidation    = errors.New("validation failed")
	ErrUnknownStatus = errors.New("unknown status")
)

func NotFound(format string, a ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, a...))
}

func Conflict(format string, a ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, a...))
}

func Validation(format string, a ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, a...))
}

func UnknownStatus(status string) error {
	return fmt.Errorf("%w: %q", ErrUnknownStatus, status)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

func IsUnknownStatus(err error) bool {
	return errors.Is(err, ErrUnknownStatus)
}

// HTTPStatus maps an error kind to the status code controllers answer with.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return fiber.StatusOK
	case IsNotFound(err):
		return fiber.StatusNotFound
	case IsConflict(err):
		return fiber.StatusConflict
	case IsValidation(err):
		return fiber.StatusBadRequest
	case IsUnknownStatus(err):
		return fiber.StatusUnprocessableEntity
	default:
		return fiber.StatusInternalServerError
	}
}
