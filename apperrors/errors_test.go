package apperrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, fiber.StatusOK},
		{"not found", NotFound("sequence %d", 4), fiber.StatusNotFound},
		{"conflict", Conflict("step order %d already used", 1), fiber.StatusConflict},
		{"validation", Validation("name is required"), fiber.StatusBadRequest},
		{"unknown status", UnknownStatus("exploded"), fiber.StatusUnprocessableEntity},
		{"wrapped conflict", fmt.Errorf("enroll: %w", Conflict("dup")), fiber.StatusConflict},
		{"plain", errors.New("boom"), fiber.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}

func TestConstructorsKeepMessage(t *testing.T) {
	err := NotFound("message %d", 12)
	assert.True(t, IsNotFound(err))
	assert.False(t, IsConflict(err))
	assert.Equal(t, "not found: message 12", err.Error())
}
