// Package services holds the outreach engine: sequences and enrollments, the
// message lifecycle, SLA automation and the orchestration that ties them to
// outbound events.
package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"leadflow/models"
	"leadflow/utils"
	"leadflow/webhook"
)

// EventPublisher is satisfied by *webhook.Publisher.
type EventPublisher interface {
	Publish(ctx context.Context, req webhook.PublishRequest) (*webhook.PublishResult, error)
}

// Config carries the automation settings every service is built with.
type Config struct {
	Location            *time.Location
	FollowUpAfter       time.Duration
	DefaultOverdueHours int
	// ReplyStageNames is the preference order for the stage a replying lead
	// is moved to.
	ReplyStageNames []string
}

func (c Config) withDefaults() Config {
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.FollowUpAfter <= 0 {
		c.FollowUpAfter = 48 * time.Hour
	}
	if c.DefaultOverdueHours <= 0 {
		c.DefaultOverdueHours = 48
	}
	if len(c.ReplyStageNames) == 0 {
		c.ReplyStageNames = []string{"Connected", "Responded", "Engaged"}
	}
	return c
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "duplicate key")
}

func utcNow() time.Time {
	return time.Now().UTC()
}

// publish sends an event and only logs failures; delivery problems never
// reach the caller of the originating write.
func publish(ctx context.Context, events EventPublisher, scope models.Scope, name string, payload interface{}) {
	if events == nil {
		return
	}
	_, err := events.Publish(ctx, webhook.PublishRequest{
		EventName:      name,
		OrganizationID: scope.OrganizationID,
		ClientID:       scope.ClientRef(),
		Payload:        payload,
	})
	if err != nil {
		utils.LogError("event_publish", err, map[string]interface{}{
			"event":           name,
			"organization_id": scope.OrganizationID,
		})
	}
}
