package models

import (
	"time"

	"gorm.io/gorm"
)

// WebhookSubscription is a fan-out target keyed by organization and event name.
type WebhookSubscription struct {
	gorm.Model
	OrganizationID uint     `gorm:"not null;index" json:"organization_id"`
	ClientID       *uint    `gorm:"index" json:"client_id,omitempty"` // nil: every client of the organization
	Target         string   `gorm:"index" json:"target"`              // receiving product, optional
	URL            string   `gorm:"not null" json:"url"`
	Events         []string `gorm:"type:text;serializer:json" json:"events"`
	Secret         string   `gorm:"not null" json:"-"` // AES encrypted
	IsActive       bool     `gorm:"default:true;index" json:"is_active"`

	FailureCount  int        `gorm:"default:0" json:"failure_count"`
	LastError     string     `gorm:"type:text" json:"last_error,omitempty"`
	LastSuccessAt *time.Time `json:"last_success_at"`
	LastFailureAt *time.Time `json:"last_failure_at"`
}

// Subscribes reports whether the subscription wants the named event.
func (s WebhookSubscription) Subscribes(eventName string) bool {
	for _, e := range s.Events {
		if e == eventName || e == "*" {
			return true
		}
	}
	return false
}

type DeliveryStatus string

const (
	DeliveryStatusPending    DeliveryStatus = "pending"
	DeliveryStatusDelivered  DeliveryStatus = "delivered"
	DeliveryStatusFailed     DeliveryStatus = "failed"
	DeliveryStatusDeadLetter DeliveryStatus = "dead_letter"
)

// EventLog is the durable, append-only record of one published event for one
// receiver. It doubles as the outbox row the dispatcher drains.
type EventLog struct {
	gorm.Model
	EventID        string `gorm:"not null;uniqueIndex" json:"event_id"`
	EventName      string `gorm:"not null;index" json:"event_name"`
	OrganizationID uint   `gorm:"not null;index" json:"organization_id"`
	ClientID       *uint  `gorm:"index" json:"client_id,omitempty"`
	SubscriptionID *uint  `gorm:"index" json:"subscription_id,omitempty"` // nil: platform sink
	URL            string `gorm:"not null" json:"url"`
	Envelope       string `gorm:"type:text;not null" json:"envelope"`
	Signature      string `gorm:"not null" json:"signature"`

	Status         DeliveryStatus `gorm:"default:'pending';index" json:"status"`
	Attempts       int            `gorm:"default:0" json:"attempts"`
	NextAttemptAt  *time.Time     `gorm:"index" json:"next_attempt_at"`
	LockedUntil    *time.Time     `json:"-"`
	LastStatusCode int            `json:"last_status_code,omitempty"`
	LastError      string         `gorm:"type:text" json:"last_error,omitempty"`
	DeliveredAt    *time.Time     `json:"delivered_at"`
}
