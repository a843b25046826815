package models

import (
	"time"

	"gorm.io/gorm"
)

type MessageStatus string

const (
	MessageStatusPending   MessageStatus = "pending"
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusOpened    MessageStatus = "opened"
	MessageStatusReplied   MessageStatus = "replied"
	MessageStatusFailed    MessageStatus = "failed"
	MessageStatusBounced   MessageStatus = "bounced"
)

// Message is one concrete send attempt for (enrollment, step). Subject and
// body are a snapshot taken at creation and never rewritten.
type Message struct {
	gorm.Model
	OrganizationID uint `gorm:"not null;index" json:"organization_id"`
	ClientID       uint `gorm:"not null;index" json:"client_id"`
	EnrollmentID   uint `gorm:"not null;uniqueIndex:idx_message_enrollment_step" json:"enrollment_id"`
	StepID         uint `gorm:"not null;uniqueIndex:idx_message_enrollment_step" json:"step_id"`
	LeadID         uint `gorm:"not null;index" json:"lead_id"`
	SequenceID     uint `gorm:"not null;index" json:"sequence_id"`

	Status     MessageStatus `gorm:"default:'pending';index" json:"status"`
	ProviderID string        `gorm:"index" json:"provider_id"`
	ToAddress  string        `gorm:"not null" json:"to_address"`
	Subject    string        `gorm:"not null" json:"subject"`
	Body       string        `gorm:"type:text" json:"body"`

	SentAt       *time.Time `json:"sent_at"`
	DeliveredAt  *time.Time `json:"delivered_at"`
	OpenedAt     *time.Time `json:"opened_at"`
	RepliedAt    *time.Time `json:"replied_at"`
	FailedAt     *time.Time `json:"failed_at"`
	ErrorCode    string     `json:"error_code,omitempty"`
	ErrorMessage string     `gorm:"type:text" json:"error_message,omitempty"`

	Enrollment *Enrollment   `json:"enrollment,omitempty"`
	Step       *SequenceStep `gorm:"foreignKey:StepID" json:"-"`
	Lead       *Lead         `json:"lead,omitempty"`
	Sequence   *Sequence     `json:"sequence,omitempty"`
}
