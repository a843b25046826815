package models

import (
	"time"

	"gorm.io/gorm"
)

// InboxItem is an entry in the client's unified inbox, created when a lead
// replies to a sequence message.
type InboxItem struct {
	gorm.Model
	OrganizationID uint  `gorm:"not null;index" json:"organization_id"`
	ClientID       uint  `gorm:"not null;index" json:"client_id"`
	LeadID         uint  `gorm:"not null;index" json:"lead_id"`
	MessageID      *uint `gorm:"index" json:"message_id,omitempty"`

	Title      string    `gorm:"not null" json:"title"`
	From       string    `json:"from"`
	Subject    string    `json:"subject"`
	ReceivedAt time.Time `gorm:"not null" json:"received_at"`
	IsRead     bool      `gorm:"default:false" json:"is_read"`
	IsStarred  bool      `gorm:"default:false" json:"is_starred"`
}
