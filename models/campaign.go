package models

import (
	"time"

	"gorm.io/gorm"
)

const (
	CampaignStatusDraft     = "draft"
	CampaignStatusActive    = "active"
	CampaignStatusPaused    = "paused"
	CampaignStatusCompleted = "completed"
)

// Campaign groups leads for a client. Automations only consider leads whose
// campaign is active.
type Campaign struct {
	gorm.Model
	OrganizationID uint `gorm:"not null;index" json:"organization_id"`
	ClientID       uint `gorm:"not null;index" json:"client_id"`

	Name        string     `gorm:"not null" json:"name"`
	Description string     `json:"description"`
	Status      string     `gorm:"default:'draft'" json:"status"` // draft, active, paused, completed
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`

	Leads []Lead `gorm:"foreignKey:CampaignID" json:"leads,omitempty"`
}
