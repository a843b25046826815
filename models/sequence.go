package models

import "gorm.io/gorm"

type SequenceStatus string

const (
	SequenceStatusDraft    SequenceStatus = "draft"
	SequenceStatusActive   SequenceStatus = "active"
	SequenceStatusPaused   SequenceStatus = "paused"
	SequenceStatusArchived SequenceStatus = "archived"
)

func (s SequenceStatus) Valid() bool {
	switch s {
	case SequenceStatusDraft, SequenceStatusActive, SequenceStatusPaused, SequenceStatusArchived:
		return true
	}
	return false
}

// Sequence represents an automated outreach sequence
type Sequence struct {
	gorm.Model
	OrganizationID uint `gorm:"not null;index" json:"organization_id"`
	ClientID       uint `gorm:"not null;index" json:"client_id"`

	Name        string         `gorm:"not null" json:"name"`
	Description string         `json:"description"`
	Status      SequenceStatus `gorm:"default:'draft'" json:"status"` // draft, active, paused, archived

	// Settings
	MaxEmailsPerDay  int    `gorm:"default:100" json:"max_emails_per_day"`
	SendingStartHour int    `gorm:"default:9" json:"sending_start_hour"`
	SendingEndHour   int    `gorm:"default:17" json:"sending_end_hour"`
	Timezone         string `gorm:"default:'UTC'" json:"timezone"`

	// Relations
	Steps []SequenceStep `gorm:"foreignKey:SequenceID" json:"steps,omitempty"`
}

// SequenceStep represents steps in a sequence. Order is unique per sequence
// among non-deleted steps (partial index created in Migrate).
type SequenceStep struct {
	gorm.Model
	SequenceID uint `gorm:"not null;index" json:"sequence_id"`

	StepOrder int    `gorm:"not null" json:"step_order"`
	DelayDays int    `gorm:"not null;default:0" json:"delay_days"`
	Subject   string `gorm:"not null" json:"subject"`
	Body      string `gorm:"type:text" json:"body"`
}
