package models

import (
	"time"

	"gorm.io/gorm"
)

const (
	LeadStatusNew          = "new"
	LeadStatusContacted    = "contacted"
	LeadStatusQualified    = "qualified"
	LeadStatusDisqualified = "disqualified"
)

// Lead represents a single contact being worked by a client.
type Lead struct {
	gorm.Model
	OrganizationID uint  `gorm:"not null;index" json:"organization_id"`
	ClientID       uint  `gorm:"not null;index" json:"client_id"`
	CampaignID     *uint `gorm:"index" json:"campaign_id,omitempty"`
	OwnerID        *uint `gorm:"index" json:"owner_id,omitempty"`

	Email     string `gorm:"index" json:"email"`
	Phone     string `json:"phone"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Company   string `json:"company"`
	Status    string `gorm:"default:'new'" json:"status"` // new, contacted, qualified, disqualified

	// CRM placement
	PipelineID *uint `gorm:"index" json:"pipeline_id,omitempty"`
	StageID    *uint `gorm:"index" json:"stage_id,omitempty"`

	// SLA
	LastTouchAt           *time.Time `gorm:"index" json:"last_touch_at"`
	OverdueThresholdHours int        `gorm:"default:48" json:"overdue_threshold_hours"`
	IsOverdue             bool       `gorm:"default:false;index" json:"is_overdue"`
	OverdueSince          *time.Time `json:"overdue_since"`

	Campaign   *Campaign      `json:"campaign,omitempty"`
	Owner      *User          `json:"owner,omitempty"`
	Activities []LeadActivity `gorm:"foreignKey:LeadID" json:"activities,omitempty"`
}

// DisplayName returns the best human label for the lead.
func (l Lead) DisplayName() string {
	name := l.FirstName
	if l.LastName != "" {
		if name != "" {
			name += " "
		}
		name += l.LastName
	}
	if name == "" {
		name = l.Email
	}
	return name
}

const (
	ActivityEmailReplied = "email_replied"
	ActivityStageChanged = "stage_changed"
	ActivityTaskDone     = "task_completed"
)

// LeadActivity is the CRM timeline entry for a lead.
type LeadActivity struct {
	gorm.Model
	OrganizationID uint  `gorm:"not null;index" json:"organization_id"`
	ClientID       uint  `gorm:"not null;index" json:"client_id"`
	LeadID         uint  `gorm:"not null;index" json:"lead_id"`
	MessageID      *uint `json:"message_id,omitempty"`

	ActivityType string    `gorm:"not null" json:"activity_type"` // email_replied, stage_changed, task_completed
	ActivityAt   time.Time `gorm:"not null" json:"activity_at"`
	Details      string    `gorm:"type:text" json:"details"`
}

// Pipeline is a client's ordered set of CRM stages.
type Pipeline struct {
	gorm.Model
	OrganizationID uint   `gorm:"not null;index" json:"organization_id"`
	ClientID       uint   `gorm:"not null;index" json:"client_id"`
	Name           string `gorm:"not null" json:"name"`

	Stages []PipelineStage `gorm:"foreignKey:PipelineID" json:"stages,omitempty"`
}

// PipelineStage is one column of a pipeline.
type PipelineStage struct {
	gorm.Model
	PipelineID uint   `gorm:"not null;index" json:"pipeline_id"`
	Name       string `gorm:"not null" json:"name"`
	Position   int    `gorm:"not null" json:"position"`
}
