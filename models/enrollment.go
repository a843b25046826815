package models

import (
	"time"

	"gorm.io/gorm"
)

type EnrollmentStatus string

const (
	EnrollmentStatusActive       EnrollmentStatus = "active"
	EnrollmentStatusPaused       EnrollmentStatus = "paused"
	EnrollmentStatusCompleted    EnrollmentStatus = "completed"
	EnrollmentStatusUnsubscribed EnrollmentStatus = "unsubscribed"
	EnrollmentStatusFailed       EnrollmentStatus = "failed"
)

func (s EnrollmentStatus) Valid() bool {
	switch s {
	case EnrollmentStatusActive, EnrollmentStatusPaused, EnrollmentStatusCompleted,
		EnrollmentStatusUnsubscribed, EnrollmentStatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further messages may be scheduled.
func (s EnrollmentStatus) Terminal() bool {
	return s == EnrollmentStatusCompleted || s == EnrollmentStatusUnsubscribed
}

// Enrollment binds one lead to one sequence. The (lead, sequence) pair is
// unique, so there is never more than one active enrollment for it.
type Enrollment struct {
	gorm.Model
	OrganizationID uint `gorm:"not null;index" json:"organization_id"`
	ClientID       uint `gorm:"not null;index" json:"client_id"`
	LeadID         uint `gorm:"not null;uniqueIndex:idx_enrollment_lead_sequence" json:"lead_id"`
	SequenceID     uint `gorm:"not null;uniqueIndex:idx_enrollment_lead_sequence;index" json:"sequence_id"`

	Status      EnrollmentStatus `gorm:"default:'active';index" json:"status"`
	CurrentStep int              `gorm:"default:0" json:"current_step"`
	NextStepAt  *time.Time       `gorm:"index" json:"next_step_at"`

	PausedAt       *time.Time `json:"paused_at"`
	CompletedAt    *time.Time `json:"completed_at"`
	UnsubscribedAt *time.Time `json:"unsubscribed_at"`
	FailedAt       *time.Time `json:"failed_at"`

	Lead     *Lead     `json:"lead,omitempty"`
	Sequence *Sequence `json:"sequence,omitempty"`
	Messages []Message `gorm:"foreignKey:EnrollmentID" json:"messages,omitempty"`
}
