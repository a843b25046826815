package models

import (
	"time"

	"gorm.io/gorm"
)

const (
	TaskStatusPending    = "pending"
	TaskStatusInProgress = "in_progress"
	TaskStatusCompleted  = "completed"
	TaskStatusCancelled  = "cancelled"

	TaskTypeFollowUp = "follow_up"
	TaskTypeCall     = "call"

	TaskPriorityNormal = "normal"
	TaskPriorityUrgent = "urgent"

	AutoRuleFollowUp48h  = "48h_followup"
	AutoRuleOverdueCheck = "overdue_check"
)

// OpenTaskStatuses are the statuses counted by the auto-rule uniqueness index.
var OpenTaskStatuses = []string{TaskStatusPending, TaskStatusInProgress}

// Task is a unit of work for a lead owner. At most one open task exists per
// (lead, auto_rule); the partial unique index created in Migrate enforces it.
type Task struct {
	gorm.Model
	OrganizationID uint  `gorm:"not null;index" json:"organization_id"`
	ClientID       uint  `gorm:"not null;index" json:"client_id"`
	LeadID         uint  `gorm:"not null;index" json:"lead_id"`
	AssigneeID     *uint `gorm:"index" json:"assignee_id,omitempty"`

	Title       string     `gorm:"not null" json:"title"`
	Description string     `gorm:"type:text" json:"description"`
	Type        string     `gorm:"default:'follow_up'" json:"type"`
	Priority    string     `gorm:"default:'normal'" json:"priority"`
	Status      string     `gorm:"default:'pending';index" json:"status"`
	DueAt       *time.Time `json:"due_at"`
	CompletedAt *time.Time `json:"completed_at"`

	AutoCreated bool    `gorm:"default:false" json:"auto_created"`
	AutoRule    *string `gorm:"index" json:"auto_rule,omitempty"`
}

// IsOpen reports whether the task still counts against its auto rule.
func (t Task) IsOpen() bool {
	return t.Status == TaskStatusPending || t.Status == TaskStatusInProgress
}
