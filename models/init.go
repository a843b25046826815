package models

import (
	"fmt"

	"gorm.io/gorm"
)

// partialIndexes cannot be expressed with struct tags because their WHERE
// clauses contain commas, so they are created after AutoMigrate.
var partialIndexes = []string{
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_sequence_steps_order
		ON sequence_steps (sequence_id, step_order)
		WHERE deleted_at IS NULL`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_open_auto_rule
		ON tasks (lead_id, auto_rule)
		WHERE auto_rule IS NOT NULL AND deleted_at IS NULL AND status IN ('pending', 'in_progress')`,
}

// Migrate creates or updates every table the outreach engine owns.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&Organization{},
		&Client{},
		&User{},
		&Campaign{},
		&Pipeline{},
		&PipelineStage{},
		&Lead{},
		&LeadActivity{},
		&Sequence{},
		&SequenceStep{},
		&Enrollment{},
		&Message{},
		&Task{},
		&InboxItem{},
		&WebhookSubscription{},
		&EventLog{},
	); err != nil {
		return err
	}

	for _, stmt := range partialIndexes {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("failed to create partial index: %w", err)
		}
	}
	return nil
}

// DefaultPipelineStages is the stage layout new clients start with.
var DefaultPipelineStages = []string{"New", "Contacted", "Connected", "Qualified", "Won", "Lost"}

// CreateDefaultPipeline creates the default pipeline for a client if it has none.
func CreateDefaultPipeline(db *gorm.DB, scope Scope) (*Pipeline, error) {
	pipeline := Pipeline{
		OrganizationID: scope.OrganizationID,
		ClientID:       scope.ClientID,
		Name:           "Sales",
	}
	if err := db.Where("organization_id = ? AND client_id = ?", scope.OrganizationID, scope.ClientID).
		FirstOrCreate(&pipeline).Error; err != nil {
		return nil, err
	}

	for i, name := range DefaultPipelineStages {
		stage := PipelineStage{PipelineID: pipeline.ID, Name: name, Position: i}
		if err := db.Where("pipeline_id = ? AND name = ?", pipeline.ID, name).
			FirstOrCreate(&stage).Error; err != nil {
			return nil, err
		}
		pipeline.Stages = append(pipeline.Stages, stage)
	}
	return &pipeline, nil
}
