package services

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"leadflow/apperrors"
	"leadflow/models"
	"leadflow/utils"
	"leadflow/webhook"
)

// StepExecution reports what ExecuteStep did for one enrollment.
type StepExecution struct {
	Enrollment *models.Enrollment `json:"enrollment"`
	Message    *models.Message    `json:"message,omitempty"`
	Created    bool               `json:"created"`
	Completed  bool               `json:"completed"`
}

// OutreachService composes the engine's components behind the operations
// collaborators call: enroll, advance, react and sweep.
type OutreachService struct {
	db         *gorm.DB
	events     EventPublisher
	Sequences  *SequenceService
	Messages   *MessageTracker
	Automation *AutomationEngine
	log        *logrus.Entry
	now        func() time.Time
}

func NewOutreachService(db *gorm.DB, events EventPublisher, cfg Config) *OutreachService {
	return &OutreachService{
		db:         db,
		events:     events,
		Sequences:  NewSequenceService(db, events),
		Messages:   NewMessageTracker(db, events, cfg),
		Automation: NewAutomationEngine(db, cfg),
		log:        utils.ComponentLogger("outreach"),
		now:        utcNow,
	}
}

// ExecuteStep creates the pending message for the enrollment's current step,
// announces it and advances the pointer. Running it twice for the same step
// never creates a second message.
func (o *OutreachService) ExecuteStep(ctx context.Context, enrollmentID uint) (*StepExecution, error) {
	var enrollment models.Enrollment
	err := o.db.WithContext(ctx).Preload("Lead").Preload("Sequence").First(&enrollment, enrollmentID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.NotFound("enrollment %d", enrollmentID)
	}
	if err != nil {
		return nil, err
	}
	if enrollment.Status != models.EnrollmentStatusActive {
		return nil, apperrors.Conflict("enrollment %d is %s", enrollment.ID, enrollment.Status)
	}
	if enrollment.Lead == nil || enrollment.Sequence == nil {
		return nil, apperrors.NotFound("lead or sequence of enrollment %d", enrollment.ID)
	}
	scope := models.Scope{OrganizationID: enrollment.OrganizationID, ClientID: enrollment.ClientID}

	var steps []models.SequenceStep
	if err := o.db.WithContext(ctx).Where("sequence_id = ?", enrollment.SequenceID).
		Order("step_order").Find(&steps).Error; err != nil {
		return nil, err
	}

	exec := &StepExecution{Enrollment: &enrollment}
	index := enrollment.CurrentStep
	if index >= len(steps) {
		return o.complete(ctx, scope, exec)
	}
	step := steps[index]

	lead := enrollment.Lead
	to := lead.Email
	if !utils.UsableEmail(to) {
		to = lead.Phone
	}
	msg := models.Message{
		OrganizationID: enrollment.OrganizationID,
		ClientID:       enrollment.ClientID,
		EnrollmentID:   enrollment.ID,
		StepID:         step.ID,
		LeadID:         lead.ID,
		SequenceID:     enrollment.SequenceID,
		Status:         models.MessageStatusPending,
		ToAddress:      to,
		Subject:        step.Subject,
		Body:           step.Body,
	}
	err = o.db.WithContext(ctx).Create(&msg).Error
	switch {
	case err == nil:
		exec.Created = true
	case isUniqueViolation(err):
		if err := o.db.WithContext(ctx).
			Where("enrollment_id = ? AND step_id = ?", enrollment.ID, step.ID).
			First(&msg).Error; err != nil {
			return nil, err
		}
	default:
		return nil, err
	}
	exec.Message = &msg

	if exec.Created {
		publish(ctx, o.events, scope, webhook.EventStepExecuted, map[string]interface{}{
			"enrollment_id": enrollment.ID,
			"message_id":    msg.ID,
			"step_id":       step.ID,
			"step_order":    step.StepOrder,
			"lead_id":       lead.ID,
			"sequence_id":   enrollment.SequenceID,
			"sequence_name": enrollment.Sequence.Name,
			"to_address":    to,
		})
	}

	next := index + 1
	updates := map[string]interface{}{"current_step": next}
	if next < len(steps) {
		updates["next_step_at"] = o.now().AddDate(0, 0, steps[next].DelayDays)
	}
	res := o.db.WithContext(ctx).Model(&models.Enrollment{}).
		Where("id = ? AND current_step = ? AND status = ?", enrollment.ID, index, models.EnrollmentStatusActive).
		Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return exec, nil
	}
	enrollment.CurrentStep = next
	if at, ok := updates["next_step_at"].(time.Time); ok {
		enrollment.NextStepAt = &at
	}

	o.log.WithFields(logrus.Fields{
		"enrollment_id": enrollment.ID,
		"step_order":    step.StepOrder,
		"message_id":    msg.ID,
	}).Info("Sequence step executed")

	if next >= len(steps) {
		return o.complete(ctx, scope, exec)
	}
	return exec, nil
}

func (o *OutreachService) complete(ctx context.Context, scope models.Scope, exec *StepExecution) (*StepExecution, error) {
	updated, err := o.Sequences.UpdateEnrollment(ctx, scope, exec.Enrollment.ID, string(models.EnrollmentStatusCompleted))
	if err != nil {
		return nil, err
	}
	updated.Lead = exec.Enrollment.Lead
	updated.Sequence = exec.Enrollment.Sequence
	exec.Enrollment = updated
	exec.Completed = true
	return exec, nil
}

// inSendingWindow reports whether now falls inside the sequence's sending hours.
func inSendingWindow(seq models.Sequence, now time.Time) bool {
	loc, err := time.LoadLocation(seq.Timezone)
	if err != nil {
		loc = time.UTC
	}
	hour := now.In(loc).Hour()
	return hour >= seq.SendingStartHour && hour < seq.SendingEndHour
}

// RunDueSteps executes every due step of active sequences that are inside
// their sending window and below their daily cap. It returns the number of
// messages created.
func (o *OutreachService) RunDueSteps(ctx context.Context) (int, error) {
	var sequences []models.Sequence
	if err := o.db.WithContext(ctx).Where("status = ?", models.SequenceStatusActive).
		Find(&sequences).Error; err != nil {
		return 0, err
	}

	now := o.now()
	created := 0
	for _, seq := range sequences {
		if ctx.Err() != nil {
			return created, ctx.Err()
		}
		if !inSendingWindow(seq, now) {
			continue
		}

		loc, err := time.LoadLocation(seq.Timezone)
		if err != nil {
			loc = time.UTC
		}
		var sentToday int64
		if err := o.db.WithContext(ctx).Model(&models.Message{}).
			Where("sequence_id = ? AND created_at >= ?", seq.ID, utils.StartOfLocalDay(now, loc).UTC()).
			Count(&sentToday).Error; err != nil {
			return created, err
		}
		remaining := seq.MaxEmailsPerDay - int(sentToday)
		if remaining <= 0 {
			continue
		}

		var due []models.Enrollment
		if err := o.db.WithContext(ctx).
			Where("sequence_id = ? AND status = ? AND next_step_at IS NOT NULL AND next_step_at <= ?",
				seq.ID, models.EnrollmentStatusActive, now).
			Order("next_step_at").
			Limit(remaining).
			Find(&due).Error; err != nil {
			return created, err
		}

		for _, enrollment := range due {
			exec, err := o.ExecuteStep(ctx, enrollment.ID)
			if err != nil {
				utils.LogError("sequence_step_failed", err, map[string]interface{}{
					"enrollment_id": enrollment.ID,
					"sequence_id":   seq.ID,
				})
				continue
			}
			if exec.Created {
				created++
			}
		}
	}
	return created, nil
}
