package services

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"leadflow/apperrors"
	"leadflow/metrics"
	"leadflow/models"
	"leadflow/utils"
	"leadflow/webhook"
)

type SequenceInput struct {
	Name             string `json:"name" validate:"required,max=255"`
	Description      string `json:"description"`
	Status           string `json:"status" validate:"omitempty,oneof=draft active paused archived"`
	MaxEmailsPerDay  int    `json:"max_emails_per_day" validate:"omitempty,min=1,max=10000"`
	SendingStartHour *int   `json:"sending_start_hour" validate:"omitempty,min=0,max=23"`
	SendingEndHour   *int   `json:"sending_end_hour" validate:"omitempty,min=1,max=24"`
	Timezone         string `json:"timezone"`
}

type SequenceUpdate struct {
	Name             *string `json:"name" validate:"omitempty,min=1,max=255"`
	Description      *string `json:"description"`
	Status           *string `json:"status" validate:"omitempty,oneof=draft active paused archived"`
	MaxEmailsPerDay  *int    `json:"max_emails_per_day" validate:"omitempty,min=1,max=10000"`
	SendingStartHour *int    `json:"sending_start_hour" validate:"omitempty,min=0,max=23"`
	SendingEndHour   *int    `json:"sending_end_hour" validate:"omitempty,min=1,max=24"`
	Timezone         *string `json:"timezone"`
}

type StepInput struct {
	StepOrder int    `json:"step_order" validate:"min=1"`
	DelayDays int    `json:"delay_days" validate:"min=0,max=365"`
	Subject   string `json:"subject" validate:"required,max=255"`
	Body      string `json:"body"`
}

type StepUpdate struct {
	StepOrder *int    `json:"step_order" validate:"omitempty,min=1"`
	DelayDays *int    `json:"delay_days" validate:"omitempty,min=0,max=365"`
	Subject   *string `json:"subject" validate:"omitempty,min=1,max=255"`
	Body      *string `json:"body"`
}

// EnrollResult is the batch outcome of Enroll. Skipped is the sum of the
// per-reason skip counters.
type EnrollResult struct {
	Enrolled         int                 `json:"enrolled"`
	Skipped          int                 `json:"skipped"`
	SkippedNoAddress int                 `json:"skipped_no_address"`
	SkippedDuplicate int                 `json:"skipped_duplicate"`
	SkippedMissing   int                 `json:"skipped_missing"`
	Enrollments      []models.Enrollment `json:"enrollments"`
}

// SequenceService owns sequence and step definitions and per-lead enrollment state.
type SequenceService struct {
	db     *gorm.DB
	events EventPublisher
	log    *logrus.Entry
	now    func() time.Time
}

func NewSequenceService(db *gorm.DB, events EventPublisher) *SequenceService {
	return &SequenceService{
		db:     db,
		events: events,
		log:    utils.ComponentLogger("sequence_service"),
		now:    utcNow,
	}
}

func validateSendingWindow(start, end int, timezone string) error {
	if start >= end {
		return apperrors.Validation("sending_start_hour must be before sending_end_hour")
	}
	if _, err := time.LoadLocation(timezone); err != nil {
		return apperrors.Validation("unknown timezone %q", timezone)
	}
	return nil
}

func (s *SequenceService) CreateSequence(ctx context.Context, scope models.Scope, in SequenceInput) (*models.Sequence, error) {
	if err := utils.ValidateStruct(in); err != nil {
		return nil, err
	}

	seq := models.Sequence{
		OrganizationID:   scope.OrganizationID,
		ClientID:         scope.ClientID,
		Name:             in.Name,
		Description:      in.Description,
		Status:           models.SequenceStatusDraft,
		MaxEmailsPerDay:  100,
		SendingStartHour: 9,
		SendingEndHour:   17,
		Timezone:         "UTC",
	}
	if in.Status != "" {
		seq.Status = models.SequenceStatus(in.Status)
	}
	if in.MaxEmailsPerDay > 0 {
		seq.MaxEmailsPerDay = in.MaxEmailsPerDay
	}
	if in.SendingStartHour != nil {
		seq.SendingStartHour = *in.SendingStartHour
	}
	if in.SendingEndHour != nil {
		seq.SendingEndHour = *in.SendingEndHour
	}
	if in.Timezone != "" {
		seq.Timezone = in.Timezone
	}
	if err := validateSendingWindow(seq.SendingStartHour, seq.SendingEndHour, seq.Timezone); err != nil {
		return nil, err
	}

	if err := s.db.WithContext(ctx).Create(&seq).Error; err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{"sequence_id": seq.ID, "client_id": scope.ClientID}).Info("Sequence created")
	return &seq, nil
}

func (s *SequenceService) ListSequences(ctx context.Context, scope models.Scope, status string) ([]models.Sequence, error) {
	query := scope.Apply(s.db.WithContext(ctx))
	if status != "" {
		if !models.SequenceStatus(status).Valid() {
			return nil, apperrors.Validation("unknown sequence status %q", status)
		}
		query = query.Where("status = ?", status)
	}
	var sequences []models.Sequence
	err := query.Preload("Steps", func(db *gorm.DB) *gorm.DB {
		return db.Order("step_order")
	}).Order("created_at DESC").Find(&sequences).Error
	return sequences, err
}

func (s *SequenceService) GetSequence(ctx context.Context, scope models.Scope, id uint) (*models.Sequence, error) {
	var seq models.Sequence
	err := scope.Apply(s.db.WithContext(ctx)).
		Preload("Steps", func(db *gorm.DB) *gorm.DB {
			return db.Order("step_order")
		}).
		First(&seq, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.NotFound("sequence %d", id)
	}
	if err != nil {
		return nil, err
	}
	return &seq, nil
}

func (s *SequenceService) UpdateSequence(ctx context.Context, scope models.Scope, id uint, in SequenceUpdate) (*models.Sequence, error) {
	if err := utils.ValidateStruct(in); err != nil {
		return nil, err
	}
	seq, err := s.GetSequence(ctx, scope, id)
	if err != nil {
		return nil, err
	}

	updates := map[string]interface{}{}
	if in.Name != nil {
		seq.Name = *in.Name
		updates["name"] = *in.Name
	}
	if in.Description != nil {
		seq.Description = *in.Description
		updates["description"] = *in.Description
	}
	if in.Status != nil {
		seq.Status = models.SequenceStatus(*in.Status)
		updates["status"] = *in.Status
	}
	if in.MaxEmailsPerDay != nil {
		seq.MaxEmailsPerDay = *in.MaxEmailsPerDay
		updates["max_emails_per_day"] = *in.MaxEmailsPerDay
	}
	if in.SendingStartHour != nil {
		seq.SendingStartHour = *in.SendingStartHour
		updates["sending_start_hour"] = *in.SendingStartHour
	}
	if in.SendingEndHour != nil {
		seq.SendingEndHour = *in.SendingEndHour
		updates["sending_end_hour"] = *in.SendingEndHour
	}
	if in.Timezone != nil {
		seq.Timezone = *in.Timezone
		updates["timezone"] = *in.Timezone
	}
	if len(updates) == 0 {
		return seq, nil
	}
	if err := validateSendingWindow(seq.SendingStartHour, seq.SendingEndHour, seq.Timezone); err != nil {
		return nil, err
	}

	if err := scope.Apply(s.db.WithContext(ctx).Model(&models.Sequence{})).
		Where("id = ?", id).Updates(updates).Error; err != nil {
		return nil, err
	}
	return seq, nil
}

// DeleteSequence soft-deletes a sequence and its steps. Sequences with
// running enrollments must be archived first.
func (s *SequenceService) DeleteSequence(ctx context.Context, scope models.Scope, id uint) error {
	if _, err := s.GetSequence(ctx, scope, id); err != nil {
		return err
	}

	var running int64
	if err := s.db.WithContext(ctx).Model(&models.Enrollment{}).
		Where("sequence_id = ? AND status IN ?", id, []models.EnrollmentStatus{
			models.EnrollmentStatusActive, models.EnrollmentStatusPaused,
		}).
		Count(&running).Error; err != nil {
		return err
	}
	if running > 0 {
		return apperrors.Conflict("sequence %d has %d running enrollments", id, running)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("sequence_id = ?", id).Delete(&models.SequenceStep{}).Error; err != nil {
			return err
		}
		return scope.Apply(tx).Delete(&models.Sequence{}, id).Error
	})
}

func (s *SequenceService) stepOrderTaken(ctx context.Context, sequenceID uint, order int, exceptID uint) (bool, error) {
	var count int64
	query := s.db.WithContext(ctx).Model(&models.SequenceStep{}).
		Where("sequence_id = ? AND step_order = ?", sequenceID, order)
	if exceptID != 0 {
		query = query.Where("id <> ?", exceptID)
	}
	if err := query.Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *SequenceService) AddStep(ctx context.Context, scope models.Scope, sequenceID uint, in StepInput) (*models.SequenceStep, error) {
	if err := utils.ValidateStruct(in); err != nil {
		return nil, err
	}
	if _, err := s.GetSequence(ctx, scope, sequenceID); err != nil {
		return nil, err
	}

	taken, err := s.stepOrderTaken(ctx, sequenceID, in.StepOrder, 0)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, apperrors.Conflict("step order %d already exists in sequence %d", in.StepOrder, sequenceID)
	}

	step := models.SequenceStep{
		SequenceID: sequenceID,
		StepOrder:  in.StepOrder,
		DelayDays:  in.DelayDays,
		Subject:    in.Subject,
		Body:       in.Body,
	}
	if err := s.db.WithContext(ctx).Create(&step).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, apperrors.Conflict("step order %d already exists in sequence %d", in.StepOrder, sequenceID)
		}
		return nil, err
	}
	return &step, nil
}

func (s *SequenceService) findStep(ctx context.Context, scope models.Scope, sequenceID, stepID uint) (*models.SequenceStep, error) {
	if _, err := s.GetSequence(ctx, scope, sequenceID); err != nil {
		return nil, err
	}
	var step models.SequenceStep
	err := s.db.WithContext(ctx).Where("sequence_id = ?", sequenceID).First(&step, stepID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.NotFound("step %d", stepID)
	}
	if err != nil {
		return nil, err
	}
	return &step, nil
}

// UpdateStep edits a step in place. Messages already created keep their own
// subject and body snapshot, so edits only affect future sends.
func (s *SequenceService) UpdateStep(ctx context.Context, scope models.Scope, sequenceID, stepID uint, in StepUpdate) (*models.SequenceStep, error) {
	if err := utils.ValidateStruct(in); err != nil {
		return nil, err
	}
	step, err := s.findStep(ctx, scope, sequenceID, stepID)
	if err != nil {
		return nil, err
	}

	updates := map[string]interface{}{}
	if in.StepOrder != nil && *in.StepOrder != step.StepOrder {
		taken, err := s.stepOrderTaken(ctx, sequenceID, *in.StepOrder, step.ID)
		if err != nil {
			return nil, err
		}
		if taken {
			return nil, apperrors.Conflict("step order %d already exists in sequence %d", *in.StepOrder, sequenceID)
		}
		step.StepOrder = *in.StepOrder
		updates["step_order"] = *in.StepOrder
	}
	if in.DelayDays != nil {
		step.DelayDays = *in.DelayDays
		updates["delay_days"] = *in.DelayDays
	}
	if in.Subject != nil {
		step.Subject = *in.Subject
		updates["subject"] = *in.Subject
	}
	if in.Body != nil {
		step.Body = *in.Body
		updates["body"] = *in.Body
	}
	if len(updates) == 0 {
		return step, nil
	}

	if err := s.db.WithContext(ctx).Model(&models.SequenceStep{}).
		Where("id = ?", step.ID).Updates(updates).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, apperrors.Conflict("step order %d already exists in sequence %d", step.StepOrder, sequenceID)
		}
		return nil, err
	}
	return step, nil
}

func (s *SequenceService) DeleteStep(ctx context.Context, scope models.Scope, sequenceID, stepID uint) error {
	step, err := s.findStep(ctx, scope, sequenceID, stepID)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Delete(step).Error
}

// Enroll binds each lead to an active sequence. Leads that cannot be enrolled
// are skipped and counted, never failing the batch.
func (s *SequenceService) Enroll(ctx context.Context, scope models.Scope, sequenceID uint, leadIDs []uint) (*EnrollResult, error) {
	seq, err := s.GetSequence(ctx, scope, sequenceID)
	if err != nil {
		return nil, err
	}
	if seq.Status != models.SequenceStatusActive {
		return nil, apperrors.Conflict("sequence %d is %s, not active", sequenceID, seq.Status)
	}

	var leads []models.Lead
	if len(leadIDs) > 0 {
		if err := scope.Apply(s.db.WithContext(ctx)).Where("id IN ?", leadIDs).Find(&leads).Error; err != nil {
			return nil, err
		}
	}
	byID := make(map[uint]models.Lead, len(leads))
	for _, lead := range leads {
		byID[lead.ID] = lead
	}

	now := s.now()
	var firstDelay int
	if len(seq.Steps) > 0 {
		firstDelay = seq.Steps[0].DelayDays
	}

	result := &EnrollResult{Enrollments: []models.Enrollment{}}
	for _, leadID := range leadIDs {
		lead, ok := byID[leadID]
		if !ok {
			result.SkippedMissing++
			metrics.EnrollmentsTotal.WithLabelValues("skipped_missing").Inc()
			continue
		}
		if !utils.HasUsableAddress(lead.Email, lead.Phone) {
			result.SkippedNoAddress++
			metrics.EnrollmentsTotal.WithLabelValues("skipped_no_address").Inc()
			s.log.WithField("lead_id", lead.ID).Info("Skipping lead without a usable address")
			continue
		}

		var existing int64
		if err := s.db.WithContext(ctx).Model(&models.Enrollment{}).
			Where("lead_id = ? AND sequence_id = ?", lead.ID, seq.ID).
			Count(&existing).Error; err != nil {
			return nil, err
		}
		if existing > 0 {
			result.SkippedDuplicate++
			metrics.EnrollmentsTotal.WithLabelValues("skipped_duplicate").Inc()
			continue
		}

		enrollment := models.Enrollment{
			OrganizationID: scope.OrganizationID,
			ClientID:       scope.ClientID,
			LeadID:         lead.ID,
			SequenceID:     seq.ID,
			Status:         models.EnrollmentStatusActive,
			CurrentStep:    0,
			NextStepAt:     utils.Pointer(now.AddDate(0, 0, firstDelay)),
		}
		if err := s.db.WithContext(ctx).Create(&enrollment).Error; err != nil {
			if isUniqueViolation(err) {
				result.SkippedDuplicate++
				metrics.EnrollmentsTotal.WithLabelValues("skipped_duplicate").Inc()
				continue
			}
			return nil, err
		}

		result.Enrolled++
		result.Enrollments = append(result.Enrollments, enrollment)
		metrics.EnrollmentsTotal.WithLabelValues("enrolled").Inc()

		publish(ctx, s.events, scope, webhook.EventSequenceEnrolled, map[string]interface{}{
			"enrollment_id": enrollment.ID,
			"lead_id":       lead.ID,
			"sequence_id":   seq.ID,
			"sequence_name": seq.Name,
			"lead_email":    lead.Email,
		})
	}
	result.Skipped = result.SkippedNoAddress + result.SkippedDuplicate + result.SkippedMissing

	s.log.WithFields(logrus.Fields{
		"sequence_id": seq.ID,
		"enrolled":    result.Enrolled,
		"skipped":     result.Skipped,
	}).Info("Enrollment batch processed")
	return result, nil
}

var enrollmentTransitions = map[models.EnrollmentStatus][]models.EnrollmentStatus{
	models.EnrollmentStatusActive: {
		models.EnrollmentStatusPaused, models.EnrollmentStatusCompleted,
		models.EnrollmentStatusUnsubscribed, models.EnrollmentStatusFailed,
	},
	models.EnrollmentStatusPaused: {
		models.EnrollmentStatusActive, models.EnrollmentStatusCompleted, models.EnrollmentStatusUnsubscribed,
	},
	models.EnrollmentStatusFailed: {
		models.EnrollmentStatusActive, models.EnrollmentStatusUnsubscribed,
	},
}

func canTransitionEnrollment(from, to models.EnrollmentStatus) bool {
	for _, allowed := range enrollmentTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func (s *SequenceService) GetEnrollment(ctx context.Context, scope models.Scope, id uint) (*models.Enrollment, error) {
	var enrollment models.Enrollment
	err := scope.Apply(s.db.WithContext(ctx)).First(&enrollment, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.NotFound("enrollment %d", id)
	}
	if err != nil {
		return nil, err
	}
	return &enrollment, nil
}

// UpdateEnrollment is the only way an enrollment leaves active. Completed
// and unsubscribed are terminal.
func (s *SequenceService) UpdateEnrollment(ctx context.Context, scope models.Scope, id uint, status string) (*models.Enrollment, error) {
	target := models.EnrollmentStatus(status)
	if !target.Valid() {
		return nil, apperrors.Validation("unknown enrollment status %q", status)
	}

	enrollment, err := s.GetEnrollment(ctx, scope, id)
	if err != nil {
		return nil, err
	}
	if enrollment.Status == target {
		return enrollment, nil
	}
	if enrollment.Status.Terminal() {
		return nil, apperrors.Conflict("enrollment %d is %s", id, enrollment.Status)
	}
	if !canTransitionEnrollment(enrollment.Status, target) {
		return nil, apperrors.Conflict("enrollment %d cannot move from %s to %s", id, enrollment.Status, target)
	}

	now := s.now()
	updates := map[string]interface{}{"status": target}
	switch target {
	case models.EnrollmentStatusPaused:
		updates["paused_at"] = now
		enrollment.PausedAt = &now
	case models.EnrollmentStatusCompleted:
		updates["completed_at"] = now
		enrollment.CompletedAt = &now
	case models.EnrollmentStatusUnsubscribed:
		updates["unsubscribed_at"] = now
		enrollment.UnsubscribedAt = &now
	case models.EnrollmentStatusFailed:
		updates["failed_at"] = now
		enrollment.FailedAt = &now
	case models.EnrollmentStatusActive:
		if enrollment.NextStepAt == nil || enrollment.NextStepAt.Before(now) {
			updates["next_step_at"] = now
			enrollment.NextStepAt = &now
		}
	}

	if target.Terminal() {
		updates["next_step_at"] = nil
		enrollment.NextStepAt = nil
	}

	res := s.db.WithContext(ctx).Model(&models.Enrollment{}).
		Where("id = ? AND status = ?", enrollment.ID, enrollment.Status).
		Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, apperrors.Conflict("enrollment %d changed concurrently", id)
	}

	s.log.WithFields(logrus.Fields{
		"enrollment_id": enrollment.ID,
		"from":          enrollment.Status,
		"to":            target,
	}).Info("Enrollment status changed")
	enrollment.Status = target
	return enrollment, nil
}
