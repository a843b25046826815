package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"leadflow/apperrors"
	"leadflow/metrics"
	"leadflow/models"
	"leadflow/utils"
	"leadflow/webhook"
)

// StatusUpdate is a delivery-provider callback for one message.
type StatusUpdate struct {
	Status       string     `json:"status" validate:"required"`
	ProviderID   string     `json:"providerId"`
	ErrorCode    string     `json:"errorCode"`
	ErrorMessage string     `json:"errorMessage"`
	OccurredAt   *time.Time `json:"occurredAt"`
}

// messageState describes one target status: where it sits on the happy path,
// which timestamp it stamps and what runs once the write is committed.
type messageState struct {
	rank     int // position on pending → replied; failures are -1
	stampCol string
	// apply runs inside the status transaction.
	apply func(t *MessageTracker, tx *gorm.DB, msg *models.Message, at time.Time) error
	// emit runs after commit.
	emit func(t *MessageTracker, ctx context.Context, msg *models.Message, at time.Time)
}

func (s messageState) failure() bool { return s.rank < 0 }

var messageStates = map[models.MessageStatus]messageState{
	models.MessageStatusPending:   {rank: 0},
	models.MessageStatusSent:      {rank: 1, stampCol: "sent_at"},
	models.MessageStatusDelivered: {rank: 2, stampCol: "delivered_at", emit: (*MessageTracker).emitDelivered},
	models.MessageStatusOpened:    {rank: 3, stampCol: "opened_at"},
	models.MessageStatusReplied:   {rank: 4, stampCol: "replied_at", apply: (*MessageTracker).applyReply, emit: (*MessageTracker).emitReplied},
	models.MessageStatusFailed:    {rank: -1, stampCol: "failed_at", emit: (*MessageTracker).emitFailed},
	models.MessageStatusBounced:   {rank: -1, stampCol: "failed_at", emit: (*MessageTracker).emitFailed},
}

// MessageTracker records provider callbacks against the message state machine
// and fires the side effects of each transition. It never sends anything.
type MessageTracker struct {
	db     *gorm.DB
	events EventPublisher
	cfg    Config
	log    *logrus.Entry
	now    func() time.Time
}

func NewMessageTracker(db *gorm.DB, events EventPublisher, cfg Config) *MessageTracker {
	return &MessageTracker{
		db:     db,
		events: events,
		cfg:    cfg.withDefaults(),
		log:    utils.ComponentLogger("message_tracker"),
		now:    utcNow,
	}
}

func (t *MessageTracker) GetMessage(ctx context.Context, scope models.Scope, id uint) (*models.Message, error) {
	var msg models.Message
	err := scope.Apply(t.db.WithContext(ctx)).
		Preload("Lead").
		Preload("Sequence").
		First(&msg, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.NotFound("message %d", id)
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// ApplyStatus moves a message to upd.Status. Repeating the current status or
// reporting an earlier happy-path status is a no-op; leaving a failure state
// or failing after delivery is a Conflict.
func (t *MessageTracker) ApplyStatus(ctx context.Context, scope models.Scope, messageID uint, upd StatusUpdate) (*models.Message, error) {
	target := models.MessageStatus(strings.ToLower(strings.TrimSpace(upd.Status)))
	state, ok := messageStates[target]
	if !ok {
		return nil, apperrors.UnknownStatus(upd.Status)
	}

	msg, err := t.GetMessage(ctx, scope, messageID)
	if err != nil {
		return nil, err
	}
	current, known := messageStates[msg.Status]
	if !known {
		return nil, apperrors.UnknownStatus(string(msg.Status))
	}

	switch {
	case msg.Status == target:
		return msg, nil
	case current.failure():
		return nil, apperrors.Conflict("message %d already %s", msg.ID, msg.Status)
	case state.failure() && current.rank > messageStates[models.MessageStatusSent].rank:
		return nil, apperrors.Conflict("message %d is %s and can no longer be %s", msg.ID, msg.Status, target)
	case !state.failure() && state.rank < current.rank:
		t.log.WithFields(logrus.Fields{
			"message_id": msg.ID,
			"current":    msg.Status,
			"reported":   target,
		}).Debug("Ignoring stale status update")
		return msg, nil
	}

	at := t.now()
	if upd.OccurredAt != nil && !upd.OccurredAt.IsZero() {
		at = upd.OccurredAt.UTC()
	}

	updates := map[string]interface{}{"status": target}
	if state.stampCol != "" {
		updates[state.stampCol] = at
	}
	if upd.ProviderID != "" {
		updates["provider_id"] = upd.ProviderID
	}
	if state.failure() {
		updates["error_code"] = upd.ErrorCode
		updates["error_message"] = upd.ErrorMessage
	}

	from := msg.Status
	err = t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Message{}).
			Where("id = ? AND status = ?", msg.ID, from).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errConcurrentTransition
		}
		if state.apply != nil {
			return state.apply(t, tx, msg, at)
		}
		return nil
	})
	if errors.Is(err, errConcurrentTransition) {
		latest, getErr := t.GetMessage(ctx, scope, messageID)
		if getErr == nil && latest.Status == target {
			return latest, nil
		}
		return nil, apperrors.Conflict("message %d changed concurrently", messageID)
	}
	if err != nil {
		return nil, err
	}

	metrics.MessageTransitions.WithLabelValues(string(target)).Inc()
	t.log.WithFields(logrus.Fields{
		"message_id": msg.ID,
		"from":       from,
		"to":         target,
	}).Info("Message status changed")

	updated, err := t.GetMessage(ctx, scope, messageID)
	if err != nil {
		return nil, err
	}
	if state.emit != nil {
		state.emit(t, ctx, updated, at)
	}
	return updated, nil
}

var errConcurrentTransition = errors.New("message status changed concurrently")

func messageScope(msg *models.Message) models.Scope {
	return models.Scope{OrganizationID: msg.OrganizationID, ClientID: msg.ClientID}
}

func sequenceName(msg *models.Message) string {
	if msg.Sequence != nil && msg.Sequence.Name != "" {
		return msg.Sequence.Name
	}
	return fmt.Sprintf("sequence %d", msg.SequenceID)
}

// applyReply records the CRM side of a reply: timeline activity, inbox entry,
// SLA touch, completion of open follow-ups and the best-effort stage move.
func (t *MessageTracker) applyReply(tx *gorm.DB, msg *models.Message, at time.Time) error {
	scope := messageScope(msg)
	seqName := sequenceName(msg)

	activity := models.LeadActivity{
		OrganizationID: msg.OrganizationID,
		ClientID:       msg.ClientID,
		LeadID:         msg.LeadID,
		MessageID:      utils.Pointer(msg.ID),
		ActivityType:   models.ActivityEmailReplied,
		ActivityAt:     at,
		Details:        fmt.Sprintf("Replied to %q from %s", msg.Subject, seqName),
	}
	if err := tx.Create(&activity).Error; err != nil {
		return err
	}

	from := msg.ToAddress
	if msg.Lead != nil && msg.Lead.Email != "" {
		from = msg.Lead.Email
	}
	item := models.InboxItem{
		OrganizationID: msg.OrganizationID,
		ClientID:       msg.ClientID,
		LeadID:         msg.LeadID,
		MessageID:      utils.Pointer(msg.ID),
		Title:          "Reply to " + seqName,
		From:           from,
		Subject:        "Re: " + msg.Subject,
		ReceivedAt:     at,
	}
	if err := tx.Create(&item).Error; err != nil {
		return err
	}

	if err := touchLead(tx, scope, msg.LeadID, at); err != nil {
		return err
	}
	if _, err := completeOpenFollowUps(tx, scope, msg.LeadID, at); err != nil {
		return err
	}
	return t.moveToReplyStage(tx, msg, at)
}

// moveToReplyStage moves the lead to the first configured reply stage present
// in its pipeline. A missing pipeline or stage is not an error.
func (t *MessageTracker) moveToReplyStage(tx *gorm.DB, msg *models.Message, at time.Time) error {
	var lead models.Lead
	if err := tx.First(&lead, msg.LeadID).Error; err != nil {
		return err
	}
	if lead.PipelineID == nil {
		return nil
	}

	var stages []models.PipelineStage
	if err := tx.Where("pipeline_id = ?", *lead.PipelineID).Order("position").Find(&stages).Error; err != nil {
		return err
	}

	var target *models.PipelineStage
	for _, name := range t.cfg.ReplyStageNames {
		for i := range stages {
			if strings.EqualFold(stages[i].Name, name) {
				target = &stages[i]
				break
			}
		}
		if target != nil {
			break
		}
	}
	if target == nil {
		return nil
	}
	if lead.StageID != nil && *lead.StageID == target.ID {
		return nil
	}

	previous := "none"
	if lead.StageID != nil {
		for _, stage := range stages {
			if stage.ID == *lead.StageID {
				previous = stage.Name
			}
		}
	}

	if err := tx.Model(&models.Lead{}).Where("id = ?", lead.ID).Update("stage_id", target.ID).Error; err != nil {
		return err
	}
	return tx.Create(&models.LeadActivity{
		OrganizationID: lead.OrganizationID,
		ClientID:       lead.ClientID,
		LeadID:         lead.ID,
		MessageID:      utils.Pointer(msg.ID),
		ActivityType:   models.ActivityStageChanged,
		ActivityAt:     at,
		Details:        fmt.Sprintf("Stage changed from %s to %s after reply", previous, target.Name),
	}).Error
}

func messagePayload(msg *models.Message, at time.Time) map[string]interface{} {
	return map[string]interface{}{
		"message_id":    msg.ID,
		"enrollment_id": msg.EnrollmentID,
		"step_id":       msg.StepID,
		"lead_id":       msg.LeadID,
		"sequence_id":   msg.SequenceID,
		"provider_id":   msg.ProviderID,
		"status":        msg.Status,
		"occurred_at":   at.Format(time.RFC3339),
	}
}

func (t *MessageTracker) emitDelivered(ctx context.Context, msg *models.Message, at time.Time) {
	publish(ctx, t.events, messageScope(msg), webhook.EventMessageDelivered, messagePayload(msg, at))
}

func (t *MessageTracker) emitReplied(ctx context.Context, msg *models.Message, at time.Time) {
	payload := messagePayload(msg, at)
	payload["sequence_name"] = sequenceName(msg)
	publish(ctx, t.events, messageScope(msg), webhook.EventMessageReplied, payload)
}

func (t *MessageTracker) emitFailed(ctx context.Context, msg *models.Message, at time.Time) {
	payload := messagePayload(msg, at)
	payload["error_code"] = msg.ErrorCode
	payload["error_message"] = msg.ErrorMessage
	publish(ctx, t.events, messageScope(msg), webhook.EventMessageFailed, payload)
}
