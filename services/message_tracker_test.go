package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadflow/apperrors"
	"leadflow/models"
	"leadflow/testutil"
	"leadflow/utils"
	"leadflow/webhook"
)

func TestApplyStatusTransitions(t *testing.T) {
	tests := []struct {
		name      string
		from      models.MessageStatus
		to        string
		want      models.MessageStatus
		wantErr   func(error) bool
		wantEvent string
	}{
		{name: "pending to sent", from: models.MessageStatusPending, to: "sent", want: models.MessageStatusSent},
		{name: "sent to delivered", from: models.MessageStatusSent, to: "delivered", want: models.MessageStatusDelivered, wantEvent: webhook.EventMessageDelivered},
		{name: "delivered to opened", from: models.MessageStatusDelivered, to: "opened", want: models.MessageStatusOpened},
		{name: "sent straight to replied", from: models.MessageStatusSent, to: "replied", want: models.MessageStatusReplied, wantEvent: webhook.EventMessageReplied},
		{name: "pending to failed", from: models.MessageStatusPending, to: "failed", want: models.MessageStatusFailed, wantEvent: webhook.EventMessageFailed},
		{name: "sent to bounced", from: models.MessageStatusSent, to: "bounced", want: models.MessageStatusBounced, wantEvent: webhook.EventMessageFailed},
		{name: "stale delivered after opened", from: models.MessageStatusOpened, to: "delivered", want: models.MessageStatusOpened},
		{name: "stale sent after replied", from: models.MessageStatusReplied, to: "sent", want: models.MessageStatusReplied},
		{name: "case insensitive", from: models.MessageStatusPending, to: " Sent ", want: models.MessageStatusSent},
		{name: "bounce after delivery", from: models.MessageStatusDelivered, to: "bounced", wantErr: apperrors.IsConflict},
		{name: "leave failed", from: models.MessageStatusFailed, to: "sent", wantErr: apperrors.IsConflict},
		{name: "bounced to failed", from: models.MessageStatusBounced, to: "failed", wantErr: apperrors.IsConflict},
		{name: "unknown status", from: models.MessageStatusSent, to: "clicked", wantErr: apperrors.IsUnknownStatus},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mf := newMessageFixture(t, tt.from)
			events := &fakePublisher{}
			tracker := NewMessageTracker(mf.DB, events, Config{})

			msg, err := tracker.ApplyStatus(context.Background(), mf.Scope(), mf.Message.ID, StatusUpdate{
				Status:     tt.to,
				ProviderID: "prov-1",
				ErrorCode:  "550",
			})
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, tt.wantErr(err), "got %v", err)
				assert.Empty(t, events.names())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, msg.Status)
			require.NotNil(t, msg.Lead)
			require.NotNil(t, msg.Sequence)

			if tt.wantEvent == "" {
				assert.Empty(t, events.names())
			} else {
				assert.Equal(t, []string{tt.wantEvent}, events.names())
			}
		})
	}
}

func TestApplyStatusStampsTimestamps(t *testing.T) {
	mf := newMessageFixture(t, models.MessageStatusPending)
	tracker := NewMessageTracker(mf.DB, nil, Config{})
	ctx := context.Background()

	msg, err := tracker.ApplyStatus(ctx, mf.Scope(), mf.Message.ID, StatusUpdate{Status: "sent", ProviderID: "sg-123"})
	require.NoError(t, err)
	assert.NotNil(t, msg.SentAt)
	assert.Equal(t, "sg-123", msg.ProviderID)
	assert.Nil(t, msg.DeliveredAt)

	bounced := newMessageFixture(t, models.MessageStatusSent)
	tracker = NewMessageTracker(bounced.DB, nil, Config{})
	msg, err = tracker.ApplyStatus(ctx, bounced.Scope(), bounced.Message.ID, StatusUpdate{
		Status:       "bounced",
		ErrorCode:    "550",
		ErrorMessage: "mailbox unavailable",
	})
	require.NoError(t, err)
	assert.NotNil(t, msg.FailedAt)
	assert.Equal(t, "550", msg.ErrorCode)
	assert.Equal(t, "mailbox unavailable", msg.ErrorMessage)
}

func TestApplySameStatusTwiceIsIdempotent(t *testing.T) {
	mf := newMessageFixture(t, models.MessageStatusSent)
	events := &fakePublisher{}
	tracker := NewMessageTracker(mf.DB, events, Config{})
	ctx := context.Background()

	first, err := tracker.ApplyStatus(ctx, mf.Scope(), mf.Message.ID, StatusUpdate{Status: "delivered"})
	require.NoError(t, err)
	require.NotNil(t, first.DeliveredAt)

	tracker.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	second, err := tracker.ApplyStatus(ctx, mf.Scope(), mf.Message.ID, StatusUpdate{Status: "delivered"})
	require.NoError(t, err)
	require.NotNil(t, second.DeliveredAt)

	assert.True(t, first.DeliveredAt.Equal(*second.DeliveredAt))
	assert.Equal(t, 1, events.count(webhook.EventMessageDelivered))
}

func TestApplyStatusIsScoped(t *testing.T) {
	mf := newMessageFixture(t, models.MessageStatusSent)
	other := testutil.NewFixtureOn(t, mf.DB)
	tracker := NewMessageTracker(mf.DB, nil, Config{})

	_, err := tracker.ApplyStatus(context.Background(), other.Scope(), mf.Message.ID, StatusUpdate{Status: "delivered"})
	assert.True(t, apperrors.IsNotFound(err))
}

func TestReplySideEffects(t *testing.T) {
	mf := newMessageFixture(t, models.MessageStatusDelivered)
	pipeline := mf.Pipeline(t)
	newStage := pipeline.Stages[0]
	require.NoError(t, mf.DB.Model(&models.Lead{}).Where("id = ?", mf.Lead.ID).Updates(map[string]interface{}{
		"pipeline_id":   pipeline.ID,
		"stage_id":      newStage.ID,
		"is_overdue":    true,
		"overdue_since": *mf.Lead.LastTouchAt,
	}).Error)

	followUp := models.Task{
		OrganizationID: mf.Org.ID, ClientID: mf.Client.ID, LeadID: mf.Lead.ID,
		Title: "Follow up", Type: models.TaskTypeFollowUp, AutoCreated: true,
		AutoRule: utils.Pointer(models.AutoRuleFollowUp48h),
	}
	call := models.Task{
		OrganizationID: mf.Org.ID, ClientID: mf.Client.ID, LeadID: mf.Lead.ID,
		Title: "Call", Type: models.TaskTypeCall,
	}
	require.NoError(t, mf.DB.Create(&followUp).Error)
	require.NoError(t, mf.DB.Create(&call).Error)

	events := &fakePublisher{}
	tracker := NewMessageTracker(mf.DB, events, Config{})
	ctx := context.Background()
	replyAt := time.Now().UTC().Add(-time.Minute).Truncate(time.Second)

	msg, err := tracker.ApplyStatus(ctx, mf.Scope(), mf.Message.ID, StatusUpdate{Status: "replied", OccurredAt: &replyAt})
	require.NoError(t, err)
	assert.Equal(t, models.MessageStatusReplied, msg.Status)
	require.NotNil(t, msg.RepliedAt)
	assert.True(t, msg.RepliedAt.Equal(replyAt))

	var lead models.Lead
	require.NoError(t, mf.DB.First(&lead, mf.Lead.ID).Error)
	require.NotNil(t, lead.LastTouchAt)
	assert.False(t, lead.LastTouchAt.Before(replyAt))
	assert.False(t, lead.IsOverdue)
	assert.Nil(t, lead.OverdueSince)
	require.NotNil(t, lead.StageID)
	var stage models.PipelineStage
	require.NoError(t, mf.DB.First(&stage, *lead.StageID).Error)
	assert.Equal(t, "Connected", stage.Name)

	var inbox []models.InboxItem
	require.NoError(t, mf.DB.Where("lead_id = ?", mf.Lead.ID).Find(&inbox).Error)
	require.Len(t, inbox, 1)
	assert.Equal(t, "Reply to "+mf.Sequence.Name, inbox[0].Title)
	assert.Equal(t, "Re: Intro", inbox[0].Subject)
	assert.Equal(t, mf.Lead.Email, inbox[0].From)

	countActivities := func(kind string) int64 {
		var n int64
		require.NoError(t, mf.DB.Model(&models.LeadActivity{}).
			Where("lead_id = ? AND activity_type = ?", mf.Lead.ID, kind).Count(&n).Error)
		return n
	}
	assert.Equal(t, int64(1), countActivities(models.ActivityEmailReplied))
	assert.Equal(t, int64(1), countActivities(models.ActivityStageChanged))

	require.NoError(t, mf.DB.First(&followUp, followUp.ID).Error)
	assert.Equal(t, models.TaskStatusCompleted, followUp.Status)
	assert.NotNil(t, followUp.CompletedAt)
	require.NoError(t, mf.DB.First(&call, call.ID).Error)
	assert.Equal(t, models.TaskStatusPending, call.Status)

	assert.Equal(t, []string{webhook.EventMessageReplied}, events.names())
	payload := events.events[0].Payload.(map[string]interface{})
	assert.Equal(t, mf.Sequence.Name, payload["sequence_name"])

	// a repeated callback changes nothing
	_, err = tracker.ApplyStatus(ctx, mf.Scope(), mf.Message.ID, StatusUpdate{Status: "replied"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), countActivities(models.ActivityEmailReplied))
	assert.Equal(t, int64(1), countActivities(models.ActivityStageChanged))
	assert.Len(t, events.names(), 1)
}

func TestReplyStageMoveIsBestEffort(t *testing.T) {
	t.Run("no pipeline", func(t *testing.T) {
		mf := newMessageFixture(t, models.MessageStatusSent)
		tracker := NewMessageTracker(mf.DB, nil, Config{})
		_, err := tracker.ApplyStatus(context.Background(), mf.Scope(), mf.Message.ID, StatusUpdate{Status: "replied"})
		require.NoError(t, err)

		var n int64
		require.NoError(t, mf.DB.Model(&models.LeadActivity{}).
			Where("activity_type = ?", models.ActivityStageChanged).Count(&n).Error)
		assert.Zero(t, n)
	})

	t.Run("no matching stage", func(t *testing.T) {
		mf := newMessageFixture(t, models.MessageStatusSent)
		pipeline := models.Pipeline{OrganizationID: mf.Org.ID, ClientID: mf.Client.ID, Name: "Custom"}
		require.NoError(t, mf.DB.Create(&pipeline).Error)
		require.NoError(t, mf.DB.Create(&models.PipelineStage{PipelineID: pipeline.ID, Name: "Inbound", Position: 0}).Error)
		require.NoError(t, mf.DB.Model(&models.Lead{}).Where("id = ?", mf.Lead.ID).Update("pipeline_id", pipeline.ID).Error)

		tracker := NewMessageTracker(mf.DB, nil, Config{})
		_, err := tracker.ApplyStatus(context.Background(), mf.Scope(), mf.Message.ID, StatusUpdate{Status: "replied"})
		require.NoError(t, err)

		var lead models.Lead
		require.NoError(t, mf.DB.First(&lead, mf.Lead.ID).Error)
		assert.Nil(t, lead.StageID)
	})

	t.Run("configured stage preference", func(t *testing.T) {
		mf := newMessageFixture(t, models.MessageStatusSent)
		pipeline := mf.Pipeline(t)
		require.NoError(t, mf.DB.Model(&models.Lead{}).Where("id = ?", mf.Lead.ID).Update("pipeline_id", pipeline.ID).Error)

		tracker := NewMessageTracker(mf.DB, nil, Config{ReplyStageNames: []string{"Engaged", "qualified"}})
		_, err := tracker.ApplyStatus(context.Background(), mf.Scope(), mf.Message.ID, StatusUpdate{Status: "replied"})
		require.NoError(t, err)

		var lead models.Lead
		require.NoError(t, mf.DB.First(&lead, mf.Lead.ID).Error)
		require.NotNil(t, lead.StageID)
		var stage models.PipelineStage
		require.NoError(t, mf.DB.First(&stage, *lead.StageID).Error)
		assert.Equal(t, "Qualified", stage.Name)
	})
}
