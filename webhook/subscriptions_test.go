package webhook

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadflow/apperrors"
	"leadflow/models"
	"leadflow/testutil"
	"leadflow/utils"
)

func TestSubscriptionStoreCreate(t *testing.T) {
	f := testutil.NewFixture(t)
	other := testutil.NewFixtureOn(t, f.DB)
	store := NewSubscriptionStore(f.DB, testEncryptionKey)
	ctx := context.Background()

	sub, secret, err := store.Create(ctx, f.Org.ID, SubscriptionInput{
		URL:    "https://crm.example.com/hooks",
		Events: []string{EventMessageReplied},
	})
	require.NoError(t, err)
	assert.Len(t, secret, 64)
	assert.NotEqual(t, secret, sub.Secret)
	assert.True(t, sub.IsActive)

	plain, err := utils.Decrypt(testEncryptionKey, sub.Secret)
	require.NoError(t, err)
	assert.Equal(t, secret, plain)

	_, given, err := store.Create(ctx, f.Org.ID, SubscriptionInput{
		URL: "https://crm.example.com/other", Events: []string{"*"}, Secret: "a-very-long-shared-secret",
	})
	require.NoError(t, err)
	assert.Equal(t, "a-very-long-shared-secret", given)

	tests := []struct {
		name  string
		in    SubscriptionInput
		check func(error) bool
	}{
		{"missing url", SubscriptionInput{Events: []string{EventMessageReplied}}, apperrors.IsValidation},
		{"bad url", SubscriptionInput{URL: "not a url", Events: []string{EventMessageReplied}}, apperrors.IsValidation},
		{"no events", SubscriptionInput{URL: "https://x.io"}, apperrors.IsValidation},
		{"event without namespace", SubscriptionInput{URL: "https://x.io", Events: []string{"created"}}, apperrors.IsValidation},
		{"malformed event", SubscriptionInput{URL: "https://x.io", Events: []string{"Lead Created"}}, apperrors.IsValidation},
		{"empty event", SubscriptionInput{URL: "https://x.io", Events: []string{""}}, apperrors.IsValidation},
		{"short secret", SubscriptionInput{URL: "https://x.io", Events: []string{"*"}, Secret: "short"}, apperrors.IsValidation},
		{"foreign client", SubscriptionInput{URL: "https://x.io", Events: []string{"*"}, ClientID: &other.Client.ID}, apperrors.IsNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := store.Create(ctx, f.Org.ID, tt.in)
			assert.True(t, tt.check(err), "got %v", err)
		})
	}

	collaborator, _, err := store.Create(ctx, f.Org.ID, SubscriptionInput{
		URL: "https://crm.example.com/leads", Events: []string{"lead.created", "deal.stage_changed"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"lead.created", "deal.stage_changed"}, collaborator.Events)

	_, err = store.Update(ctx, f.Org.ID, collaborator.ID, SubscriptionUpdate{Events: []string{"LEAD"}})
	assert.True(t, apperrors.IsValidation(err), "got %v", err)

	subs, err := store.List(ctx, f.Org.ID)
	require.NoError(t, err)
	assert.Len(t, subs, 3)
	subs, err = store.List(ctx, other.Org.ID)
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestSubscriptionStoreUpdateAndDelete(t *testing.T) {
	f := testutil.NewFixture(t)
	other := testutil.NewFixtureOn(t, f.DB)
	store := NewSubscriptionStore(f.DB, testEncryptionKey)
	ctx := context.Background()

	sub, _, err := store.Create(ctx, f.Org.ID, SubscriptionInput{URL: "https://a.io/hook", Events: []string{"*"}})
	require.NoError(t, err)

	_, err = store.Update(ctx, other.Org.ID, sub.ID, SubscriptionUpdate{IsActive: utils.Pointer(false)})
	assert.True(t, apperrors.IsNotFound(err))

	updated, err := store.Update(ctx, f.Org.ID, sub.ID, SubscriptionUpdate{
		IsActive: utils.Pointer(false),
		Events:   []string{EventMessageFailed},
	})
	require.NoError(t, err)
	assert.False(t, updated.IsActive)

	require.NoError(t, f.DB.Model(&models.WebhookSubscription{}).Where("id = ?", sub.ID).
		Updates(map[string]interface{}{"failure_count": 4, "last_error": "timeout"}).Error)

	reactivated, err := store.Update(ctx, f.Org.ID, sub.ID, SubscriptionUpdate{IsActive: utils.Pointer(true)})
	require.NoError(t, err)
	assert.True(t, reactivated.IsActive)
	assert.Zero(t, reactivated.FailureCount)

	var stored models.WebhookSubscription
	require.NoError(t, f.DB.First(&stored, sub.ID).Error)
	assert.True(t, stored.IsActive)
	assert.Zero(t, stored.FailureCount)
	assert.Empty(t, stored.LastError)
	assert.Equal(t, []string{EventMessageFailed}, stored.Events)

	assert.True(t, apperrors.IsNotFound(store.Delete(ctx, other.Org.ID, sub.ID)))
	require.NoError(t, store.Delete(ctx, f.Org.ID, sub.ID))
	_, err = store.Get(ctx, f.Org.ID, sub.ID)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestSubscriptionStoreEvents(t *testing.T) {
	f := testutil.NewFixture(t)
	other := testutil.NewFixtureOn(t, f.DB)
	sub := subscription(t, f.DB, models.WebhookSubscription{
		OrganizationID: f.Org.ID, URL: "http://a.test/hook", Events: []string{"*"}, IsActive: true,
	}, "secret-a")

	p := NewPublisher(f.DB, Config{EncryptionKey: testEncryptionKey}, nil, nil)
	ctx := context.Background()
	for _, name := range []string{EventSequenceEnrolled, EventStepExecuted, EventMessageReplied} {
		_, err := p.Publish(ctx, PublishRequest{EventName: name, OrganizationID: f.Org.ID, Payload: map[string]int{"n": 1}})
		require.NoError(t, err)
	}

	store := NewSubscriptionStore(f.DB, testEncryptionKey)
	rows, err := store.Events(ctx, f.Org.ID, EventFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, EventMessageReplied, rows[0].EventName)

	rows, err = store.Events(ctx, f.Org.ID, EventFilter{EventName: EventStepExecuted, SubscriptionID: sub.ID})
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	rows, err = store.Events(ctx, f.Org.ID, EventFilter{Status: string(models.DeliveryStatusDelivered)})
	require.NoError(t, err)
	assert.Empty(t, rows)

	rows, err = store.Events(ctx, other.Org.ID, EventFilter{})
	require.NoError(t, err)
	assert.Empty(t, rows)
}
