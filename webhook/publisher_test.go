package webhook

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"leadflow/models"
	"leadflow/testutil"
	"leadflow/utils"
)

const testEncryptionKey = "0123456789abcdef0123456789abcdef"

type countingNotifier struct{ calls int }

func (n *countingNotifier) Notify() { n.calls++ }

type recordingBroadcaster struct {
	events []Envelope
}

func (b *recordingBroadcaster) Broadcast(_ uint, env Envelope) { b.events = append(b.events, env) }

func subscription(t *testing.T, db *gorm.DB, sub models.WebhookSubscription, secret string) models.WebhookSubscription {
	t.Helper()
	sealed, err := utils.Encrypt(testEncryptionKey, secret)
	require.NoError(t, err)
	sub.Secret = sealed
	active := sub.IsActive
	require.NoError(t, db.Create(&sub).Error)
	if !active {
		require.NoError(t, db.Model(&sub).Update("is_active", false).Error)
	}
	return sub
}

func TestPublishFansOutToMatchingSubscriptions(t *testing.T) {
	f := testutil.NewFixture(t)
	other := testutil.NewFixtureOn(t, f.DB)
	store := NewSubscriptionStore(f.DB, testEncryptionKey)
	ctx := context.Background()

	create := func(orgID uint, url string, events ...string) (models.WebhookSubscription, string) {
		t.Helper()
		sub, secret, err := store.Create(ctx, orgID, SubscriptionInput{URL: url, Events: events})
		require.NoError(t, err)
		return *sub, secret
	}

	a, secretA := create(f.Org.ID, "https://a.test/hook", "lead.created")
	b, secretB := create(f.Org.ID, "https://b.test/hook", "lead.created")
	_, secretC := create(f.Org.ID, "https://c.test/hook", "lead.updated")
	inactive, _ := create(f.Org.ID, "https://d.test/hook", "lead.created")
	_, err := store.Update(ctx, f.Org.ID, inactive.ID, SubscriptionUpdate{IsActive: utils.Pointer(false)})
	require.NoError(t, err)
	create(other.Org.ID, "https://e.test/hook", "lead.created")
	require.NotEqual(t, secretA, secretB)

	notifier := &countingNotifier{}
	hub := &recordingBroadcaster{}
	pub := NewPublisher(f.DB, Config{EncryptionKey: testEncryptionKey}, notifier, hub)

	res, err := pub.Publish(ctx, PublishRequest{
		EventName:      "lead.created",
		OrganizationID: f.Org.ID,
		Payload:        map[string]interface{}{"lead_id": 12},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Triggered)
	assert.Len(t, res.EventIDs, 2)
	assert.NotEqual(t, res.EventIDs[0], res.EventIDs[1])
	assert.Equal(t, 1, notifier.calls)
	require.Len(t, hub.events, 1)
	assert.Empty(t, hub.events[0].Signature)

	var logs []models.EventLog
	require.NoError(t, f.DB.Order("id").Find(&logs).Error)
	require.Len(t, logs, 2)

	secrets := map[uint]string{a.ID: secretA, b.ID: secretB}
	for _, row := range logs {
		require.NotNil(t, row.SubscriptionID)
		assert.Equal(t, models.DeliveryStatusPending, row.Status)

		var env Envelope
		require.NoError(t, json.Unmarshal([]byte(row.Envelope), &env))
		assert.Equal(t, "lead.created", env.EventName)
		assert.Equal(t, row.Signature, env.Signature)
		assert.JSONEq(t, `{"lead_id":12}`, string(env.Payload))
		assert.NoError(t, Verify(env, secrets[*row.SubscriptionID], time.Now(), 0))
		assert.ErrorIs(t, Verify(env, secretC, time.Now(), 0), ErrSignatureMismatch)
	}
	assert.NotEqual(t, logs[0].Signature, logs[1].Signature)
	assert.NotEqual(t, *logs[0].SubscriptionID, *logs[1].SubscriptionID)
}

func TestPublishWithoutSubscriptions(t *testing.T) {
	f := testutil.NewFixture(t)
	notifier := &countingNotifier{}
	pub := NewPublisher(f.DB, Config{EncryptionKey: testEncryptionKey}, notifier, nil)

	res, err := pub.Publish(context.Background(), PublishRequest{
		EventName:      EventMessageDelivered,
		OrganizationID: f.Org.ID,
		Payload:        map[string]interface{}{},
	})
	require.NoError(t, err)
	assert.Zero(t, res.Triggered)
	assert.Empty(t, res.EventIDs)
	assert.Zero(t, notifier.calls)
}

func TestPublishHonorsClientAndTarget(t *testing.T) {
	f := testutil.NewFixture(t)
	otherClient := uint(999)

	subscription(t, f.DB, models.WebhookSubscription{
		OrganizationID: f.Org.ID, URL: "http://all.test", Events: []string{"*"}, IsActive: true,
	}, "k1")
	subscription(t, f.DB, models.WebhookSubscription{
		OrganizationID: f.Org.ID, ClientID: &f.Client.ID, URL: "http://mine.test", Events: []string{"*"}, IsActive: true,
	}, "k2")
	subscription(t, f.DB, models.WebhookSubscription{
		OrganizationID: f.Org.ID, ClientID: &otherClient, URL: "http://theirs.test", Events: []string{"*"}, IsActive: true,
	}, "k3")
	subscription(t, f.DB, models.WebhookSubscription{
		OrganizationID: f.Org.ID, Target: "crm", URL: "http://crm.test", Events: []string{"*"}, IsActive: true,
	}, "k4")

	pub := NewPublisher(f.DB, Config{EncryptionKey: testEncryptionKey}, nil, nil)
	ctx := context.Background()

	res, err := pub.Publish(ctx, PublishRequest{EventName: EventStepExecuted, OrganizationID: f.Org.ID, ClientID: &f.Client.ID})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Triggered) // all, mine, crm

	res, err = pub.Publish(ctx, PublishRequest{EventName: EventStepExecuted, OrganizationID: f.Org.ID})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Triggered) // all, crm

	res, err = pub.Publish(ctx, PublishRequest{EventName: EventStepExecuted, OrganizationID: f.Org.ID, TargetProduct: "crm"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Triggered)
}

func TestPublishPlatformSink(t *testing.T) {
	f := testutil.NewFixture(t)
	pub := NewPublisher(f.DB, Config{
		EncryptionKey: testEncryptionKey,
		Endpoint:      "http://platform.test/events",
		Secret:        "platform-secret",
	}, nil, nil)

	res, err := pub.Publish(context.Background(), PublishRequest{
		EventName:      EventSequenceEnrolled,
		OrganizationID: f.Org.ID,
		Payload:        map[string]interface{}{"lead_id": 1},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Triggered)

	var row models.EventLog
	require.NoError(t, f.DB.First(&row).Error)
	assert.Nil(t, row.SubscriptionID)
	assert.Equal(t, "http://platform.test/events", row.URL)

	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(row.Envelope), &env))
	assert.NoError(t, Verify(env, "platform-secret", time.Now(), 0))
}

func TestPublishToSingleSubscriptionBypassesFilter(t *testing.T) {
	f := testutil.NewFixture(t)
	sub := subscription(t, f.DB, models.WebhookSubscription{
		OrganizationID: f.Org.ID, URL: "http://a.test", Events: []string{EventMessageFailed}, IsActive: true,
	}, "k")
	subscription(t, f.DB, models.WebhookSubscription{
		OrganizationID: f.Org.ID, URL: "http://b.test", Events: []string{"*"}, IsActive: true,
	}, "k")

	pub := NewPublisher(f.DB, Config{EncryptionKey: testEncryptionKey, Endpoint: "http://sink.test", Secret: "s"}, nil, nil)
	res, err := pub.Publish(context.Background(), PublishRequest{
		EventName:      EventTestWebhook,
		OrganizationID: f.Org.ID,
		SubscriptionID: &sub.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Triggered)
}
