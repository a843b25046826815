package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"leadflow/models"
	"leadflow/utils"
)

// Notifier is woken after new outbox rows are committed.
type Notifier interface {
	Notify()
}

// Broadcaster pushes published events to live listeners of an organization.
type Broadcaster interface {
	Broadcast(organizationID uint, env Envelope)
}

// PublishRequest describes one domain event.
type PublishRequest struct {
	EventName      string
	OrganizationID uint
	ClientID       *uint
	TargetProduct  string
	Payload        interface{}

	// SubscriptionID restricts delivery to a single subscription and
	// bypasses its event filter. Used by the test endpoint.
	SubscriptionID *uint
}

type PublishResult struct {
	Triggered int      `json:"triggered"`
	EventIDs  []string `json:"event_ids"`
}

// Publisher fans an event out to every matching subscription by writing one
// signed outbox row per receiver. Delivery happens in the Dispatcher.
type Publisher struct {
	db          *gorm.DB
	cfg         Config
	notifier    Notifier
	broadcaster Broadcaster
	log         *logrus.Entry
	now         func() time.Time
}

func NewPublisher(db *gorm.DB, cfg Config, notifier Notifier, broadcaster Broadcaster) *Publisher {
	return &Publisher{
		db:          db,
		cfg:         cfg.withDefaults(),
		notifier:    notifier,
		broadcaster: broadcaster,
		log:         utils.ComponentLogger("webhook_publisher"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

type receiver struct {
	subscriptionID *uint
	url            string
	secret         string
}

func (p *Publisher) Publish(ctx context.Context, req PublishRequest) (*PublishResult, error) {
	if req.EventName == "" {
		return nil, fmt.Errorf("webhook: event name is required")
	}
	if req.OrganizationID == 0 {
		return nil, fmt.Errorf("webhook: organization is required")
	}

	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("webhook: encode payload: %w", err)
	}

	receivers, err := p.receivers(ctx, req)
	if err != nil {
		return nil, err
	}

	now := p.now()
	result := &PublishResult{EventIDs: []string{}}
	rows := make([]models.EventLog, 0, len(receivers))
	for _, r := range receivers {
		env := newEnvelope(uuid.NewString(), req.EventName, p.cfg.SourceProduct, req.TargetProduct,
			req.OrganizationID, req.ClientID, payload, now)
		env.Signature = Sign(env, r.secret)

		body, err := json.Marshal(env)
		if err != nil {
			return nil, fmt.Errorf("webhook: encode envelope: %w", err)
		}
		rows = append(rows, models.EventLog{
			EventID:        env.EventID,
			EventName:      env.EventName,
			OrganizationID: req.OrganizationID,
			ClientID:       req.ClientID,
			SubscriptionID: r.subscriptionID,
			URL:            r.url,
			Envelope:       string(body),
			Signature:      env.Signature,
			Status:         models.DeliveryStatusPending,
			NextAttemptAt:  utils.Pointer(now),
		})
		result.EventIDs = append(result.EventIDs, env.EventID)
	}

	if len(rows) > 0 {
		if err := p.db.WithContext(ctx).Create(&rows).Error; err != nil {
			return nil, fmt.Errorf("webhook: record events: %w", err)
		}
		result.Triggered = len(rows)
		if p.notifier != nil {
			p.notifier.Notify()
		}
	}

	if p.broadcaster != nil {
		feed := newEnvelope(uuid.NewString(), req.EventName, p.cfg.SourceProduct, req.TargetProduct,
			req.OrganizationID, req.ClientID, payload, now)
		p.broadcaster.Broadcast(req.OrganizationID, feed)
	}

	p.log.WithFields(logrus.Fields{
		"event":           req.EventName,
		"organization_id": req.OrganizationID,
		"triggered":       result.Triggered,
	}).Debug("Event published")

	return result, nil
}

func (p *Publisher) receivers(ctx context.Context, req PublishRequest) ([]receiver, error) {
	query := p.db.WithContext(ctx).
		Where("organization_id = ? AND is_active = ?", req.OrganizationID, true)
	if req.SubscriptionID != nil {
		query = query.Where("id = ?", *req.SubscriptionID)
	}
	if req.ClientID != nil {
		query = query.Where("(client_id IS NULL OR client_id = ?)", *req.ClientID)
	} else {
		query = query.Where("client_id IS NULL")
	}
	if req.TargetProduct != "" {
		query = query.Where("target = ?", req.TargetProduct)
	}

	var subs []models.WebhookSubscription
	if err := query.Order("id").Find(&subs).Error; err != nil {
		return nil, fmt.Errorf("webhook: load subscriptions: %w", err)
	}

	receivers := make([]receiver, 0, len(subs)+1)
	for _, sub := range subs {
		if req.SubscriptionID == nil && !sub.Subscribes(req.EventName) {
			continue
		}
		secret, err := utils.Decrypt(p.cfg.EncryptionKey, sub.Secret)
		if err != nil {
			utils.LogError("webhook_secret_decrypt", err, map[string]interface{}{
				"subscription_id": sub.ID,
			})
			continue
		}
		receivers = append(receivers, receiver{
			subscriptionID: utils.Pointer(sub.ID),
			url:            sub.URL,
			secret:         secret,
		})
	}

	if req.SubscriptionID == nil && p.cfg.Endpoint != "" {
		receivers = append(receivers, receiver{url: p.cfg.Endpoint, secret: p.cfg.Secret})
	}
	return receivers, nil
}
