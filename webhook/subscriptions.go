package webhook

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"leadflow/apperrors"
	"leadflow/models"
	"leadflow/utils"
)

type SubscriptionInput struct {
	URL      string   `json:"url" validate:"required,url"`
	Events   []string `json:"events" validate:"required,min=1,dive,required,max=100,event_name"`
	ClientID *uint    `json:"client_id"`
	Target   string   `json:"target" validate:"max=100"`
	// Secret is generated when empty.
	Secret string `json:"secret" validate:"omitempty,min=16,max=256"`
}

type SubscriptionUpdate struct {
	URL      *string  `json:"url" validate:"omitempty,url"`
	Events   []string `json:"events" validate:"omitempty,min=1,dive,required,max=100,event_name"`
	Target   *string  `json:"target" validate:"omitempty,max=100"`
	IsActive *bool    `json:"is_active"`
	Secret   *string  `json:"secret" validate:"omitempty,min=16,max=256"`
}

// EventFilter narrows an event log listing.
type EventFilter struct {
	Status         string
	EventName      string
	SubscriptionID uint
	Limit          int
}

// SubscriptionStore manages the subscriptions of an organization. Secrets
// are stored encrypted and only ever returned in plaintext on creation.
type SubscriptionStore struct {
	db            *gorm.DB
	encryptionKey string
	log           *logrus.Entry
}

func NewSubscriptionStore(db *gorm.DB, encryptionKey string) *SubscriptionStore {
	return &SubscriptionStore{
		db:            db,
		encryptionKey: encryptionKey,
		log:           utils.ComponentLogger("webhook_subscriptions"),
	}
}

// Create stores a subscription and returns it with its plaintext secret.
func (s *SubscriptionStore) Create(ctx context.Context, organizationID uint, in SubscriptionInput) (*models.WebhookSubscription, string, error) {
	if err := utils.ValidateStruct(in); err != nil {
		return nil, "", err
	}
	if in.ClientID != nil {
		var count int64
		if err := s.db.WithContext(ctx).Model(&models.Client{}).
			Where("id = ? AND organization_id = ?", *in.ClientID, organizationID).
			Count(&count).Error; err != nil {
			return nil, "", err
		}
		if count == 0 {
			return nil, "", apperrors.NotFound("client %d", *in.ClientID)
		}
	}

	secret := in.Secret
	if secret == "" {
		generated, err := utils.GenerateSecret()
		if err != nil {
			return nil, "", fmt.Errorf("webhook: generate secret: %w", err)
		}
		secret = generated
	}
	encrypted, err := utils.Encrypt(s.encryptionKey, secret)
	if err != nil {
		return nil, "", fmt.Errorf("webhook: encrypt secret: %w", err)
	}

	sub := models.WebhookSubscription{
		OrganizationID: organizationID,
		ClientID:       in.ClientID,
		Target:         in.Target,
		URL:            in.URL,
		Events:         in.Events,
		Secret:         encrypted,
		IsActive:       true,
	}
	if err := s.db.WithContext(ctx).Create(&sub).Error; err != nil {
		return nil, "", err
	}

	s.log.WithFields(logrus.Fields{
		"subscription_id": sub.ID,
		"organization_id": organizationID,
		"events":          sub.Events,
	}).Info("Webhook subscription created")
	return &sub, secret, nil
}

func (s *SubscriptionStore) List(ctx context.Context, organizationID uint) ([]models.WebhookSubscription, error) {
	var subs []models.WebhookSubscription
	err := s.db.WithContext(ctx).
		Where("organization_id = ?", organizationID).
		Order("id").
		Find(&subs).Error
	return subs, err
}

func (s *SubscriptionStore) Get(ctx context.Context, organizationID, id uint) (*models.WebhookSubscription, error) {
	var sub models.WebhookSubscription
	err := s.db.WithContext(ctx).
		Where("id = ? AND organization_id = ?", id, organizationID).
		First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.NotFound("webhook subscription %d", id)
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// Update changes the given fields. Reactivating a subscription resets its
// failure counter.
func (s *SubscriptionStore) Update(ctx context.Context, organizationID, id uint, in SubscriptionUpdate) (*models.WebhookSubscription, error) {
	if err := utils.ValidateStruct(in); err != nil {
		return nil, err
	}

	sub, err := s.Get(ctx, organizationID, id)
	if err != nil {
		return nil, err
	}

	if in.URL != nil {
		sub.URL = *in.URL
	}
	if len(in.Events) > 0 {
		sub.Events = in.Events
	}
	if in.Target != nil {
		sub.Target = *in.Target
	}
	if in.IsActive != nil {
		if *in.IsActive && !sub.IsActive {
			sub.FailureCount = 0
			sub.LastError = ""
		}
		sub.IsActive = *in.IsActive
	}
	if in.Secret != nil {
		encrypted, err := utils.Encrypt(s.encryptionKey, *in.Secret)
		if err != nil {
			return nil, fmt.Errorf("webhook: encrypt secret: %w", err)
		}
		sub.Secret = encrypted
	}

	if err := s.db.WithContext(ctx).Save(sub).Error; err != nil {
		return nil, err
	}
	return sub, nil
}

// Delete removes the subscription. Undelivered rows addressed to it are
// dead-lettered by the dispatcher on their next attempt.
func (s *SubscriptionStore) Delete(ctx context.Context, organizationID, id uint) error {
	sub, err := s.Get(ctx, organizationID, id)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Delete(sub).Error
}

// Events lists the organization's event log, newest first.
func (s *SubscriptionStore) Events(ctx context.Context, organizationID uint, filter EventFilter) ([]models.EventLog, error) {
	query := s.db.WithContext(ctx).Where("organization_id = ?", organizationID)
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.EventName != "" {
		query = query.Where("event_name = ?", filter.EventName)
	}
	if filter.SubscriptionID != 0 {
		query = query.Where("subscription_id = ?", filter.SubscriptionID)
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var rows []models.EventLog
	err := query.Order("id DESC").Limit(limit).Find(&rows).Error
	return rows, err
}
