package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"leadflow/apperrors"
	"leadflow/metrics"
	"leadflow/models"
	"leadflow/utils"
)

const claimTTL = 2 * time.Minute

// Dispatcher drains the event log: it POSTs pending rows to their receiver,
// records the outcome and schedules retries with exponential backoff.
type Dispatcher struct {
	db     *gorm.DB
	cfg    Config
	client *fasthttp.Client
	log    *logrus.Entry
	now    func() time.Time
	kick   chan struct{}
}

func NewDispatcher(db *gorm.DB, cfg Config) *Dispatcher {
	cfg = cfg.withDefaults()
	return &Dispatcher{
		db:  db,
		cfg: cfg,
		client: &fasthttp.Client{
			Name:                     "leadflow-webhooks",
			ReadTimeout:              cfg.Timeout,
			WriteTimeout:             cfg.Timeout,
			MaxIdleConnDuration:      time.Minute,
			NoDefaultUserAgentHeader: true,
		},
		log:  utils.ComponentLogger("webhook_dispatcher"),
		now:  func() time.Time { return time.Now().UTC() },
		kick: make(chan struct{}, 1),
	}
}

// Notify wakes the worker without blocking the publisher.
func (d *Dispatcher) Notify() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) Kicks() <-chan struct{} {
	return d.kick
}

var deliverableStatuses = []models.DeliveryStatus{models.DeliveryStatusPending, models.DeliveryStatusFailed}

// DrainOnce delivers every due row once and returns how many were attempted.
func (d *Dispatcher) DrainOnce(ctx context.Context) (int, error) {
	now := d.now()
	var due []models.EventLog
	err := d.db.WithContext(ctx).
		Where("status IN ?", deliverableStatuses).
		Where("(next_attempt_at IS NULL OR next_attempt_at <= ?)", now).
		Where("(locked_until IS NULL OR locked_until < ?)", now).
		Order("id").
		Limit(d.cfg.BatchSize).
		Find(&due).Error
	if err != nil {
		return 0, fmt.Errorf("webhook: load due events: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Concurrency)
	attempted := 0
	var claimErr error
	for i := range due {
		row, err := d.claim(gctx, due[i].ID, now)
		if err != nil {
			claimErr = err
			break
		}
		if row == nil {
			continue
		}
		attempted++
		g.Go(func() error {
			if err := d.deliver(gctx, row); err != nil {
				utils.LogError("webhook_delivery_record", err, map[string]interface{}{
					"event_id": row.EventID,
				})
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil && claimErr == nil {
		claimErr = err
	}
	return attempted, claimErr
}

// claim locks a row that is still due and returns its current state, or nil
// when another drainer got there first or the row is no longer deliverable.
func (d *Dispatcher) claim(ctx context.Context, id uint, now time.Time) (*models.EventLog, error) {
	res := d.db.WithContext(ctx).Model(&models.EventLog{}).
		Where("id = ?", id).
		Where("status IN ?", deliverableStatuses).
		Where("(next_attempt_at IS NULL OR next_attempt_at <= ?)", now).
		Where("(locked_until IS NULL OR locked_until < ?)", now).
		Update("locked_until", now.Add(claimTTL))
	if res.Error != nil {
		return nil, fmt.Errorf("webhook: claim event %d: %w", id, res.Error)
	}
	if res.RowsAffected != 1 {
		return nil, nil
	}

	var row models.EventLog
	if err := d.db.WithContext(ctx).First(&row, id).Error; err != nil {
		return nil, fmt.Errorf("webhook: reload claimed event %d: %w", id, err)
	}
	return &row, nil
}

type attemptOutcome struct {
	statusCode int
	err        error
}

func (o attemptOutcome) ok() bool {
	return o.err == nil && o.statusCode >= 200 && o.statusCode < 300
}

func (o attemptOutcome) message() string {
	if o.err != nil {
		return o.err.Error()
	}
	return "unexpected status " + strconv.Itoa(o.statusCode)
}

func (d *Dispatcher) deliver(ctx context.Context, row *models.EventLog) error {
	secret := d.cfg.Secret
	if row.SubscriptionID != nil {
		var sub models.WebhookSubscription
		err := d.db.WithContext(ctx).First(&sub, *row.SubscriptionID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && !sub.IsActive) {
			return d.db.WithContext(ctx).Model(row).Updates(map[string]interface{}{
				"status":       models.DeliveryStatusDeadLetter,
				"last_error":   "subscription inactive",
				"locked_until": nil,
			}).Error
		}
		if err != nil {
			return err
		}
		if secret, err = utils.Decrypt(d.cfg.EncryptionKey, sub.Secret); err != nil {
			return d.recordFailure(ctx, row, attemptOutcome{
				err: fmt.Errorf("decrypt secret of subscription %d: %w", sub.ID, err),
			}, 0)
		}
	}

	// Retries and replays of old rows carry a fresh timestamp so receivers
	// enforcing a freshness window still accept them.
	if row.Attempts > 0 || d.now().Sub(row.CreatedAt) > d.cfg.FreshnessWindow/2 {
		if err := d.resign(row, secret); err != nil {
			return err
		}
	}

	started := time.Now()
	outcome := d.post(row)
	elapsed := time.Since(started).Seconds()
	if !outcome.ok() {
		return d.recordFailure(ctx, row, outcome, elapsed)
	}

	now := d.now()
	attempts := row.Attempts + 1
	metrics.WebhookDeliveries.WithLabelValues(row.EventName, string(models.DeliveryStatusDelivered)).Inc()
	metrics.WebhookDeliveryDuration.WithLabelValues("success").Observe(elapsed)
	d.log.WithFields(logrus.Fields{
		"event_id": row.EventID,
		"event":    row.EventName,
		"url":      row.URL,
		"attempt":  attempts,
	}).Info("Webhook delivered")

	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(row).Updates(map[string]interface{}{
			"status":           models.DeliveryStatusDelivered,
			"envelope":         row.Envelope,
			"signature":        row.Signature,
			"attempts":         attempts,
			"last_status_code": outcome.statusCode,
			"last_error":       "",
			"delivered_at":     now,
			"next_attempt_at":  nil,
			"locked_until":     nil,
		}).Error; err != nil {
			return err
		}
		if row.SubscriptionID == nil {
			return nil
		}
		return tx.Model(&models.WebhookSubscription{}).Where("id = ?", *row.SubscriptionID).
			Updates(map[string]interface{}{
				"failure_count":   0,
				"last_error":      "",
				"last_success_at": now,
			}).Error
	})
}

// recordFailure counts a failed attempt, schedules the next one with backoff
// and dead-letters the row once MaxAttempts is reached.
func (d *Dispatcher) recordFailure(ctx context.Context, row *models.EventLog, outcome attemptOutcome, elapsed float64) error {
	now := d.now()
	attempts := row.Attempts + 1
	status := models.DeliveryStatusFailed
	var next interface{} = now.Add(d.cfg.Backoff(attempts))
	if attempts >= d.cfg.MaxAttempts {
		status = models.DeliveryStatusDeadLetter
		next = nil
	}
	metrics.WebhookDeliveries.WithLabelValues(row.EventName, string(status)).Inc()
	metrics.WebhookDeliveryDuration.WithLabelValues("failure").Observe(elapsed)
	d.log.WithFields(logrus.Fields{
		"event_id":    row.EventID,
		"event":       row.EventName,
		"url":         row.URL,
		"attempt":     attempts,
		"status_code": outcome.statusCode,
	}).Warnf("Webhook delivery failed: %s", outcome.message())

	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(row).Updates(map[string]interface{}{
			"status":           status,
			"envelope":         row.Envelope,
			"signature":        row.Signature,
			"attempts":         attempts,
			"last_status_code": outcome.statusCode,
			"last_error":       outcome.message(),
			"next_attempt_at":  next,
			"locked_until":     nil,
		}).Error; err != nil {
			return err
		}
		if row.SubscriptionID == nil {
			return nil
		}
		return tx.Model(&models.WebhookSubscription{}).Where("id = ?", *row.SubscriptionID).
			Updates(map[string]interface{}{
				"failure_count":   gorm.Expr("failure_count + ?", 1),
				"last_error":      outcome.message(),
				"last_failure_at": now,
			}).Error
	})
}

func (d *Dispatcher) resign(row *models.EventLog, secret string) error {
	var env Envelope
	if err := json.Unmarshal([]byte(row.Envelope), &env); err != nil {
		return fmt.Errorf("webhook: decode stored envelope %s: %w", row.EventID, err)
	}
	env.Timestamp = d.now().Format(time.RFC3339)
	env.Signature = Sign(env, secret)
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	row.Envelope = string(body)
	row.Signature = env.Signature
	return nil
}

func (d *Dispatcher) post(row *models.EventLog) attemptOutcome {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(row.URL)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.Header.Set(HeaderEventID, row.EventID)
	req.Header.Set(HeaderEventName, row.EventName)
	req.Header.Set(HeaderSignature, row.Signature)
	req.SetBodyString(row.Envelope)

	if err := d.client.DoTimeout(req, resp, d.cfg.Timeout); err != nil {
		return attemptOutcome{err: err}
	}
	return attemptOutcome{statusCode: resp.StatusCode()}
}

// Replay re-queues a failed or dead-lettered row of the organization for an
// immediate attempt. The event id is kept so receivers can deduplicate.
func (d *Dispatcher) Replay(ctx context.Context, organizationID, id uint) (*models.EventLog, error) {
	var row models.EventLog
	err := d.db.WithContext(ctx).
		Where("id = ? AND organization_id = ?", id, organizationID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.NotFound("event %d", id)
	}
	if err != nil {
		return nil, err
	}
	if row.Status != models.DeliveryStatusFailed && row.Status != models.DeliveryStatusDeadLetter {
		return nil, apperrors.Conflict("event %d is %s", id, row.Status)
	}

	now := d.now()
	if err := d.db.WithContext(ctx).Model(&row).Updates(map[string]interface{}{
		"status":          models.DeliveryStatusPending,
		"attempts":        0,
		"next_attempt_at": now,
		"locked_until":    nil,
	}).Error; err != nil {
		return nil, err
	}
	row.Status = models.DeliveryStatusPending
	row.Attempts = 0
	row.NextAttemptAt = &now
	row.LockedUntil = nil
	d.Notify()
	return &row, nil
}
