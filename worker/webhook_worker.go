package worker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"leadflow/utils"
	"leadflow/webhook"
)

// Drainer delivers due outbox rows; satisfied by *webhook.Dispatcher.
type Drainer interface {
	DrainOnce(ctx context.Context) (int, error)
	Kicks() <-chan struct{}
}

var _ Drainer = (*webhook.Dispatcher)(nil)

// WebhookWorker drains the event log on a ticker and whenever the publisher
// signals new rows.
type WebhookWorker struct {
	Dispatcher Drainer
	Interval   time.Duration
	Logger     *logrus.Entry
}

func NewWebhookWorker(dispatcher Drainer, interval time.Duration) *WebhookWorker {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &WebhookWorker{
		Dispatcher: dispatcher,
		Interval:   interval,
		Logger:     utils.ComponentLogger("webhook_worker"),
	}
}

func (ww *WebhookWorker) Start(ctx context.Context) {
	ww.Logger.WithField("interval", ww.Interval.String()).Info("Webhook worker started")

	ticker := time.NewTicker(ww.Interval)
	defer ticker.Stop()

	// Rows left over from a previous run
	ww.drain(ctx)

	for {
		select {
		case <-ctx.Done():
			ww.Logger.Info("Webhook worker shutting down...")
			return
		case <-ticker.C:
			ww.drain(ctx)
		case <-ww.Dispatcher.Kicks():
			ww.drain(ctx)
		}
	}
}

// drain repeats until a pass finds nothing due, so bursts larger than one
// batch go out without waiting for the next tick.
func (ww *WebhookWorker) drain(ctx context.Context) {
	for ctx.Err() == nil {
		attempted, err := ww.Dispatcher.DrainOnce(ctx)
		if err != nil {
			if ctx.Err() == nil {
				utils.LogError("webhook_worker_drain", err, nil)
			}
			return
		}
		if attempted == 0 {
			return
		}
		ww.Logger.WithField("attempted", attempted).Debug("Webhook batch processed")
	}
}
