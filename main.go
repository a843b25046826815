package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"leadflow/config"
	"leadflow/metrics"
	"leadflow/middleware"
	"leadflow/routes"
	"leadflow/services"
	"leadflow/webhook"
	"leadflow/worker"
)

func main() {
	logrus.SetFormatter(&logrus.JSONFormatter{})
	logrus.SetOutput(os.Stdout)

	// Load configuration
	if err := config.LoadConfig(); err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	cfg := config.AppConfig

	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(level)
	}

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			Environment:      cfg.Environment,
			TracesSampleRate: 0.1,
		}); err != nil {
			logrus.Warnf("Sentry initialization failed: %v", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	// Initialize database connection
	if err := config.ConnectDB(); err != nil {
		logrus.Fatalf("Failed to connect to database: %v", err)
	}

	metrics.Init()

	// Event delivery
	hookCfg := webhook.Config{
		Secret:          cfg.Webhook.Secret,
		Endpoint:        cfg.Webhook.Endpoint,
		Timeout:         time.Duration(cfg.Webhook.TimeoutMs) * time.Millisecond,
		MaxAttempts:     cfg.Webhook.MaxAttempts,
		BackoffBase:     time.Duration(cfg.Webhook.BackoffBaseSecs) * time.Second,
		BackoffMax:      time.Duration(cfg.Webhook.BackoffMaxSecs) * time.Second,
		FreshnessWindow: time.Duration(cfg.Webhook.FreshnessSecs) * time.Second,
		SourceProduct:   cfg.Webhook.SourceProduct,
		EncryptionKey:   cfg.EncryptionKey,
	}
	dispatcher := webhook.NewDispatcher(config.DB, hookCfg)
	hub := webhook.NewHub()
	publisher := webhook.NewPublisher(config.DB, hookCfg, dispatcher, hub)

	// Outreach engine
	outreach := services.NewOutreachService(config.DB, publisher, services.Config{
		Location:            cfg.Location(),
		FollowUpAfter:       time.Duration(cfg.Automation.FollowUpAfterHours) * time.Hour,
		DefaultOverdueHours: cfg.Automation.DefaultOverdueHours,
		ReplyStageNames:     cfg.Automation.ReplyStageNames,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	webhookWorker := worker.NewWebhookWorker(dispatcher, time.Duration(cfg.Webhook.DispatchInterval)*time.Second)
	go webhookWorker.Start(ctx)

	scheduler := worker.NewSequenceScheduler(outreach, time.Duration(cfg.Automation.SchedulerInterval)*time.Second)
	go scheduler.Start(ctx)

	// Create Fiber app
	app := fiber.New(fiber.Config{
		AppName:      "leadflow",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	})
	app.Use(middleware.CORS(middleware.DefaultCORSConfig(cfg.CORSOrigins)))

	routes.SetupRoutes(app, routes.Dependencies{
		DB:            config.DB,
		Config:        cfg,
		Outreach:      outreach,
		Subscriptions: webhook.NewSubscriptionStore(config.DB, cfg.EncryptionKey),
		Publisher:     publisher,
		Dispatcher:    dispatcher,
		Hub:           hub,
	})

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		logrus.Info("Shutting down server...")
		cancel()
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			logrus.Errorf("Server shutdown failed: %v", err)
		}
	}()

	// Start server
	logrus.Infof("Server starting on port %s", cfg.ServerPort)
	if err := app.Listen(":" + cfg.ServerPort); err != nil {
		logrus.Fatalf("Failed to start server: %v", err)
	}
}
