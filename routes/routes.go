package routes

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/websocket/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"leadflow/config"
	controller "leadflow/controllers"
	"leadflow/middleware"
	"leadflow/services"
	"leadflow/utils"
	"leadflow/webhook"
)

// Dependencies are the long-lived components the HTTP layer calls into.
type Dependencies struct {
	DB            *gorm.DB
	Config        config.Config
	Outreach      *services.OutreachService
	Subscriptions *webhook.SubscriptionStore
	Publisher     *webhook.Publisher
	Dispatcher    *webhook.Dispatcher
	Hub           *webhook.Hub
}

func SetupAPIRoutes(app *fiber.App, deps Dependencies) {
	sequenceController := controller.NewSequenceController(deps.Outreach)
	messageController := controller.NewMessageController(deps.Outreach.Messages)
	automationController := controller.NewAutomationController(deps.Outreach.Automation)
	webhookController := controller.NewWebhookController(deps.Subscriptions, deps.Publisher, deps.Dispatcher)

	// API group with versioning and protection
	api := app.Group("/api/v1", middleware.Protected(deps.DB, deps.Config.JWTSecret), logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	// Everything below is scoped to one client of the caller's organization
	client := api.Group("/clients/:clientId", middleware.ClientScope(deps.DB))

	// Sequence routes
	sequence := client.Group("/sequences")
	sequence.Post("/", sequenceController.CreateSequence)
	sequence.Get("/", sequenceController.GetSequences)
	sequence.Get("/:id", sequenceController.GetSequence)
	sequence.Put("/:id", sequenceController.UpdateSequence)
	sequence.Delete("/:id", sequenceController.DeleteSequence)
	sequence.Post("/:id/steps", sequenceController.AddStep)
	sequence.Put("/:id/steps/:stepId", sequenceController.UpdateStep)
	sequence.Delete("/:id/steps/:stepId", sequenceController.DeleteStep)
	sequence.Post("/:id/enroll", sequenceController.Enroll)

	// Enrollment routes
	enrollment := client.Group("/enrollments")
	enrollment.Get("/:id", sequenceController.GetEnrollment)
	enrollment.Put("/:id", sequenceController.UpdateEnrollment)
	enrollment.Post("/:id/execute", sequenceController.ExecuteStep)

	// Message routes, including the delivery-provider callback
	message := client.Group("/messages")
	message.Get("/:id", messageController.GetMessage)
	message.Post("/:id/status", messageController.UpdateStatus)

	// Automation routes with rate limiting
	automation := client.Group("/automations",
		middleware.AutomationRateLimiter(deps.Config.Automation.RateLimitPerMinute, deps.Config.Redis))
	automation.Post("/run-all", automationController.RunAll)
	automation.Post("/run-48h-followup", automationController.Run48HourFollowUp)
	automation.Post("/run-overdue-detection", automationController.RunOverdueDetection)

	// Task routes
	client.Post("/tasks/:id/complete", automationController.CompleteTask)

	// Webhook routes
	hooks := api.Group("/webhooks")
	hooks.Post("/", webhookController.CreateSubscription)
	hooks.Get("/", webhookController.GetSubscriptions)
	hooks.Get("/events", webhookController.GetEvents)
	hooks.Post("/events/:id/replay", webhookController.ReplayEvent)
	hooks.Put("/:id", webhookController.UpdateSubscription)
	hooks.Delete("/:id", webhookController.DeleteSubscription)
	hooks.Post("/:id/test", webhookController.TestSubscription)

	// WebSocket route for the live event feed
	api.Get("/events/stream", controller.RequireEventStreamUpgrade, websocket.New(controller.HandleEventStream(deps.Hub)))

	utils.ComponentLogger("routes").Info("API routes initialized successfully")
}

func SetupRoutes(app *fiber.App, deps Dependencies) {
	// Setup health check endpoint
	app.Get("/health", func(c *fiber.Ctx) error {
		sqlDB, err := deps.DB.DB()
		if err == nil {
			err = sqlDB.PingContext(c.UserContext())
		}
		if err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "unavailable"})
		}
		return c.JSON(fiber.Map{"status": "ok"})
	})

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	SetupAPIRoutes(app, deps)

	// Setup 404 handler
	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   "Not Found",
			"message": "The requested resource was not found",
		})
	})
}
