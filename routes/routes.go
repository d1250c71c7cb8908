package routes

import (
	controller "onboardmail/controllers"
	"onboardmail/middleware"
	"onboardmail/onboarding"
	"onboardmail/worker"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Dependencies are the handles the HTTP surface needs.
type Dependencies struct {
	Service   *onboarding.Service
	Scheduler *worker.OnboardingScheduler
	Logger    logrus.FieldLogger

	// JWTSecret guards /api/v1; empty leaves it open.
	JWTSecret        string
	RateLimitStart   int
	RateLimitStorage fiber.Storage
}

func SetupOnboardingRoutes(app *fiber.App, deps Dependencies) {
	onboardingController := controller.NewOnboardingController(deps.Service, deps.Scheduler, deps.Logger.WithField("component", "onboarding_api"))

	// API group with versioning and protection
	api := app.Group("/api/v1", middleware.Protected(deps.JWTSecret), logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	onboardingGroup := api.Group("/onboarding")
	onboardingGroup.Post("/", middleware.StartRateLimiter(deps.RateLimitStart, deps.RateLimitStorage, deps.Logger), onboardingController.StartOnboarding)
	onboardingGroup.Post("/tick", onboardingController.RunTick)
	onboardingGroup.Get("/:userId", onboardingController.GetOnboardingStatus)

	deps.Logger.Info("Onboarding routes initialized successfully")
}

func SetupRoutes(app *fiber.App, deps Dependencies) {
	// Setup health check endpoint
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":    "ok",
			"scheduler": deps.Scheduler.State(),
		})
	})

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	SetupOnboardingRoutes(app, deps)

	// Setup 404 handler
	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   "Not Found",
			"message": "The requested resource was not found",
		})
	})
}
