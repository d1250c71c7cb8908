package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"onboardmail/config"
	"onboardmail/middleware"
	"onboardmail/onboarding"
	"onboardmail/routes"
	"onboardmail/store"
	"onboardmail/utils"
	"onboardmail/worker"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	// Load configuration
	if err := config.LoadConfig(); err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}
	cfg := config.AppConfig
	if cfg.Environment == "development" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		logger.SetLevel(logrus.DebugLevel)
	}

	if err := utils.InitSentry(cfg.SentryDSN, cfg.Environment); err != nil {
		logger.Warnf("Sentry disabled: %v", err)
	}
	defer utils.FlushSentry(2 * time.Second)

	// Initialize database connection
	if err := config.ConnectDB(); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}

	st := store.NewGormStore(config.DB, store.WithQueryTimeout(cfg.Onboarding.StoreTimeout))
	steps := onboarding.DefaultSteps()
	if err := onboarding.ValidateTemplates(steps, utils.HasTemplate); err != nil {
		logger.Fatalf("Invalid onboarding steps: %v", err)
	}

	svc, err := onboarding.NewService(st, steps,
		onboarding.WithStoreTimeout(cfg.Onboarding.StoreTimeout),
		onboarding.WithLogger(logger.WithField("component", "onboarding")))
	if err != nil {
		logger.Fatalf("Invalid onboarding steps: %v", err)
	}

	gateway := utils.NewSMTPGateway(utils.SMTPConfig{
		Host:      cfg.SMTP.Host,
		Port:      cfg.SMTP.Port,
		Username:  cfg.SMTP.Username,
		Password:  cfg.SMTP.Password,
		FromEmail: cfg.SMTP.FromEmail,
		FromName:  cfg.SMTP.FromName,
	})

	scheduler := worker.NewOnboardingScheduler(st, gateway, steps, worker.SchedulerConfig{
		Schedule:     cfg.Onboarding.Cron,
		Location:     cfg.Onboarding.Location,
		Workers:      cfg.Onboarding.Workers,
		SendTimeout:  cfg.Onboarding.SendTimeout,
		StoreTimeout: cfg.Onboarding.StoreTimeout,
		SendRate:     cfg.Onboarding.SendRate,
	}, logger.WithField("component", "scheduler"))

	if err := scheduler.Start(); err != nil {
		logger.Fatalf("Failed to start onboarding scheduler: %v", err)
	}

	app := fiber.New(fiber.Config{
		AppName:      "onboardmail",
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
	})
	app.Use(middleware.CORS(middleware.DefaultCORSConfig(cfg.CORSAllowedOrigins)))

	rateStorage := middleware.RateLimitStorage(cfg.Redis)
	routes.SetupRoutes(app, routes.Dependencies{
		Service:          svc,
		Scheduler:        scheduler,
		Logger:           logger,
		JWTSecret:        cfg.JWTSecret,
		RateLimitStart:   cfg.RateLimitStart,
		RateLimitStorage: rateStorage,
	})

	go func() {
		logger.Infof("Server starting on port %s", cfg.ServerPort)
		if err := app.Listen(":" + cfg.ServerPort); err != nil {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		logger.WithError(err).Error("HTTP server shutdown failed")
	}
	scheduler.Stop(ctx)

	if rateStorage != nil {
		_ = rateStorage.Close()
	}
	if sqlDB, err := config.DB.DB(); err == nil {
		_ = sqlDB.Close()
	}
	logger.Info("Shutdown complete")
}
