package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	httpapi "github.com/i474232898/weather-ingestion-pipeline/internal/api/http"
	"github.com/i474232898/weather-ingestion-pipeline/internal/config"
	"github.com/i474232898/weather-ingestion-pipeline/internal/pipeline"
	"github.com/i474232898/weather-ingestion-pipeline/internal/pipeline/producers"
	"github.com/i474232898/weather-ingestion-pipeline/internal/scheduler"
	"github.com/i474232898/weather-ingestion-pipeline/internal/store"
)

func main() {
	// Load configuration. Invalid values are fatal before anything starts.
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	// Storage backend: every stage shares one backend instance.
	var (
		raw    pipeline.RawStore
		silver pipeline.SilverLog
		gold   pipeline.GoldView
		runs   pipeline.RunLog
	)
	switch cfg.StoreDriver {
	case "sqlite":
		sqliteStore, err := store.NewSQLite(cfg.SQLitePath)
		if err != nil {
			logger.Fatal("open sqlite store", zap.Error(err))
		}
		defer sqliteStore.Close()
		if err := sqliteStore.Migrate(context.Background()); err != nil {
			logger.Fatal("migrate sqlite store", zap.Error(err))
		}
		raw, silver, gold, runs = sqliteStore, sqliteStore, sqliteStore, sqliteStore
	default:
		memStore := store.NewMemoryStore()
		raw, silver, gold, runs = memStore, memStore, memStore, memStore
	}

	// Shared HTTP client for outbound producer calls.
	httpClient := &http.Client{Timeout: cfg.FetchTimeout}

	source := producers.NewOpenMeteoSource(httpClient, cfg.Cities, logger)
	producer := pipeline.NewProducer(source, raw, logger)
	silverBuilder := pipeline.NewSilverBuilder(raw, silver, logger)
	materializer := pipeline.NewGoldMaterializer(silver, gold, logger)

	orchestrator := pipeline.NewOrchestrator(
		producer, silverBuilder, materializer, runs,
		pipeline.NewRunGuard(), cfg.Policies(), logger,
	)

	// Scheduled trigger path.
	sched := scheduler.New(orchestrator, cfg.ScheduleInterval, logger)
	if err := sched.Start(); err != nil {
		logger.Fatal("start scheduler", zap.Error(err))
	}
	defer sched.Stop()

	// Basic app configuration
	app := fiber.New(fiber.Config{
		AppName:               "weather-pipeline",
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			// Centralized error response
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"error":   true,
				"message": err.Error(),
			})
		},
	})

	// Global middleware
	app.Use(fiberlogger.New())
	app.Use(recover.New())

	// Basic health endpoint
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"service": "weather-pipeline",
		})
	})

	// Trigger, query and audit routes.
	httpapi.RegisterRoutes(app, orchestrator, gold, runs)

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			logger.Error("fiber server stopped", zap.Error(err))
		}
	}()
	logger.Info("weather pipeline started",
		zap.String("port", cfg.Port),
		zap.Duration("schedule_interval", cfg.ScheduleInterval),
		zap.Strings("cities", cfg.Cities),
		zap.String("store", cfg.StoreDriver),
	)

	// Wait for termination signal
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error("error during shutdown", zap.Error(err))
	}

	// Let an in-flight run stop at its next step boundary.
	orchestrator.Shutdown()
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := zcfg.Build()
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}
