package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/txspend/backend/internal/api/handlers"
	"github.com/txspend/backend/internal/cache/redis"
	"github.com/txspend/backend/internal/charts"
	"github.com/txspend/backend/internal/entities"
	"github.com/txspend/backend/internal/export"
	"github.com/txspend/backend/internal/llm"
	"github.com/txspend/backend/internal/metrics"
	"github.com/txspend/backend/internal/middleware/ratelimit"
	"github.com/txspend/backend/internal/middleware/security"
	"github.com/txspend/backend/internal/middleware/validation"
	"github.com/txspend/backend/internal/orchestrator"
	"github.com/txspend/backend/internal/query"
	"github.com/txspend/backend/internal/sqlgen"
	"github.com/txspend/backend/internal/storage/postgres"
	"github.com/txspend/backend/pkg/config"
	appLogger "github.com/txspend/backend/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting Texas spending analytics API server")

	metrics.Init()

	pgClient, err := postgres.NewClient(cfg.Postgres)
	if err != nil {
		appLogger.Fatal("Failed to create Postgres client", zap.Error(err))
	}
	defer pgClient.Close()

	cacheClient, err := redis.NewClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		appLogger.Fatal("Failed to create Redis client", zap.Error(err))
	}
	defer cacheClient.Close()

	llmClient := llm.NewClient(
		cfg.LLM.APIKey,
		cfg.LLM.Model,
		cfg.LLM.Temperature,
		cfg.LLM.MaxTokens,
		cfg.LLM.TimeoutSec,
	)

	resolver := entities.NewResolver(
		pgClient,
		cacheClient,
		time.Duration(cfg.Query.EntityCacheTTLMin)*time.Minute,
		cfg.Query.MaxEntityCandidates,
	)
	generator := sqlgen.NewGenerator(llmClient, cfg.Query.RowCap)
	executor := query.NewExecutor(
		pgClient,
		cacheClient,
		cfg.Query.RowCap,
		cfg.Query.DisplayTimeoutSec,
		cfg.Query.ResultCacheTTLMin,
	)
	chartGen := charts.NewGenerator(llmClient, cfg.Query.RowCap)
	pipeline := export.NewPipeline(generator, pgClient, cfg.Query.BulkTimeoutSec)

	orch := orchestrator.New(llmClient, resolver, generator, executor, chartGen, pipeline, cfg.LLM.MaxSteps)

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, X-Session-ID",
		AllowMethods: "GET, POST, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{}))

	limiter := ratelimit.New(ratelimit.Config{Logger: appLogger.GetLogger()})
	defer limiter.Stop()

	chatHandler := handlers.NewChatHandler(orch)
	downloadHandler := handlers.NewDownloadHandler(pipeline)

	api := app.Group("/api/v1")
	api.Use(limiter.Middleware())
	api.Use(validation.Middleware(validation.Config{Logger: appLogger.GetLogger()}))

	api.Post("/chat", chatHandler.HandleChat)
	api.Post("/download", downloadHandler.HandleDownload)

	api.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	api.Get("/ws/chat", websocket.New(chatHandler.HandleConnection))

	app.Get("/metrics", metrics.MetricsHandler())

	api.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})

	api.Get("/ready", func(c *fiber.Ctx) error {
		if err := pgClient.Ping(c.Context()); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status": "not ready",
				"error":  "database unreachable",
			})
		}
		return c.JSON(fiber.Map{
			"status": "ready",
		})
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	app.Shutdown()
	appLogger.Info("Server stopped")
}
