package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/frameforge/api/internal/auth"
	"github.com/frameforge/api/internal/broker"
	"github.com/frameforge/api/internal/client"
	"github.com/frameforge/api/internal/config"
	"github.com/frameforge/api/internal/events"
	"github.com/frameforge/api/internal/gateway"
	"github.com/frameforge/api/internal/handler"
	"github.com/frameforge/api/internal/middleware"
	"github.com/frameforge/api/internal/pipeline"
	"github.com/frameforge/api/internal/service"
)

// @title          FrameForge Render API
// @version        1.0
// @description    Job broker, render worker and realtime gateway for the FrameForge video rendering platform.
// @host           localhost:8000
// @BasePath       /
// @schemes        http https
// @securityDefinitions.apikey BearerAuth
// @in             header
// @name           Authorization
// @description    Enter your bearer token in the format **Bearer &lt;token&gt;**
func main() {
	// Load .env in development; ignored when absent
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	// Test Redis connection
	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Printf("Warning: Redis not available: %v", err)
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}

	// Initialize Asynq client and inspector
	asynqClient := asynq.NewClient(redisOpt)
	defer asynqClient.Close()
	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()

	// Provision the priority lanes before anything can route into them
	registry := broker.NewRegistry()
	for _, lane := range registry.Provision() {
		log.Printf("Lane provisioned: %s (tier=%s weight=%d)", lane.Name, lane.Tier, lane.Weight)
	}

	// Initialize validator
	validate := validator.New()

	// Initialize services
	jobService := service.NewJobService(redisClient)
	router := broker.NewRouter(registry, asynqClient, inspector, jobService, cfg.Worker.MaxRetry)

	// Initialize WebSocket hub. Subscriptions are verified against the
	// job record owner before a client joins a job room.
	pendingStore := gateway.NewRedisPendingStore(
		redisClient,
		cfg.Gateway.PendingCap,
		time.Duration(cfg.Gateway.PendingTTLHours)*time.Hour,
	)
	ownership := func(ctx context.Context, jobID, userID string) (bool, error) {
		job, err := jobService.Get(ctx, jobID)
		if err != nil {
			return false, err
		}
		return job.UserID == userID, nil
	}
	hub := gateway.NewHub(ownership, pendingStore, time.Duration(cfg.Gateway.ProgressIntervalMS)*time.Millisecond)
	go hub.Run()

	// Bridge status events published by worker processes into the hub
	subscriber := gateway.NewSubscriber(redisClient, hub)
	go subscriber.Run(ctx)

	// Initialize object storage (optional - falls back to local storage)
	var storageClient client.StorageClient
	s3Client, err := client.NewS3Client(&cfg.Storage)
	if err != nil {
		log.Printf("Info: object storage not configured, using local storage: %v", err)
		storageClient = client.NewLocalStorage(cfg.Worker.WorkDir)
	} else {
		storageClient = s3Client
	}

	// Initialize SSO JWKS verifier (optional - falls back to legacy JWT)
	var jwksVerifier *auth.JWKSVerifier
	if cfg.SSO.Issuer != "" {
		var err error
		jwksVerifier, err = auth.NewJWKSVerifier(&cfg.SSO)
		if err != nil {
			log.Printf("Warning: JWKS verifier not initialized: %v", err)
		} else {
			defer jwksVerifier.Close()
		}
	}

	// Initialize handlers
	jobHandler := handler.NewJobHandler(router, jobService, validate)
	notifyHandler := handler.NewNotifyHandler(hub, validate)

	var tokenVerifier auth.TokenVerifier
	if jwksVerifier != nil {
		tokenVerifier = jwksVerifier
	}
	authHandler := handler.NewAuthHandler(tokenVerifier, cfg.JWT.Secret)

	// Initialize middleware (with fallback support)
	var authMiddleware *middleware.AuthMiddleware
	if jwksVerifier != nil && cfg.JWT.Secret != "" {
		authMiddleware = middleware.NewAuthMiddlewareWithFallback(jwksVerifier, cfg.JWT.Secret)
	} else if jwksVerifier != nil {
		authMiddleware = middleware.NewAuthMiddleware(jwksVerifier)
	} else {
		authMiddleware = middleware.NewLegacyAuthMiddleware(cfg.JWT.Secret)
	}

	var apiAuthMiddleware fiber.Handler
	if cfg.Gateway.HeaderAuth {
		// Behind Traefik: auth is handled by ForwardAuth, read X-User-* headers
		log.Println("Info: header auth enabled — trusting X-User-* headers")
		apiAuthMiddleware = middleware.GatewayAuthMiddleware()
	} else {
		apiAuthMiddleware = authMiddleware.Authenticate()
	}
	rateLimiter := middleware.NewRateLimiter(redisClient)

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    10 * 1024 * 1024, // 10MB
	})

	// Global middleware
	app.Use(recover.New())
	isDebug := strings.EqualFold(cfg.Server.LogLevel, "debug")
	logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
	if isDebug {
		logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams} ${body}\n"
		log.Println("Debug logging enabled")
	}
	app.Use(logger.New(logger.Config{
		Format: logFormat,
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	// Base URL - timestamp
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"timestamp": time.Now().Unix(),
		})
	})

	// Start the in-process worker when enabled; kept before the health
	// routes so readiness can report active runs.
	var executor *pipeline.Executor
	if cfg.Worker.Enabled {
		renderer := client.NewRenderer(&cfg.Renderer)
		fetcher := client.NewBundleFetcher()
		publisher := events.NewPublisher(redisClient)
		executor = pipeline.NewExecutor(
			jobService,
			fetcher,
			renderer,
			storageClient,
			publisher,
			validate,
			time.Duration(cfg.Worker.TimeoutMin)*time.Minute,
			cfg.Worker.WorkDir,
		)
		go startWorkerServer(cfg, registry, executor)
	}

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"redis":   redisClient.Ping(c.Context()).Err() == nil,
				"storage": s3Client != nil,
				"worker":  cfg.Worker.Enabled,
				"auth":    jwksVerifier != nil || cfg.JWT.Secret != "",
			},
		})
	})

	// Readiness: reports in-flight runs so the orchestrator can drain
	app.Get("/ready", func(c *fiber.Ctx) error {
		var active int64
		if executor != nil {
			active = executor.ActiveJobs()
		}
		return c.JSON(fiber.Map{
			"ready":      true,
			"activeJobs": active,
		})
	})

	// ForwardAuth verification endpoint (internal, called by Traefik)
	app.Get("/auth/verify", authHandler.Verify)

	// API routes
	api := app.Group("/api", apiAuthMiddleware)

	jobs := api.Group("/jobs")
	jobs.Post("/", rateLimiter.SubmitLimit(cfg.RateLimit.SubmitPerHour), jobHandler.Submit)
	jobs.Get("/:jobId", jobHandler.Status)
	jobs.Get("/:jobId/result", jobHandler.Result)
	jobs.Post("/:jobId/cancel", jobHandler.Cancel)

	api.Get("/lanes/stats", jobHandler.Stats)

	// Internal routes for sibling services on the private network
	internal := app.Group("/internal")
	internal.Post("/notify", notifyHandler.Notify)
	internal.Post("/credits", notifyHandler.CreditsUpdated)

	// WebSocket routes
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws", authMiddleware.AuthenticateWebsocket(), websocket.New(func(c *websocket.Conn) {
		userID, _ := c.Locals("userId").(string)
		hub.HandleConnection(c, userID)
	}))

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("Shutting down server...")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	// Start server
	addr := ":" + cfg.Server.Port
	log.Printf("Server starting on %s", addr)
	if err := app.Listen(addr); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func startWorkerServer(cfg *config.Config, registry *broker.Registry, executor *pipeline.Executor) {
	asynqLogLevel := asynq.InfoLevel
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		asynqLogLevel = asynq.DebugLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "warn") {
		asynqLogLevel = asynq.WarnLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "error") {
		asynqLogLevel = asynq.ErrorLevel
	}

	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		},
		registry.WorkerConfig(cfg.Worker.Concurrency, asynqLogLevel),
	)

	mux := asynq.NewServeMux()
	mux.HandleFunc(broker.TaskTypeRender, executor.ProcessTask)

	if err := srv.Run(mux); err != nil {
		log.Printf("Asynq worker error: %v", err)
	}
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    "SERVICE_ERROR",
			"message": message,
		},
	})
}
