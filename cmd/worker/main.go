package main

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/frameforge/api/internal/broker"
	"github.com/frameforge/api/internal/client"
	"github.com/frameforge/api/internal/config"
	"github.com/frameforge/api/internal/events"
	"github.com/frameforge/api/internal/pipeline"
	"github.com/frameforge/api/internal/service"
)

// Standalone render worker. Consumes jobs from the priority lanes and
// publishes status events for the gateway over Redis pub/sub. Scale by
// running more worker processes.
func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("Redis not available: %v", err)
	}

	registry := broker.NewRegistry()
	registry.Provision()

	var storageClient client.StorageClient
	s3Client, err := client.NewS3Client(&cfg.Storage)
	if err != nil {
		log.Printf("Info: object storage not configured, using local storage: %v", err)
		storageClient = client.NewLocalStorage(cfg.Worker.WorkDir)
	} else {
		storageClient = s3Client
	}

	executor := pipeline.NewExecutor(
		service.NewJobService(redisClient),
		client.NewBundleFetcher(),
		client.NewRenderer(&cfg.Renderer),
		storageClient,
		events.NewPublisher(redisClient),
		validator.New(),
		time.Duration(cfg.Worker.TimeoutMin)*time.Minute,
		cfg.Worker.WorkDir,
	)

	asynqLogLevel := asynq.InfoLevel
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		asynqLogLevel = asynq.DebugLevel
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

	log.Printf("Worker starting (concurrency=%d)", cfg.Worker.Concurrency)
	if err := srv.Run(mux); err != nil {
		log.Fatalf("Asynq worker error: %v", err)
	}
}
