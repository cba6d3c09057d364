package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/slidecast/api/internal/client"
	"github.com/slidecast/api/internal/config"
	"github.com/slidecast/api/internal/handler"
	"github.com/slidecast/api/internal/middleware"
	"github.com/slidecast/api/internal/service"
	"github.com/slidecast/api/internal/storage"
	"github.com/slidecast/api/internal/store"
	ws "github.com/slidecast/api/internal/websocket"
	"github.com/slidecast/api/internal/worker"
)

func main() {
	// Load configuration
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

	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Printf("Warning: Redis not available: %v", err)
	}

	// Initialize Asynq client
	asynqClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer asynqClient.Close()

	// Initialize validator
	validate := validator.New()

	// Initialize WebSocket hub
	hub := ws.NewHub()

	// Initialize storage
	artifacts, err := storage.NewArtifactStore(cfg.Storage.OutputDir)
	if err != nil {
		log.Fatalf("Failed to initialize artifact storage: %v", err)
	}

	var mirror client.ArtifactMirror
	if r2, err := client.NewR2Client(&cfg.R2); err != nil {
		log.Printf("Artifact mirror disabled: %v", err)
	} else {
		mirror = r2
	}

	// Initialize agent API client and orchestrator
	agentClient := client.NewAgentClient(&cfg.Agent)
	if !agentClient.IsConfigured() {
		log.Printf("Warning: AGENT_API_KEY not set, remote calls will fail")
	}

	taskStore := store.NewTaskStore(redisClient)
	orchestrator := service.NewOrchestrator(taskStore, agentClient, hub, artifacts, mirror, cfg.Pipeline)
	dispatcher := service.NewAsynqDispatcher(asynqClient)

	// Initialize handlers
	taskHandler := handler.NewTaskHandler(orchestrator, taskStore, validate)
	webhookHandler := handler.NewWebhookHandler(taskStore, dispatcher, hub, cfg.Webhook)

	// Initialize middleware
	rateLimiter := middleware.NewRateLimiter(redisClient)

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    10 * 1024 * 1024, // 10MB
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// Webhook ingress
	app.Post(cfg.Webhook.Path, webhookHandler.Handle)
	app.Get("/webhook/status", webhookHandler.Status)

	// API routes
	api := app.Group("/api/v1")
	api.Post("/deck/tasks", rateLimiter.TaskLimit(cfg.RateLimit.TasksPerHour), taskHandler.CreateDeck)
	api.Post("/video/tasks", rateLimiter.TaskLimit(cfg.RateLimit.TasksPerHour), taskHandler.CreateVideo)
	api.Get("/tasks", taskHandler.List)
	api.Get("/tasks/:taskId", taskHandler.Get)
	api.Get("/tasks/:taskId/events", taskHandler.Events)
	api.Get("/tasks/:taskId/download", taskHandler.Download)
	api.Get("/tasks/:taskId/plan", taskHandler.Plan)

	// WebSocket routes
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/:clientId", websocket.New(func(c *websocket.Conn) {
		clientID := c.Params("clientId")
		hub.HandleConnection(c, clientID)
	}))

	// Start Asynq worker server
	go startWorkerServer(cfg, orchestrator)

	// Register the webhook with the agent API so events start flowing
	if cfg.Webhook.Enabled && cfg.Webhook.URL() != "" && agentClient.IsConfigured() {
		go func() {
			regCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()
			if _, err := agentClient.RegisterWebhook(regCtx, cfg.Webhook.URL()); err != nil {
				log.Printf("Warning: webhook registration failed: %v", err)
			}
		}()
	}

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

func startWorkerServer(cfg *config.Config, orchestrator *service.Orchestrator) {
	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		},
		asynq.Config{
			Concurrency: 10,
			Queues: map[string]int{
				service.QueueWebhooks: 10,
			},
		},
	)

	webhookWorker := worker.NewWebhookWorker(orchestrator)

	mux := asynq.NewServeMux()
	mux.HandleFunc(service.TaskTypeWebhookEvent, webhookWorker.ProcessTask)

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
