// Package server contains the HTTP and WebSocket handlers for the messaging
// API.
package server

import (
	"context"
	"fmt"
	"time"

	"carewire/internal/audit"
	"carewire/internal/cache"
	"carewire/internal/config"
	"carewire/internal/crypto"
	"carewire/internal/database"
	"carewire/internal/middleware"
	"carewire/internal/notifications"
	"carewire/internal/registry"
	"carewire/internal/service"
	"carewire/internal/storage"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Server holds all dependencies and provides handlers.
type Server struct {
	config         *config.Config
	db             *gorm.DB
	redis          *redis.Client
	app            *fiber.App
	promMiddleware *fiberprometheus.FiberPrometheus

	orchestrator *storage.Orchestrator
	registry     registry.Registry
	hub          *notifications.Fanout
	notifier     *notifications.Notifier
	riskLog      *audit.RiskLog
	messaging    *service.MessagingService

	sweepStop chan struct{}
}

// NewServer creates a server instance, establishing database and Redis
// connections from the config.
func NewServer(cfg *config.Config) (*Server, error) {
	db, err := database.Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}

	cache.InitRedis(cfg.RedisURL)
	return NewServerWithDeps(cfg, db, cache.GetClient())
}

// NewServerWithDeps creates a Server using already-initialized dependencies.
// Use this in tests or when a bootstrap layer establishes DB and Redis.
func NewServerWithDeps(cfg *config.Config, db *gorm.DB, redisClient *redis.Client) (*Server, error) {
	riskLog := audit.New(db, nil)

	codec, err := crypto.NewContentCodec(cfg.ContentSecret)
	if err != nil {
		return nil, fmt.Errorf("content codec: %w", err)
	}

	thresholds := storage.DefaultThresholds()
	if cfg.ScalingConfig != "" {
		thresholds, err = storage.LoadThresholds(cfg.ScalingConfig)
		if err != nil {
			return nil, fmt.Errorf("scaling thresholds: %w", err)
		}
	}

	probe, err := storage.NewMetricsProbe(db)
	if err != nil {
		return nil, fmt.Errorf("metrics probe: %w", err)
	}
	recency := time.Duration(cfg.HybridRecencyDays) * 24 * time.Hour
	factory := storage.NewBackendFactory(db, redisClient, codec, recency)
	orchestrator, err := storage.NewOrchestrator(factory, probe, thresholds, codec, riskLog)
	if err != nil {
		return nil, fmt.Errorf("storage orchestrator: %w", err)
	}

	reg := registry.New(db)
	hub := notifications.NewFanout(notifications.NewPresenceTracker(redisClient), reg)
	notifier := notifications.NewNotifier(redisClient)

	server := &Server{
		config:         cfg,
		db:             db,
		redis:          redisClient,
		promMiddleware: middleware.InitMetrics("carewire-api"),
		orchestrator:   orchestrator,
		registry:       reg,
		hub:            hub,
		notifier:       notifier,
		riskLog:        riskLog,
		messaging:      service.NewMessagingService(orchestrator, reg, hub, notifier, riskLog),
		sweepStop:      make(chan struct{}),
	}
	return server, nil
}

// Start wires the cross-instance subscriber, launches the typing sweeper, and
// serves until the listener stops.
func (s *Server) Start(ctx context.Context) error {
	if err := s.notifier.Wire(ctx, s.hub); err != nil {
		return fmt.Errorf("pubsub subscriber: %w", err)
	}
	go s.typingSweeper(ctx)

	s.app = fiber.New(fiber.Config{
		AppName:               "carewire",
		DisableStartupMessage: s.config.Env == "production",
	})
	s.SetupMiddleware(s.app)
	s.SetupRoutes(s.app)

	return s.app.Listen(":" + s.config.Port)
}

// Shutdown stops the listener, drains the hub, and closes the storage
// backend.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.sweepStop)
	if s.app != nil {
		if err := s.app.ShutdownWithContext(ctx); err != nil {
			return err
		}
	}
	_ = s.hub.Shutdown(ctx)
	return s.orchestrator.Close()
}

// typingSweeper clears abandoned typing flags so "is typing" never sticks
// past the timeout when a client disconnects mid-keystroke.
func (s *Server) typingSweeper(ctx context.Context) {
	ticker := time.NewTicker(registry.DefaultTypingTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.messaging.SweepStaleTyping(ctx); err != nil {
				continue
			}
		case <-s.sweepStop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// SetupMiddleware configures middleware for the Fiber app.
func (s *Server) SetupMiddleware(app *fiber.App) {
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(middleware.ContextMiddleware())

	if s.promMiddleware != nil {
		app.Use(middleware.MetricsMiddleware(s.promMiddleware))
	}

	app.Use(helmet.New())
	app.Use(middleware.TracingMiddleware())
	app.Use(middleware.StructuredLogger())

	origins := s.config.AllowedOrigins
	if origins == "" {
		origins = "http://localhost:5173,http://localhost:3000"
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version",
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Global rate limiting (100 requests per minute per IP). Preflight
	// requests are handled by CORS and never limited.
	app.Use(limiter.New(limiter.Config{
		Max:        100,
		Expiration: 1 * time.Minute,
		Next: func(c *fiber.Ctx) bool {
			return c.Method() == fiber.MethodOptions
		},
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "Too many requests, please try again later.",
			})
		},
	}))
}

// SetupRoutes configures all routes for the application.
func (s *Server) SetupRoutes(app *fiber.App) {
	api := app.Group("/api")

	app.Get("/health/live", s.LivenessCheck)
	app.Get("/health/ready", s.ReadinessCheck)
	app.Get("/health", s.ReadinessCheck)

	if s.promMiddleware != nil {
		s.promMiddleware.RegisterAt(app, "/metrics")
	}

	protected := api.Group("", middleware.AuthRequired)

	conversations := protected.Group("/conversations")
	conversations.Post("/", s.CreateConversation)
	conversations.Get("/", s.ListConversations)
	// Specific /:id/:resource routes before the generic /:id route.
	conversations.Get("/:id/messages", s.GetMessages)
	conversations.Post("/:id/messages", middleware.RateLimit(
		s.redis, 30, time.Minute, "send_message"), s.SendMessage)
	conversations.Get("/:id/messages/search", middleware.RateLimit(
		s.redis, 10, time.Minute, "search_messages"), s.SearchMessages)
	conversations.Post("/:id/read", s.MarkRead)
	conversations.Post("/:id/participants", s.AddParticipant)
	conversations.Delete("/:id/participants/:userId", s.RemoveParticipant)
	conversations.Post("/:id/mute", s.MuteConversation)
	conversations.Delete("/:id/mute", s.UnmuteConversation)
	conversations.Get("/:id", s.GetConversation)

	messages := protected.Group("/messages")
	messages.Put("/:messageId", s.EditMessage)
	messages.Delete("/:messageId", s.DeleteMessage)

	ws := api.Group("/ws", middleware.WebSocketAuthRequired)
	ws.Get("/chat", s.WebSocketChatHandler())

	admin := protected.Group("/admin", adminRequired)
	admin.Get("/storage", s.StorageStatus)
	admin.Post("/storage/reset", s.ResetStorageTier)
	admin.Get("/audit/report", s.ComplianceReport)
	admin.Post("/audit/:id/investigate", s.MarkInvestigation)
}

// LivenessCheck handles liveness probe requests.
func (s *Server) LivenessCheck(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"status": "up",
		"time":   time.Now(),
	})
}

// ReadinessCheck handles readiness probe requests.
func (s *Server) ReadinessCheck(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
	defer cancel()

	dbStatus := "healthy"
	sqlDB, err := s.db.DB()
	if err != nil {
		dbStatus = "unhealthy"
	} else if err := sqlDB.PingContext(ctx); err != nil {
		dbStatus = "unhealthy"
	}

	redisStatus := "healthy"
	if s.redis != nil {
		if err := s.redis.Ping(ctx).Err(); err != nil {
			redisStatus = "unhealthy"
		}
	} else {
		// The server degrades to single-instance mode without Redis.
		redisStatus = "unavailable"
	}

	status := fiber.StatusOK
	overallStatus := "healthy"
	if dbStatus == "unhealthy" {
		status = fiber.StatusServiceUnavailable
		overallStatus = "unhealthy"
	}

	return c.Status(status).JSON(fiber.Map{
		"status": overallStatus,
		"tier":   s.orchestrator.Tier().String(),
		"checks": fiber.Map{
			"database": dbStatus,
			"redis":    redisStatus,
		},
		"time": time.Now(),
	})
}
