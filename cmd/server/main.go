package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	"github.com/minichat/api/internal/config"
	"github.com/minichat/api/internal/database"
	"github.com/minichat/api/internal/eventbus"
	"github.com/minichat/api/internal/generation"
	"github.com/minichat/api/internal/handlers"
	"github.com/minichat/api/internal/inference"
	"github.com/minichat/api/internal/limiter"
	"github.com/minichat/api/internal/middleware"
	"github.com/minichat/api/internal/store"
	"github.com/minichat/api/internal/telemetry"

	_ "github.com/minichat/api/docs" // Swagger docs
)

// @title MiniChat API
// @version 0.1.0
// @description Chat and generation streaming API for MiniChat.
// @host localhost:8080
// @BasePath /api/v1
// @schemes http
// @securityDefinitions.apikey Bearer
// @in header
// @name Authorization
func main() {
	ctx := context.Background()

	zapConfig := zap.NewProductionConfig()
	zapConfig.OutputPaths = []string{"stdout"}
	zapConfig.ErrorOutputPaths = []string{"stderr"}
	logger, err := zapConfig.Build()
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("MiniChat API starting...",
		zap.String("version", "0.1.0"),
		zap.String("environment", os.Getenv("GO_ENV")),
	)

	cfg := config.Load()

	shutdownTelemetry, err := telemetry.InitTracer(ctx, "minichat-api")
	if err != nil {
		// Log but don't fail, as collector might be down
		logger.Error("failed to initialize telemetry", zap.Error(err))
	} else {
		defer func() {
			if err := shutdownTelemetry(ctx); err != nil {
				logger.Error("failed to shutdown telemetry", zap.Error(err))
			}
		}()
	}

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		logger.Fatal("failed to run migrations", zap.Error(err))
	}
	logger.Info("migrations applied")

	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	rdb, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	events, err := eventbus.Connect(cfg.NATSURL, logger)
	if err != nil {
		// Audit and usage events are best-effort; the API runs without them.
		logger.Error("failed to connect to NATS", zap.Error(err))
	} else {
		defer events.Close()
		logger.Info("connected to NATS")
	}

	users := store.NewUserStore(db)
	chats := store.NewChatStore(db)
	messages := store.NewMessageStore(db)
	generations := store.NewGenerationStore(db)

	admission := limiter.New(
		limiter.NewRedisKV(rdb.Client()),
		cfg.QPSLimit,
		time.Duration(cfg.InflightTTLSeconds)*time.Second,
	)
	gateway := inference.NewClient(cfg.InferenceURL, logger)

	generationService := generation.NewService(chats, messages, generations,
		admission, gateway, events,
		generation.Defaults{
			Model:       cfg.DefaultModel,
			Temperature: cfg.DefaultTemperature,
			MaxTokens:   cfg.DefaultMaxTokens,
		}, logger)

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.CORS())
	router.Use(middleware.RequestID())
	router.Use(middleware.Metrics())

	// Swagger documentation
	router.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	healthHandler := handlers.NewHealthHandler(db, rdb, cfg.InferenceURL)
	router.GET("/health", healthHandler.Health)
	router.GET("/health/deep", healthHandler.DeepHealth)

	authHandler := handlers.NewAuthHandler(users, cfg.JWTSecret, logger)
	chatHandler := handlers.NewChatHandler(chats, events, logger)
	messageHandler := handlers.NewMessageHandler(chats, messages, logger)
	generationHandler := handlers.NewGenerationHandler(generationService, logger)

	v1 := router.Group("/api/v1")
	{
		auth := v1.Group("/auth")
		{
			auth.POST("/register", authHandler.Register)
			auth.POST("/login", authHandler.Login)
			auth.POST("/refresh", authHandler.RefreshToken)
		}

		protected := v1.Group("")
		protected.Use(middleware.Auth(cfg.JWTSecret))
		{
			user := protected.Group("/user")
			{
				user.GET("/me", authHandler.GetCurrentUser)
			}

			chatGroup := protected.Group("/chats")
			{
				chatGroup.POST("", chatHandler.Create)
				chatGroup.GET("", chatHandler.List)
				chatGroup.PATCH("/:id", chatHandler.Rename)
				chatGroup.DELETE("/:id", chatHandler.Delete)
				chatGroup.GET("/:id/messages", messageHandler.List)
				chatGroup.POST("/:id/messages", messageHandler.Create)
				chatGroup.POST("/:id/generations", generationHandler.Create)
			}

			// Generation routes sit behind a circuit breaker guarding the
			// inference backend.
			genGroup := protected.Group("/generations")
			genGroup.Use(middleware.CircuitBreakerMiddleware(middleware.InferenceCircuitBreaker))
			{
				genGroup.GET("/:id/stream", generationHandler.Stream)
				genGroup.POST("/:id/cancel", generationHandler.Cancel)
			}
		}
	}

	// WriteTimeout stays zero so long-lived SSE responses are not cut off.
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info("starting server", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server exited gracefully")
}
