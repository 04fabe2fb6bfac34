// Package main is the entry point for the video annotation service.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/videocoach/annotation-engine/internal/cache"
	"github.com/videocoach/annotation-engine/internal/config"
	"github.com/videocoach/annotation-engine/internal/database"
	"github.com/videocoach/annotation-engine/internal/handler"
	"github.com/videocoach/annotation-engine/internal/storage"
	"github.com/videocoach/annotation-engine/internal/syncer"
)

func main() {
	// Parse command line flags
	port := flag.String("port", "", "Server port (overrides SERVER_PORT env var)")
	flag.Parse()

	// Override environment variables if flags are provided
	if *port != "" {
		os.Setenv("SERVER_PORT", *port)
	}

	app := fx.New(
		fx.Provide(
			config.New,
			newLogger,
			newGinEngine,
		),
		fx.Invoke(startServer),
	)

	app.Run()
}

// newLogger creates a new zap logger based on the environment.
func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.IsDevelopment() {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// newGinEngine creates and configures a new Gin engine.
func newGinEngine(cfg *config.Config) *gin.Engine {
	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(gin.Logger())

	// CORS middleware
	engine.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	})

	return engine
}

// startServer wires the persistence, cache, audio storage and real-time
// sync layers and starts the HTTP server.
func startServer(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger, engine *gin.Engine) error {
	logger.Info("Starting service", zap.String("port", cfg.ServerPort))

	// Health check endpoint
	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "video-annotation",
		})
	})

	repo, err := database.NewPostgresRepository(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
		return err
	}

	redisClient, err := cache.NewRedisClient(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
		return err
	}
	cacheClient := cache.NewRedisCache(redisClient, logger)

	audioStore, err := storage.NewMinioStore(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to connect to MinIO", zap.Error(err))
		return err
	}

	publisher := syncer.NewRedisPublisher(redisClient, logger)
	hub := syncer.NewHub(redisClient, cfg.JWTSecret, logger)

	apiV1 := engine.Group("/api/v1")
	h := handler.NewHandler(repo, cacheClient, audioStore, publisher, hub, cfg.MaxAnnotationsPerVideo, logger)
	h.RegisterRoutes(apiV1)

	logger.Info("Handler routes registered")

	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.ServerPort),
		Handler: engine,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				logger.Info("Server starting", zap.String("addr", server.Addr))
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Fatal("Server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("Server shutting down")

			repo.Close()
			_ = cacheClient.Close()

			return server.Shutdown(ctx)
		},
	})

	return nil
}
