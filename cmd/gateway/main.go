package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/llmgate/llmgate/internal/admin"
	"github.com/llmgate/llmgate/internal/admission"
	"github.com/llmgate/llmgate/internal/config"
	"github.com/llmgate/llmgate/internal/db"
	"github.com/llmgate/llmgate/internal/keystore"
	"github.com/llmgate/llmgate/internal/logger"
	"github.com/llmgate/llmgate/internal/relay"
	"github.com/llmgate/llmgate/internal/scheduler"
)

// customRecovery is a middleware that recovers from panics and handles
// http.ErrAbortHandler gracefully.
func customRecovery(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if recovered := recover(); recovered != nil {
				if recovered == http.ErrAbortHandler {
					log.Warn("Client connection aborted", "path", c.Request.URL.Path)
					c.Abort()
					return
				}

				log.Error("Panic recovered",
					"error", recovered,
					"path", c.Request.URL.Path,
					"stack", string(debug.Stack()),
				)
				c.AbortWithStatus(http.StatusInternalServerError)
			}
		}()
		c.Next()
	}
}

func main() {
	configPath := flag.String("config", "gateway.yaml", "path to the gateway configuration file")
	flag.Parse()

	cfg, warning, err := config.LoadGatewayConfig(*configPath)
	if err != nil {
		slog.Error("Error loading configuration", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Debug)
	log.Info("Logger initialized", "debug_mode", cfg.Debug)
	if warning != "" {
		log.Warn(warning)
	}

	database, err := db.NewService(cfg.Database)
	if err != nil {
		log.Error("Error initializing database", "error", err)
		os.Exit(1)
	}
	log.Info("Database initialized", "type", cfg.Database.Type)

	store := keystore.NewStore(database, log)

	sched := scheduler.NewScheduler(database, cfg.Retention.UsageLogDays, log)
	if err := sched.Start(); err != nil {
		log.Error("Error starting scheduler", "error", err)
		os.Exit(1)
	}
	log.Info("Scheduler started", "retention_days", cfg.Retention.UsageLogDays)

	backendRelay := relay.NewRelay(cfg.Backend, store, log)

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(customRecovery(log))
	if cfg.Debug {
		router.Use(gin.Logger())
	}

	v1 := router.Group("/v1")
	v1.Use(admission.KeyMiddleware(store, log))
	v1.GET("/models", backendRelay.ModelsHandler)
	v1.POST("/chat/completions", backendRelay.CompletionHandler("/chat/completions"))
	v1.POST("/completions", backendRelay.CompletionHandler("/completions"))

	// Liveness probe used by operators and the balancer's health monitor.
	router.GET("/health", func(c *gin.Context) {
		if err := database.Ping(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": "database unreachable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "timestamp": time.Now().Format(time.RFC3339)})
	})

	admin.SetupRoutes(router, store, cfg)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router,
	}

	go func() {
		log.Info("Starting gateway", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Failed to start server", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down gateway...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sched.Stop()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	log.Info("Gateway exiting")
}
