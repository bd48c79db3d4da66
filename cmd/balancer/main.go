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

	"github.com/llmgate/llmgate/internal/config"
	"github.com/llmgate/llmgate/internal/health"
	"github.com/llmgate/llmgate/internal/logger"
	"github.com/llmgate/llmgate/internal/router"
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
	configPath := flag.String("config", "balancer.yaml", "path to the balancer configuration file")
	flag.Parse()

	cfg, warning, err := config.LoadBalancerConfig(*configPath)
	if err != nil {
		slog.Error("Error loading configuration", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Debug)
	log.Info("Logger initialized", "debug_mode", cfg.Debug)
	if warning != "" {
		log.Warn(warning)
	}

	monitor := health.NewMonitor(cfg.Instances, cfg.Probe, log)
	monitor.Start()
	log.Info("Health monitor started", "instances", len(cfg.Instances),
		"interval", cfg.Probe.Interval, "failure_threshold", cfg.Probe.FailureThreshold)

	relay := router.NewRouter(monitor, cfg.Instances, log)

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(customRecovery(log))
	if cfg.Debug {
		engine.Use(gin.Logger())
	}

	engine.GET("/health", relay.HealthHandler)
	engine.GET("/stats", relay.StatsHandler)
	// Everything else is relayed to a healthy gateway instance.
	engine.NoRoute(gin.WrapH(relay))

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: engine,
	}

	go func() {
		log.Info("Starting balancer", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Failed to start server", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down balancer...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	monitor.Close()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	log.Info("Balancer exiting")
}
