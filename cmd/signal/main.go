package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"voxrelay/internal/core/services"
	httphandlers "voxrelay/internal/handlers/http"
	"voxrelay/internal/infrastructure/middleware"
	"voxrelay/internal/infrastructure/monitoring"
	"voxrelay/internal/infrastructure/repositories"
	signalserver "voxrelay/internal/infrastructure/signal"
	"voxrelay/pkg/config"
	"voxrelay/pkg/logger"
	"voxrelay/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	startTime := time.Now()

	cfg, path, err := config.LoadFirst(
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/voxrelay/config.yaml",
		"config.yaml",
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration from %q: %v\n", path, err)
		os.Exit(1)
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()

	log := zapLogger.Sugar()
	if path == "" {
		log.Info("No config file found, using defaults")
	} else {
		log.Infow("Loaded config", "path", path)
	}

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "voxrelay-signal",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	ctx := context.Background()

	// Adapters
	repoFactory := repositories.NewRepositoryFactory(cfg, log)
	store, err := repoFactory.CreateStateStore(ctx)
	if err != nil {
		log.Fatalw("failed to open state store", "driver", cfg.Store.Driver, "error", err)
	}
	cache := repoFactory.CreateVoiceCache(ctx)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := monitoring.NewPrometheusCollector(registry)

	presence := services.NewPresenceManager(store, cache, services.PresenceConfig{
		HealthCheckInterval: cfg.Presence.HealthCheckInterval,
		ProbeTimeout:        cfg.Presence.ProbeTimeout,
		ReconnectAttempts:   cfg.Presence.ReconnectAttempts,
		ReconnectBaseDelay:  cfg.Presence.ReconnectBaseDelay,
		ReconnectMaxDelay:   cfg.Presence.ReconnectMaxDelay,
		RepopulateTimeout:   cfg.Presence.RepopulateTimeout,
		StaleAfter:          cfg.Presence.StaleAfter,
	}, collector, log.Named("presence"))

	authService := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL)
	signalServer := signalserver.NewServer(
		signalserver.ConfigFrom(cfg),
		presence,
		signalserver.NewJWTAuthenticator(authService),
		collector,
		log.Named("signal"),
	)
	presence.SetSessionRegistry(signalServer)
	presence.Start(ctx)

	health := monitoring.NewHealthChecker()
	health.AddAdapterCheck("state_store", store, cfg.Presence.ProbeTimeout, true)
	health.AddAdapterCheck("voice_cache", cache, cfg.Presence.ProbeTimeout, false)
	health.AddPresenceCheck(presence)

	// Configure Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.RequestMiddleware(logger.NewContextLogger(zapLogger), collector),
		middleware.ErrorHandlerMiddleware(log),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)

	router.GET(cfg.Signal.Path, gin.WrapF(signalServer.HandleWebSocket))
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      monitoring.StatusHealthy,
			"connections": signalServer.ConnectionCount(),
			"timestamp":   time.Now().UTC(),
			"uptime":      time.Since(startTime).String(),
		})
	})
	router.GET("/ready", func(c *gin.Context) {
		status := health.CheckAll(c.Request.Context())
		code := http.StatusOK
		if !status.Ready {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
		log.Info("Prometheus metrics enabled")
	}

	httphandlers.NewPresenceHandler(presence).SetupRoutes(router, middleware.AuthMiddleware(authService))

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("Starting voxrelay signaling server", "address", cfg.Server.Address, "ws_path", cfg.Signal.Path)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("Server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	log.Info("Shutting down voxrelay signaling server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Hijacked websocket connections are not tracked by the HTTP server, so
	// the signaling server drains them itself.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	}
	if err := signalServer.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error closing signaling connections", "error", err)
	}
	if err := presence.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error closing presence adapters", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error flushing traces", "error", err)
	}

	log.Info("voxrelay signaling server stopped")
}
