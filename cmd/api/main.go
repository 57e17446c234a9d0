package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mdp/qrterminal/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/nortide/whatsgate/internal/api/router"
	appconfig "github.com/nortide/whatsgate/internal/config"
	"github.com/nortide/whatsgate/internal/credentials"
	"github.com/nortide/whatsgate/internal/dispatch"
	"github.com/nortide/whatsgate/internal/http/handlers"
	"github.com/nortide/whatsgate/internal/observability/metrics"
	"github.com/nortide/whatsgate/internal/session"
	"github.com/nortide/whatsgate/internal/transport/wameow"
	"github.com/nortide/whatsgate/pkg/logging"
)

func main() {
	// Load configuration
	_ = godotenv.Load()
	cfg := appconfig.Load()

	// Initialize logger
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting whatsgate API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	// Metrics registry
	registry := prometheus.NewRegistry()
	gatewayMetrics := metrics.NewGatewayMetrics(registry)

	// Credential store
	credStore, cleanup, err := buildCredentialStore(cfg)
	if err != nil {
		logger.Error("failed to build credential store", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	// Transport dialer
	var renderQR func(string)
	if cfg.PrintQRToTerminal {
		renderQR = func(code string) {
			qrterminal.GenerateHalfBlock(code, qrterminal.L, os.Stdout)
		}
	}
	dialer := wameow.NewDialer(wameow.Config{
		DBPath:     cfg.SessionDBPath,
		DeviceName: cfg.DeviceDisplayName,
		RenderQR:   renderQR,
		Logger:     logger,
	})

	// Core services
	sessions := session.NewManager(dialer, credStore, logger, session.Options{
		ConnectTimeout: cfg.ConnectTimeout,
		PollInterval:   cfg.ConnectPollEvery,
		ReconnectDelay: cfg.ReconnectDelay,
		Metrics:        gatewayMetrics,
	})
	dispatcher := dispatch.NewEngine(sessions, logger, gatewayMetrics)

	// Setup router
	r := router.New(&router.Config{
		Logger:             logger,
		Gateway:            handlers.NewGatewayHandler(sessions, dispatcher, logger),
		MetricsHandler:     promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	})

	// Create HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}

// buildCredentialStore selects the credential backend from config.
func buildCredentialStore(cfg *appconfig.Config) (credentials.Store, func(), error) {
	switch cfg.CredentialBackend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		return credentials.NewRedisStore(client, cfg.RedisKey), func() { _ = client.Close() }, nil
	default:
		return credentials.NewFileStore(cfg.CredentialFile), func() {}, nil
	}
}
