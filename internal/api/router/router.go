// Package router assembles the HTTP control surface.
package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nortide/whatsgate/internal/http/handlers"
	httpmiddleware "github.com/nortide/whatsgate/internal/http/middleware"
	"github.com/nortide/whatsgate/pkg/logging"
)

// maxBodyBytes caps publish payloads; media is fetched by URL, so request
// bodies stay small.
const maxBodyBytes = 1 << 20

// Config holds router configuration
type Config struct {
	Logger             *logging.Logger
	Gateway            *handlers.GatewayHandler
	MetricsHandler     http.Handler
	CORSAllowedOrigins []string
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestSize(maxBodyBytes))
	r.Use(middleware.Compress(5))
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	r.Get("/health", cfg.Gateway.HealthCheck)
	r.Post("/initialize", cfg.Gateway.Initialize)
	r.Get("/qr-code", cfg.Gateway.QRCode)
	r.Get("/status", cfg.Gateway.Status)
	r.Get("/groups", cfg.Gateway.Groups)
	r.Post("/publish", cfg.Gateway.Publish)
	r.Post("/logout", cfg.Gateway.Logout)

	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	return r
}
