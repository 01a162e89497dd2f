package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"vigil/internal/middleware"
)

// RouterConfig lists the handlers mounted on the public HTTP server.
// Nil handlers are not mounted.
type RouterConfig struct {
	Ingest    http.Handler
	OTLP      http.Handler
	API       *API
	Health    http.HandlerFunc
	Stats     http.HandlerFunc
	Metrics   http.Handler
	JWTSecret string
}

// NewRouter builds the HTTP surface.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logging, middleware.Recovery)

	if cfg.Health != nil {
		r.Get("/health", cfg.Health)
	}
	if cfg.Stats != nil {
		r.Get("/stats", cfg.Stats)
	}
	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics)
	}
	if cfg.Ingest != nil {
		r.Handle("/ingest", cfg.Ingest)
	}
	if cfg.OTLP != nil {
		r.Post("/v1/logs", cfg.OTLP.ServeHTTP)
	}
	if cfg.API != nil {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(cfg.JWTSecret))
			r.Mount("/api/v1", cfg.API.Routes())
		})
	}
	return r
}
