// Package core provides the API chassis for the streamdrop service.
// It creates a chi router and enforces cross-cutting concerns, security,
// logging, and error handling, before requests reach domain-specific handlers.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"streamdrop/internal/config"
)

// V1RouteRegistrar mounts one domain handler's routes under /v1. Registrars
// are populated by the application entry point; the indirection avoids import
// cycles between core and handler packages.
type V1RouteRegistrar func(r chi.Router)

// Server encapsulates the chassis dependencies for the streamdrop API,
// allowing for easy injection during testing and distinct configuration for
// different environments.
type Server struct {
	Config    *config.Config
	Logger    *slog.Logger
	Validator *Validator

	V1RouteRegistrars []V1RouteRegistrar
	HealthProbes      []HealthProbe

	router *chi.Mux
}

// NewServer initializes dependencies, sets up the router, and prepares the
// server for route mounting. The caller mounts routes (via MountRoutes) after
// construction; the separation lets tests customize route registration.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(logger),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the http.Handler interface for the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Shutdown performs a graceful termination of server-held resources.
// Database pool closing is owned by main, which created the pool.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.Info("server shutdown complete")
	return nil
}
