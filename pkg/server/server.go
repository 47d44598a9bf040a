// Package server provides the public entry point for initializing the
// agentloom orchestration server.
//
// This package exists in pkg/ (not internal/) so that embedding programs
// can compose the engine into their own process:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"net/http"

	"github.com/agentloom/agentloom/internal/api"
	"github.com/agentloom/agentloom/internal/api/handlers"
	"github.com/agentloom/agentloom/internal/catalog"
	"github.com/agentloom/agentloom/internal/config"
	"github.com/agentloom/agentloom/internal/store"
	"github.com/agentloom/agentloom/internal/telemetry"

	"github.com/rs/zerolog/log"
)

// Server holds the initialized agentloom engine.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the in-memory run history.
	Store store.Store

	// Config is the loaded server configuration.
	Config *config.Config

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc should be called on graceful shutdown. It closes the
	// router registry and flushes telemetry.
	ShutdownFunc func(context.Context) error
}

// New initializes all engine components and returns a ready Server.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the engine with an explicit configuration.
func NewWithConfig(_ context.Context, cfg *config.Config) (*Server, error) {
	// Initialize telemetry
	shutdownTelemetry, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, err
	}

	// In-memory run history, capped and process-lifetime only
	runStore := store.NewMemoryStore(cfg.Runs.MaxKept)

	// Agent preset catalog: builtins plus the optional preset file
	cat := catalog.New(cfg.Catalog.Path)
	if cfg.Catalog.Path != "" {
		if err := cat.Load(); err != nil {
			log.Warn().Err(err).Str("path", cfg.Catalog.Path).Msg("Preset file not loaded, continuing with builtins")
		}
	}
	log.Info().Int("presets", cat.Count()).Msg("✅ Catalog initialized")

	// Handlers own the router registry
	h := handlers.New(cfg, runStore, cat)
	router := api.NewRouter(cfg, h)

	shutdown := func(ctx context.Context) error {
		h.Close()
		return shutdownTelemetry(ctx)
	}

	return &Server{
		Handler:      router,
		Store:        runStore,
		Config:       cfg,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}
