// Package server provides the public entry point for initializing the
// Synapse server.
//
// This package exists in pkg/ (not internal/) so that embedding
// deployments can import it and compose the full server with their
// own middleware.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/synapse-hq/synapse/internal/api"
	"github.com/synapse-hq/synapse/internal/audit"
	"github.com/synapse-hq/synapse/internal/config"
	"github.com/synapse-hq/synapse/internal/permissions"
	"github.com/synapse-hq/synapse/internal/registry"
	"github.com/synapse-hq/synapse/internal/store"
	"github.com/synapse-hq/synapse/internal/telemetry"
	"github.com/synapse-hq/synapse/internal/webhook"
	"github.com/synapse-hq/synapse/internal/workspace"
	"github.com/synapse-hq/synapse/pkg/models"
)

// Server holds the initialized Synapse server.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the data store behind the coordinator.
	Store store.Store

	// Coordinator is the workspace façade; embedders can drive it
	// directly instead of going through HTTP.
	Coordinator *workspace.Coordinator

	// Config is the resolved server configuration.
	Config *config.Config

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc should be called on graceful shutdown. It drains
	// the webhook dispatcher and flushes telemetry.
	ShutdownFunc func(context.Context) error
}

// New initializes all components from environment configuration and
// returns a ready Server.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the server with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	// Initialize telemetry
	telemetryShutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	dataStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	perms := permissions.NewEngine(dataStore)
	reg := registry.New(dataStore, perms, cfg.Registry.IdleAfter, cfg.Registry.OfflineAfter)
	auditLog := audit.New(dataStore)
	dispatcher := webhook.NewDispatcher(dataStore, cfg.Webhooks)
	coord := workspace.New(dataStore, perms, reg, auditLog, dispatcher, cfg.Entries)

	seedDefaultWorkspace(ctx, coord)
	coord.StartReaper(ctx, cfg.Entries.ReapInterval, cfg.Entries.ExpiredRetention)

	router := api.NewRouter(cfg, coord, dataStore)

	shutdown := func(ctx context.Context) error {
		dispatcher.Close()
		return telemetryShutdown(ctx)
	}

	return &Server{
		Handler:      router,
		Store:        dataStore,
		Coordinator:  coord,
		Config:       cfg,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case "postgres":
		s, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		log.Info().Msg("✅ PostgreSQL store initialized")
		return s, nil
	case "", "memory":
		s := store.NewMemoryStore(store.MemoryOptions{DataDir: cfg.DataDir})
		log.Info().Msg("✅ In-memory store initialized")
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// seedDefaultWorkspace creates the zero-configuration workspace so a
// fresh server is usable without a create call. The owner holds the
// workspace-wide admin grant.
func seedDefaultWorkspace(ctx context.Context, coord *workspace.Coordinator) {
	if _, err := coord.GetWorkspace(ctx, "default"); err == nil {
		return
	}
	_, err := coord.CreateWorkspace(ctx, &models.Workspace{
		ID:          "default",
		Name:        "Default Workspace",
		Description: "The default shared memory workspace",
		Owner:       "system",
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to seed default workspace")
		return
	}
	log.Info().Msg("✅ Default workspace seeded")
}
