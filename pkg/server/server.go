// Package server provides the public entry point for initializing the Bruno
// orchestration core server: it composes the store, cache, circuit breakers,
// agent gateway, heartbeat monitor, and orchestrator behind one HTTP handler.
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
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mospit/bruno-ai-sub000/internal/api"
	"github.com/mospit/bruno-ai-sub000/internal/api/handlers"
	"github.com/mospit/bruno-ai-sub000/internal/breaker"
	"github.com/mospit/bruno-ai-sub000/internal/cache"
	"github.com/mospit/bruno-ai-sub000/internal/config"
	"github.com/mospit/bruno-ai-sub000/internal/gateway"
	"github.com/mospit/bruno-ai-sub000/internal/orchestrator"
	"github.com/mospit/bruno-ai-sub000/internal/resolver"
	"github.com/mospit/bruno-ai-sub000/internal/store"
	"github.com/mospit/bruno-ai-sub000/internal/telemetry"
)

// Server holds the initialized orchestration core.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the data store (memory or PostgreSQL per config).
	Store store.Store

	// Gateway is the agent registry; exposed so embedders can register
	// in-process agents programmatically.
	Gateway *gateway.Gateway

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc should be called on graceful shutdown: it stops the
	// heartbeat monitor and cache sweeper and flushes telemetry.
	ShutdownFunc func(context.Context) error
}

// New initializes all components from environment configuration.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the orchestration core with an explicit
// configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	// Telemetry first so everything downstream traces.
	telemetryShutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	dataStore, err := newStore(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	lookupCache := cache.New(map[string]time.Duration{
		cache.CategoryPrice:     cfg.Cache.PriceTTL,
		cache.CategoryReference: cfg.Cache.ReferenceTTL,
		"pricing":               cfg.Cache.PriceTTL, // capability-keyed dispatch results
	}, cfg.Cache.DefaultTTL, cfg.Cache.SweepEvery)
	log.Info().Msg("✅ Lookup cache initialized")

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Window:           cfg.Breaker.Window,
		Cooldown:         cfg.Breaker.Cooldown,
		MaxCooldown:      cfg.Breaker.MaxCooldown,
	})

	gw := gateway.New(cfg.Gateway, dataStore, lookupCache, breakers)
	log.Info().Msg("✅ Agent gateway initialized")

	monitor := gateway.NewHeartbeatMonitor(gw, cfg.Gateway.HeartbeatInterval)
	monitor.Start(ctx)

	orch := orchestrator.New(cfg.Orchestrator, resolver.New(nil), gw, dataStore)
	log.Info().Msg("✅ Orchestrator initialized")

	h := handlers.New(dataStore, gw, orch)
	router := api.NewRouter(cfg, h)

	shutdown := func(shutdownCtx context.Context) error {
		monitor.Stop()
		lookupCache.Close()
		return telemetryShutdown(shutdownCtx)
	}

	return &Server{
		Handler:      router,
		Store:        dataStore,
		Gateway:      gw,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}

func newStore(ctx context.Context, cfg config.DatabaseConfig) (store.Store, error) {
	switch cfg.Driver {
	case "postgres":
		pg, err := store.NewPostgresStore(ctx, cfg.URL, cfg.MaxConnections)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		if err := pg.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		log.Info().Msg("✅ PostgreSQL store initialized")
		return pg, nil
	case "memory", "":
		log.Info().Msg("✅ In-memory store initialized")
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
