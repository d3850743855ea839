// AtlasLive - Real-Time Collaborative Map Sessions
// Copyright 2026 AtlasLive Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/atlaslive/atlaslive

// Package main is the entry point for the AtlasLive server.
//
// AtlasLive synchronizes collaborative map sessions in real time: view
// changes, layer toggles, cursor positions, and annotations made by one
// participant appear on every other participant's map. Participants connect
// over WebSocket; Redis carries the cross-process relay channel, the
// bounded per-session event history, and session metadata, so any number of
// server processes can host the same session.
//
// # Startup order
//
//  1. Configuration (Koanf v2: defaults, config.yaml, environment)
//  2. Logging (zerolog)
//  3. Redis broker; an unreachable broker degrades to local-only mode
//  4. Optional Postgres session catalog (POSTGRES_ENABLED=true)
//  5. Collaboration engine, history store, relay
//  6. Supervisor tree: relay subscriber + HTTP server
//
// # Signal handling
//
// SIGINT and SIGTERM trigger graceful shutdown: the HTTP server drains
// in-flight requests, the relay unsubscribes, and broker connections close.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/atlaslive/atlaslive/internal/api"
	"github.com/atlaslive/atlaslive/internal/broker"
	"github.com/atlaslive/atlaslive/internal/collab"
	"github.com/atlaslive/atlaslive/internal/config"
	"github.com/atlaslive/atlaslive/internal/history"
	"github.com/atlaslive/atlaslive/internal/logging"
	"github.com/atlaslive/atlaslive/internal/relay"
	"github.com/atlaslive/atlaslive/internal/store"
	"github.com/atlaslive/atlaslive/internal/supervisor"
	"github.com/atlaslive/atlaslive/internal/supervisor/services"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("addr", cfg.Server.Addr()).
		Str("channel", cfg.Collab.Channel).
		Bool("postgres", cfg.Postgres.Enabled).
		Msg("Starting AtlasLive")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Broker. A failed ping is not fatal: the server starts in degraded
	// local-only mode and the supervised relay keeps retrying.
	redis := broker.NewRedis(cfg.Redis)
	defer func() {
		if err := redis.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing broker connection")
		}
	}()
	if err := redis.Ping(ctx); err != nil {
		logging.Warn().Err(err).
			Str("addr", cfg.Redis.Addr).
			Msg("Broker unreachable at startup, running in degraded local-only mode")
	}

	// Optional durable session catalog.
	var catalog *store.SessionStore
	if cfg.Postgres.Enabled {
		catalog, err = store.New(ctx, cfg.Postgres.URL)
		if err != nil {
			logging.Fatal().Err(err).Msg("Failed to initialize session catalog")
		}
		defer catalog.Close()
		logging.Info().Msg("Session catalog initialized")
	}

	// Collaboration core.
	registry := collab.NewRegistry()
	broadcaster := collab.NewBroadcaster(registry)
	hist := history.New(redis.Client(), cfg.Collab.HistoryLimit, cfg.Collab.HistoryTTL)

	engineOpts := collab.Options{
		History:     hist,
		ReplayLimit: cfg.Collab.ReplayLimit,
		SendBuffer:  cfg.Collab.SendBuffer,
	}
	if catalog != nil {
		engineOpts.Metadata = catalog
	}

	// Engine and relay reference each other: the engine publishes local
	// events through the relay, the relay delivers foreign events through
	// the engine. The engine is built first with the publisher attached
	// after.
	engine := collab.NewEngine(registry, broadcaster, engineOpts)
	rel := relay.New(redis, engine, cfg.Collab.Channel)
	engine.SetPublisher(rel)

	var sessionCatalog api.SessionCatalog
	if catalog != nil {
		sessionCatalog = catalog
	}
	handler := api.NewHandler(engine, redis, sessionCatalog, redis, cfg)
	httpServer := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      api.NewRouter(handler),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.TreeConfig{
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})
	tree.AddMessagingService(services.NewRelayService(rel))
	tree.AddAPIService(services.NewHTTPServerService(httpServer, cfg.Server.ShutdownTimeout))

	logging.Info().Str("addr", cfg.Server.Addr()).Msg("AtlasLive listening")

	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("Supervisor tree exited with error")
	}

	if unstopped, err := tree.UnstoppedServiceReport(); err == nil && len(unstopped) > 0 {
		for _, svc := range unstopped {
			logging.Warn().Str("service", svc.Name).Msg("Service did not stop within timeout")
		}
	}

	logging.Info().Msg("AtlasLive shut down")
}
