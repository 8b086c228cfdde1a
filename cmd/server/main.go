// Beacon - Distributed Real-Time Notification Gateway
// Copyright 2026 Beacon Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beacon-notify/beacon

// Package main is the entry point for the Beacon gateway process.
//
// Beacon delivers per-user notifications to WebSocket clients across a
// fleet of gateway processes. Each process runs the same set of
// supervised services:
//
//  1. Configuration: layered defaults, YAML file and env vars (Koanf v2)
//  2. Broker: external NATS cluster, or an embedded JetStream server
//     for single-instance deployments (NATS_EMBEDDED_SERVER=true)
//  3. Delivery layer: durable log consumer, fanout bus listener and
//     the pending redelivery sweep
//  4. API layer: HTTP server carrying the producer API, the WebSocket
//     endpoint, health and metrics
//
// # Configuration
//
// Configuration is loaded via Koanf v2 with layered sources (highest
// priority wins):
//   - Environment variables (BEACON_ prefix, e.g. BEACON_SERVER_PORT)
//   - Config file (config.yaml)
//   - Built-in defaults
//
// # Signal Handling
//
// The process shuts down gracefully on SIGINT and SIGTERM: the HTTP
// server stops accepting connections, in-flight requests get a 10s
// grace period, the delivery services stop after acknowledging their
// in-flight events, and the broker connection closes last. Events that
// were pulled but not dispatched are redelivered by the broker to the
// consumer group, so a restart never loses notifications.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/beacon-notify/beacon/internal/api"
	"github.com/beacon-notify/beacon/internal/collab"
	"github.com/beacon-notify/beacon/internal/config"
	"github.com/beacon-notify/beacon/internal/dispatcher"
	"github.com/beacon-notify/beacon/internal/fanout"
	"github.com/beacon-notify/beacon/internal/gateway"
	"github.com/beacon-notify/beacon/internal/logging"
	"github.com/beacon-notify/beacon/internal/pending"
	"github.com/beacon-notify/beacon/internal/presence"
	"github.com/beacon-notify/beacon/internal/registry"
	"github.com/beacon-notify/beacon/internal/streamlog"
	"github.com/beacon-notify/beacon/internal/supervisor"
	"github.com/beacon-notify/beacon/internal/supervisor/services"
)

func main() {
	cfg, err := config.LoadWithKoanf()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("instance_id", cfg.InstanceID).
		Str("nats_url", cfg.NATS.URL).
		Bool("embedded_broker", cfg.NATS.EmbeddedServer).
		Msg("Starting Beacon gateway")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Broker: embedded JetStream for standalone deployments, external
	// cluster otherwise.
	natsURL := cfg.NATS.URL
	var embedded *streamlog.EmbeddedServer
	if cfg.NATS.EmbeddedServer {
		embedded, err = streamlog.NewEmbeddedServer(streamlog.ServerOptions{
			Host:      "127.0.0.1",
			StoreDir:  cfg.NATS.StoreDir,
			MaxMemory: cfg.NATS.MaxMemory,
			MaxStore:  cfg.NATS.MaxStore,
		})
		if err != nil {
			logging.Fatal().Err(err).Msg("Failed to start embedded NATS server")
		}
		natsURL = embedded.ClientURL()
		logging.Info().Str("url", natsURL).Msg("Embedded NATS server started")
	}

	nc, err := nats.Connect(natsURL,
		nats.Name("beacon-"+cfg.InstanceID),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
		nats.ReconnectWait(cfg.NATS.ReconnectWait),
		nats.RetryOnFailedConnect(true),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logging.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logging.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to connect to NATS")
	}
	defer nc.Close()

	eventLog, err := streamlog.New(ctx, nc, streamlog.StreamConfig{
		Name:            cfg.NATS.StreamName,
		MaxAge:          cfg.NATS.StreamRetention,
		MaxMsgs:         cfg.NATS.StreamMaxMsgs,
		Replicas:        1,
		DuplicateWindow: 2 * time.Minute,
	}, streamlog.DefaultBreakerConfig())
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize notification stream")
	}

	consumerCfg := streamlog.DefaultConsumerConfig(cfg.Dispatcher.ConsumerGroup)
	if cfg.Dispatcher.AckWait > 0 {
		consumerCfg.AckWait = cfg.Dispatcher.AckWait
	}
	consumer, err := eventLog.Consumer(ctx, consumerCfg)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create consumer group cursor")
	}

	// Presence entries must outlive a missed heartbeat or two; the
	// client idle cutoff is the natural TTL.
	pres, err := presence.New(ctx, nc, cfg.InstanceID, cfg.ClientTimeout())
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize presence map")
	}

	bus, err := fanout.New(fanout.Config{
		URL:           natsURL,
		InstanceID:    cfg.InstanceID,
		MaxReconnects: cfg.NATS.MaxReconnects,
		ReconnectWait: cfg.NATS.ReconnectWait,
		CloseTimeout:  5 * time.Second,
	})
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to connect fanout bus")
	}
	defer func() {
		if err := bus.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing fanout bus")
		}
	}()

	reg := registry.New(cfg.Gateway.MaxConnections, cfg.Gateway.MaxPerUser)
	store := pending.New(cfg.Pending.MaxPerUser, cfg.Pending.TTL)
	reg.SetDrainFunc(func(userID string, sink registry.Sink) {
		for _, ev := range store.Drain(userID) {
			ev.Buffered = true
			_ = sink.Push(ev)
		}
	})

	disp := dispatcher.New(reg, store, pres, bus, cfg.InstanceID)

	cache, err := collab.OpenPayloadCache(cfg.Cache.Path, cfg.Cache.TTL)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open payload cache")
	}
	defer func() {
		if err := cache.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing payload cache")
		}
	}()

	prefetcher := collab.NewPrefetcher(
		collab.NewNATSRecommender(nc, 5*time.Second),
		collab.NewNATSTaskQueue(nc),
		cache,
		cfg.Cache.BatchLimit,
	)

	gw := gateway.NewHandler(reg, pres, eventLog, cfg.Gateway, cfg.InstanceID, cfg.Server.CORSOrigins)
	apiHandler := api.NewHandler(eventLog, consumer, pres, bus, prefetcher, reg, store,
		cfg.InstanceID, cfg.Gateway.MaxMessageSize, cfg.Debug)
	router := api.NewRouter(apiHandler, gw.ServeWS, cfg.Server, cfg.Debug)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: router,
		// The WebSocket endpoint holds connections open far longer than
		// any request timeout, so read/write timeouts stay unset and
		// the producer API relies on per-handler deadlines instead.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       cfg.Server.Timeout,
	}

	// Bridge zerolog to slog for sutureslog compatibility.
	slogLogger := logging.NewSlogLogger()
	tree := supervisor.NewTree(slogLogger, supervisor.DefaultTreeConfig())

	tree.AddDeliveryService(dispatcher.NewLogConsumerService(disp, consumer, cfg.Dispatcher))
	tree.AddDeliveryService(dispatcher.NewFanoutService(disp, bus))
	tree.AddDeliveryService(dispatcher.NewRetryService(disp, eventLog, consumer, cfg.Pending))
	tree.AddDeliveryService(collab.NewGCService(cache, time.Hour))
	tree.AddAPIService(services.NewHTTPServerService(httpServer, 10*time.Second))
	logging.Info().Str("addr", httpServer.Addr).Msg("HTTP server service added")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Msg("Starting supervisor tree")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}

	// Drain the error channel; it closes when the supervisor is done.
	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}

	if embedded != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := embedded.Shutdown(shutdownCtx); err != nil {
			logging.Error().Err(err).Msg("Error shutting down embedded NATS server")
		}
		shutdownCancel()
	}

	logging.Info().Msg("Beacon gateway stopped")
}
