// Beacon - Distributed Real-Time Notification Gateway
// Copyright 2026 Beacon Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beacon-notify/beacon

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/beacon-notify/beacon/internal/config"
)

// NewRouter assembles the HTTP routes: producer API, operations
// endpoints and the WebSocket upgrade path.
func NewRouter(h *Handler, ws http.HandlerFunc, cfg config.ServerConfig, debug bool) chi.Router {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	// WebSocket upgrades bypass the rate limiter: a reconnect storm
	// after a deploy is expected traffic.
	r.Get("/ws/{user_id}", ws)

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.RateLimitReqs > 0 {
			r.Use(httprate.LimitByIP(cfg.RateLimitReqs, cfg.RateLimitWindow))
		}
		r.Post("/notify/{user_id}", h.Notify)
		r.Post("/notify/direct/{user_id}", h.NotifyDirect)
		r.Get("/recommendations/{user_id}", h.Recommendations)
		r.Post("/recommendations/{user_id}/refresh", h.RefreshRecommendations)
		r.Get("/stats", h.Stats)
		r.Get("/stats/cluster", h.ClusterStats)
	})

	if debug {
		r.Get("/debug/pending/{user_id}", h.DebugPending)
	}

	return r
}
