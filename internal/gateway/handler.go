// Beacon - Distributed Real-Time Notification Gateway
// Copyright 2026 Beacon Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beacon-notify/beacon

// Package gateway terminates client WebSocket connections: handshake,
// registration, heartbeats, replay, and teardown with application
// close codes.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/beacon-notify/beacon/internal/config"
	"github.com/beacon-notify/beacon/internal/logging"
	"github.com/beacon-notify/beacon/internal/metrics"
	"github.com/beacon-notify/beacon/internal/models"
	"github.com/beacon-notify/beacon/internal/registry"
)

// Presence is the slice of the presence map the gateway needs.
type Presence interface {
	Claim(ctx context.Context, userID string) error
	Refresh(ctx context.Context, userID string) error
	Release(ctx context.Context, userID string) error
}

// Replayer streams a user's logged events after a given id.
type Replayer interface {
	Replay(ctx context.Context, userID string, afterID uint64, fn func(*models.Event) error) error
}

// Handler upgrades HTTP requests to notification WebSocket sessions.
type Handler struct {
	registry   *registry.Registry
	presence   Presence
	replayer   Replayer
	cfg        config.GatewayConfig
	instanceID string
	origins    []string
	upgrader   websocket.Upgrader
}

// NewHandler builds the WebSocket endpoint handler.
func NewHandler(reg *registry.Registry, pres Presence, rep Replayer, cfg config.GatewayConfig, instanceID string, corsOrigins []string) *Handler {
	h := &Handler{
		registry:   reg,
		presence:   pres,
		replayer:   rep,
		cfg:        cfg,
		instanceID: instanceID,
		origins:    corsOrigins,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		CheckOrigin:      h.checkOrigin,
		HandshakeTimeout: 10 * time.Second,
	}
	return h
}

// checkOrigin validates browser origins against the configured allow
// list. Requests without an Origin header (non-browser clients) are
// allowed; browsers always send one.
func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.origins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	logging.Warn().Str("origin", origin).Msg("websocket rejected from unauthorized origin")
	return false
}

// ServeWS handles GET /ws/{user_id}. An optional last_event_id query
// parameter requests replay of logged events after that id.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	lastEventID, _ := strconv.ParseUint(r.URL.Query().Get("last_event_id"), 10, 64)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		logging.Debug().Err(err).Msg("websocket upgrade failed")
		metrics.ConnectionsTotal.WithLabelValues("handshake_error").Inc()
		return
	}

	c := newClient(conn, userID, h.instanceID,
		h.cfg.SendBuffer,
		h.cfg.HeartbeatInterval,
		h.cfg.ClientTimeout(),
		h.cfg.MaxMessageSize,
	)

	if !models.ValidUserID(userID) {
		c.CloseWithCode(models.CloseInvalidUser, "invalid user id")
		metrics.ConnectionsTotal.WithLabelValues("invalid_user").Inc()
		return
	}

	// Raise the replay gate before the connection becomes visible to
	// live dispatch: a live event racing the replay would otherwise
	// advance the dedup floor past events the replay has not sent yet.
	replaying := lastEventID > 0 && c.beginReplay()

	handle, err := h.registry.Register(userID, c)
	if err != nil {
		if errors.Is(err, registry.ErrConnectionLimit) {
			c.CloseWithCode(models.CloseCapacity, "connection limit reached")
			metrics.ConnectionsTotal.WithLabelValues("capacity").Inc()
			return
		}
		c.CloseWithCode(websocket.CloseInternalServerErr, "registration failed")
		metrics.ConnectionsTotal.WithLabelValues("error").Inc()
		return
	}

	c.onClose = func() {
		h.registry.Unregister(handle)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.presence.Release(ctx, userID); err != nil {
			logging.Warn().Err(err).Str("user_id", userID).Msg("presence release failed")
		}
	}
	c.onHeartbeat = func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.presence.Refresh(ctx, userID); err != nil {
			logging.Debug().Err(err).Str("user_id", userID).Msg("presence refresh failed")
		}
	}
	c.onReplay = func(afterID uint64) {
		if c.beginReplay() {
			go h.replay(c, userID, afterID)
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	if err := h.presence.Claim(ctx, userID); err != nil {
		logging.Warn().Err(err).Str("user_id", userID).Msg("presence claim failed")
	}
	cancel()

	c.start()
	metrics.ConnectionsTotal.WithLabelValues("accepted").Inc()

	// Serve the resume request. The pending backlog drained during
	// Register is held behind the gate and flushed once the replay
	// finishes; the dedup floor drops overlap between the sources.
	if replaying {
		go h.replay(c, userID, lastEventID)
	}
}

// replay streams logged events after afterID directly to the
// connection, then releases the events held back while it ran. Both
// paths share the dedup floor.
func (h *Handler) replay(c *client, userID string, afterID uint64) {
	defer c.endReplay()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := h.replayer.Replay(ctx, userID, afterID, func(ev *models.Event) error {
		switch err := c.pushNow(ev); {
		case err == nil:
			metrics.EventsDelivered.WithLabelValues("replay").Inc()
			return nil
		case errors.Is(err, registry.ErrStaleEvent):
			metrics.EventsDeduplicated.Inc()
			return nil
		default:
			// Buffer overflow or closed connection; the client will
			// reconnect and resume from its own floor.
			return err
		}
	})
	if err != nil {
		logging.Debug().Err(err).
			Str("user_id", userID).
			Uint64("after_id", afterID).
			Msg("replay aborted")
	}
}
