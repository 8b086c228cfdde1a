// Beacon - Distributed Real-Time Notification Gateway
// Copyright 2026 Beacon Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beacon-notify/beacon

package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/beacon-notify/beacon/internal/collab"
	"github.com/beacon-notify/beacon/internal/logging"
	"github.com/beacon-notify/beacon/internal/metrics"
	"github.com/beacon-notify/beacon/internal/models"
	"github.com/beacon-notify/beacon/internal/pending"
	"github.com/beacon-notify/beacon/internal/registry"
	"github.com/beacon-notify/beacon/internal/streamlog"
)

// Appender is the log surface the producer endpoint needs.
type Appender interface {
	Append(ctx context.Context, ev *models.Event) (uint64, error)
	Healthy(ctx context.Context) bool
}

// Lagger reports the consumer group's distance from the log head.
type Lagger interface {
	Lag(ctx context.Context) (uint64, error)
}

// ClusterPresence reports cluster-wide connection state.
type ClusterPresence interface {
	Online(ctx context.Context) (int, error)
}

// Broadcaster fans an event out to every instance on the bus.
type Broadcaster interface {
	Publish(ctx context.Context, ev *models.Event) error
}

// Prefetcher is the recommendation surface behind the recommendations
// endpoints.
type Prefetcher interface {
	Batch(ctx context.Context, userID string) ([]collab.Task, error)
	Refresh(ctx context.Context, userID string) error
}

// Handler serves the producer and operations endpoints.
type Handler struct {
	appender   Appender
	lagger     Lagger
	presence   ClusterPresence
	bus        Broadcaster
	prefetch   Prefetcher
	registry   *registry.Registry
	pending    *pending.Store
	instanceID string
	maxPayload int64
	debug      bool
	started    time.Time
}

// NewHandler builds the API handler.
func NewHandler(app Appender, lag Lagger, pres ClusterPresence, bus Broadcaster, pf Prefetcher, reg *registry.Registry, store *pending.Store, instanceID string, maxPayload int64, debug bool) *Handler {
	return &Handler{
		appender:   app,
		lagger:     lag,
		presence:   pres,
		bus:        bus,
		prefetch:   pf,
		registry:   reg,
		pending:    store,
		instanceID: instanceID,
		maxPayload: maxPayload,
		debug:      debug,
		started:    time.Now(),
	}
}

// Notify handles POST /api/v1/notify/{user_id}: append a notification
// to the durable log and return its assigned event id. Delivery is
// asynchronous; 202 means the event is durable, not that the user has
// seen it.
func (h *Handler) Notify(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	if !models.ValidUserID(userID) {
		metrics.NotifyRequests.WithLabelValues("invalid_user").Inc()
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid user id")
		return
	}

	payload, ok := h.readPayload(w, r)
	if !ok {
		return
	}

	ev := models.NewEvent(userID, payload)
	eventID, ok := h.append(w, r, userID, ev)
	if !ok {
		return
	}

	metrics.NotifyRequests.WithLabelValues("accepted").Inc()
	writeSuccess(w, http.StatusAccepted, map[string]any{
		"event_id": eventID,
		"user_id":  userID,
	})
}

// NotifyDirect handles POST /api/v1/notify/direct/{user_id}: append to
// the durable log, then broadcast on the bus so whichever instance
// holds the user's connection delivers without waiting on the consumer
// group. The append assigns the event id either way; a failed
// broadcast degrades to normal log delivery.
func (h *Handler) NotifyDirect(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	if !models.ValidUserID(userID) {
		metrics.NotifyRequests.WithLabelValues("invalid_user").Inc()
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid user id")
		return
	}

	payload, ok := h.readPayload(w, r)
	if !ok {
		return
	}

	ev := models.NewEvent(userID, payload)
	eventID, ok := h.append(w, r, userID, ev)
	if !ok {
		return
	}
	ev.EventID = eventID

	delivery := "broadcast"
	if err := h.bus.Publish(r.Context(), ev); err != nil {
		logging.Warn().Err(err).Str("user_id", userID).Uint64("event_id", eventID).
			Msg("direct broadcast failed, event remains in log")
		delivery = "log"
	}

	metrics.NotifyRequests.WithLabelValues("accepted").Inc()
	writeSuccess(w, http.StatusAccepted, map[string]any{
		"event_id": eventID,
		"user_id":  userID,
		"delivery": delivery,
	})
}

// readPayload enforces the size limit and decodes the body. The limit
// is checked on the read, not the decode: the json decoder wraps read
// errors in its own types, which hides *http.MaxBytesError.
func (h *Handler) readPayload(w http.ResponseWriter, r *http.Request) (models.Payload, bool) {
	var payload models.Payload
	r.Body = http.MaxBytesReader(w, r.Body, h.maxPayload)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			metrics.NotifyRequests.WithLabelValues("too_large").Inc()
			writeError(w, http.StatusRequestEntityTooLarge, ErrCodePayloadTooLarge, "payload exceeds size limit")
			return payload, false
		}
		metrics.NotifyRequests.WithLabelValues("bad_payload").Inc()
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "unreadable payload")
		return payload, false
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		metrics.NotifyRequests.WithLabelValues("bad_payload").Inc()
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "malformed payload")
		return payload, false
	}
	if payload.Title == "" {
		metrics.NotifyRequests.WithLabelValues("bad_payload").Inc()
		writeError(w, http.StatusBadRequest, ErrCodeValidationFailed, "title is required")
		return payload, false
	}
	return payload, true
}

// append writes the event to the log, translating failures into
// responses. Reports whether the caller should continue.
func (h *Handler) append(w http.ResponseWriter, r *http.Request, userID string, ev *models.Event) (uint64, bool) {
	eventID, err := h.appender.Append(r.Context(), ev)
	if err != nil {
		if errors.Is(err, streamlog.ErrLogUnavailable) {
			metrics.NotifyRequests.WithLabelValues("unavailable").Inc()
			writeError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "notification log unavailable, retry with backoff")
			return 0, false
		}
		logging.Error().Err(err).Str("user_id", userID).Msg("notify append failed")
		metrics.NotifyRequests.WithLabelValues("error").Inc()
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "failed to accept notification")
		return 0, false
	}
	return eventID, true
}

// Recommendations handles GET /api/v1/recommendations/{user_id}:
// the user's current recommendation batch, cache-first.
func (h *Handler) Recommendations(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	if !models.ValidUserID(userID) {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid user id")
		return
	}

	batch, err := h.prefetch.Batch(r.Context(), userID)
	if err != nil {
		logging.Warn().Err(err).Str("user_id", userID).Msg("recommendation fetch failed")
		writeError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "recommendation service unavailable")
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{
		"user_id":         userID,
		"count":           len(batch),
		"recommendations": batch,
	})
}

// RefreshRecommendations handles POST
// /api/v1/recommendations/{user_id}/refresh: drop the cached batch and
// queue a rebuild.
func (h *Handler) RefreshRecommendations(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	if !models.ValidUserID(userID) {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid user id")
		return
	}

	if err := h.prefetch.Refresh(r.Context(), userID); err != nil {
		logging.Warn().Err(err).Str("user_id", userID).Msg("recommendation refresh failed")
		writeError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "recommendation refresh unavailable")
		return
	}
	writeSuccess(w, http.StatusAccepted, map[string]any{
		"user_id": userID,
		"status":  "queued",
	})
}

// Health handles GET /healthz. Reports degraded (503) when the log is
// unreachable; lag is informational.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	logHealthy := h.appender.Healthy(ctx)
	var lag uint64
	if h.lagger != nil {
		if l, err := h.lagger.Lag(ctx); err == nil {
			lag = l
		}
	}

	data := map[string]any{
		"status":         "ok",
		"instance_id":    h.instanceID,
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
		"log_healthy":    logHealthy,
		"consumer_lag":   lag,
		"connections":    h.registry.Count(),
	}
	if !logHealthy {
		data["status"] = "degraded"
		writeJSON(w, http.StatusServiceUnavailable, APIResponse{Success: false, Data: data})
		return
	}
	writeSuccess(w, http.StatusOK, data)
}

// Stats handles GET /api/v1/stats: this instance's live state.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, http.StatusOK, map[string]any{
		"instance_id":     h.instanceID,
		"connections":     h.registry.Count(),
		"connected_users": len(h.registry.Users()),
		"pending_users":   len(h.pending.Users()),
		"pending_total":   h.pending.Total(),
		"uptime_seconds":  int64(time.Since(h.started).Seconds()),
	})
}

// ClusterStats handles GET /api/v1/stats/cluster: cluster-wide counts
// derived from the shared presence map.
func (h *Handler) ClusterStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	online, err := h.presence.Online(ctx)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "presence map unavailable")
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{
		"online_users":        online,
		"reporting_instance":  h.instanceID,
		"local_connections":   h.registry.Count(),
		"local_pending_total": h.pending.Total(),
	})
}

// DebugPending handles GET /debug/pending/{user_id}. Only routed when
// debug endpoints are enabled.
func (h *Handler) DebugPending(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	if !models.ValidUserID(userID) {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid user id")
		return
	}
	events := h.pending.Snapshot(userID)
	writeSuccess(w, http.StatusOK, map[string]any{
		"user_id": userID,
		"depth":   len(events),
		"events":  events,
	})
}
