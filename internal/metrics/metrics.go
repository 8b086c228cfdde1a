// Beacon - Distributed Real-Time Notification Gateway
// Copyright 2026 Beacon Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beacon-notify/beacon

// Package metrics provides Prometheus metrics for Beacon.
//
// Metrics are exposed at the /metrics endpoint in Prometheus text
// format. Gateway metrics track connection lifecycle and delivery
// outcomes; log metrics track append latency and consumer lag; pending
// metrics track per-process buffering of undeliverable events.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Gateway metrics

	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacon_connections_active",
			Help: "Number of live WebSocket connections on this process",
		},
	)

	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_connections_total",
			Help: "Total connection attempts by outcome",
		},
		[]string{"outcome"}, // "accepted", "refused_capacity", "refused_handshake"
	)

	ConnectionsClosed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_connections_closed_total",
			Help: "Total closed connections by reason",
		},
		[]string{"reason"}, // "client", "idle_timeout", "backpressure", "replaced", "write_error", "shutdown"
	)

	FramesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_frames_sent_total",
			Help: "Total frames written to clients by type",
		},
		[]string{"type"},
	)

	// Delivery metrics

	EventsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_events_delivered_total",
			Help: "Total events delivered to a live local connection by source",
		},
		[]string{"source"}, // "log", "fanout", "pending", "replay"
	)

	EventsDeduplicated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_events_deduplicated_total",
			Help: "Events suppressed by the per-connection dedup floor",
		},
	)

	EventsDeadLettered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_events_dead_lettered_total",
			Help: "Pending events moved to the dead-letter subject after max attempts",
		},
	)

	// Stream log metrics

	LogAppendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "beacon_log_append_duration_seconds",
			Help:    "Duration of durable log appends in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	LogAppendErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_log_append_errors_total",
			Help: "Failed durable log appends",
		},
	)

	ConsumerLag = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacon_consumer_lag",
			Help: "Unacknowledged events for this process's consumer group",
		},
	)

	BreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacon_log_breaker_state",
			Help: "Append circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)

	// Fanout metrics

	FanoutPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_fanout_published_total",
			Help: "Fanout bus publishes by kind",
		},
		[]string{"kind"}, // "broadcast", "targeted"
	)

	FanoutErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_fanout_errors_total",
			Help: "Fanout bus publish failures (degraded latency, not an outage)",
		},
	)

	// Pending store metrics

	PendingDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacon_pending_events",
			Help: "Events currently buffered for disconnected users on this process",
		},
	)

	PendingDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_pending_dropped_total",
			Help: "Pending events dropped by reason",
		},
		[]string{"reason"}, // "capacity", "expired"
	)

	// Producer API metrics

	NotifyRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_notify_requests_total",
			Help: "Producer notify requests by status",
		},
		[]string{"status"},
	)
)
