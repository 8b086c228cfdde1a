// Beacon - Distributed Real-Time Notification Gateway
// Copyright 2026 Beacon Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beacon-notify/beacon

// Package models defines the domain types shared across Beacon's
// components: notification events, wire frames and close codes.
package models

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// Event is a single notification addressed to one user.
//
// EventID is the durable log's stream sequence: strictly increasing
// within a user's partition, so clients can deduplicate and resume by
// last-seen id. An Event is immutable once appended to the log.
type Event struct {
	EventID   uint64         `json:"event_id"`
	UserID    string         `json:"user_id"`
	Category  string         `json:"category"`
	Title     string         `json:"title"`
	Body      string         `json:"body"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`

	// Attempts counts delivery attempts made so far. Zero on append;
	// incremented by the pending retry path, never stored in the log.
	Attempts int `json:"attempts,omitempty"`

	// Buffered marks an event delivered out of the pending store rather
	// than live. Process-local, never serialized.
	Buffered bool `json:"-"`
}

// Payload is the producer-supplied portion of an Event, accepted by
// the notify API before an event id is assigned.
type Payload struct {
	Category string         `json:"category"`
	Title    string         `json:"title"`
	Body     string         `json:"body"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// NewEvent builds an Event from a payload. The event id is assigned by
// the stream log at append time.
func NewEvent(userID string, p Payload) *Event {
	return &Event{
		UserID:    userID,
		Category:  p.Category,
		Title:     p.Title,
		Body:      p.Body,
		Metadata:  p.Metadata,
		CreatedAt: time.Now().UTC(),
	}
}

// Marshal encodes the event as JSON.
func (e *Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEvent decodes an event from JSON.
func UnmarshalEvent(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}
	return &e, nil
}

// Frame types for the client-facing WebSocket protocol.
const (
	FrameTypeNotification = "notification"
	FrameTypeHeartbeat    = "heartbeat"
	FrameTypePing         = "ping"
	FrameTypePong         = "pong"
	FrameTypeReplay       = "replay"
)

// Frame is a message exchanged over a client connection.
type Frame struct {
	Type string `json:"type"`

	// Event is set on notification frames.
	Event *Event `json:"event,omitempty"`

	// InstanceID identifies the gateway process on heartbeat and pong
	// frames, useful when debugging multi-instance deployments.
	InstanceID string `json:"instance_id,omitempty"`

	// Timestamp is set on heartbeat and pong frames.
	Timestamp string `json:"timestamp,omitempty"`

	// LastEventID is set by the client on replay frames to request
	// redelivery of events appended after that id.
	LastEventID uint64 `json:"last_event_id,omitempty"`

	// Pending marks notification frames that were buffered while the
	// user had no live connection.
	Pending bool `json:"is_pending,omitempty"`
}

// WebSocket close codes in the application range. Clients use these to
// distinguish refusal reasons without parsing close text.
const (
	// CloseInvalidUser is sent when the connect request carries a
	// missing or malformed user identifier.
	CloseInvalidUser = 4000

	// CloseCapacity is sent when the process-wide or per-user
	// connection limit is reached.
	CloseCapacity = 4001

	// CloseIdleTimeout is sent after the configured number of missed
	// heartbeats.
	CloseIdleTimeout = 4002

	// CloseReplaced is sent to an old connection when the same user
	// reconnects on the same process and the newest connection wins.
	CloseReplaced = 4003
)
