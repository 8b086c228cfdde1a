// Beacon - Distributed Real-Time Notification Gateway
// Copyright 2026 Beacon Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beacon-notify/beacon

// Package collab defines the seams to the upstream personalization
// systems. Beacon consumes recommendation payloads and hands off
// background work; it never generates recommendations itself.
package collab

import (
	"context"
	"time"

	"github.com/beacon-notify/beacon/internal/models"
)

// Recommender produces ready-to-send notification payloads for a
// user. Implemented by the recommendation pipeline; Beacon only caches
// and delivers its output.
type Recommender interface {
	RecommendationsFor(ctx context.Context, userID string, limit int) ([]models.Payload, error)
}

// Task is a unit of deferred work handed to the task queue.
type Task struct {
	Type      string         `json:"type"`
	UserID    string         `json:"user_id"`
	Payload   models.Payload `json:"payload"`
	NotBefore time.Time      `json:"not_before,omitempty"`
}

// TaskQueue schedules background work (digest assembly, scheduled
// notifications) outside the delivery hot path.
type TaskQueue interface {
	Enqueue(ctx context.Context, task Task) error
}
