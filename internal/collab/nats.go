// Beacon - Distributed Real-Time Notification Gateway
// Copyright 2026 Beacon Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beacon-notify/beacon

package collab

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"

	"github.com/beacon-notify/beacon/internal/models"
)

const (
	recommendSubject = "collab.recommendations.get"
	taskSubject      = "collab.tasks"
)

var (
	_ Recommender = (*NATSRecommender)(nil)
	_ TaskQueue   = (*NATSTaskQueue)(nil)
)

// NATSRecommender asks the recommendation pipeline for a payload batch
// over NATS request/reply.
type NATSRecommender struct {
	nc      *nats.Conn
	timeout time.Duration
}

// NewNATSRecommender builds a recommender client. timeout bounds each
// request; zero means 5s.
func NewNATSRecommender(nc *nats.Conn, timeout time.Duration) *NATSRecommender {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &NATSRecommender{nc: nc, timeout: timeout}
}

type recommendRequest struct {
	UserID string `json:"user_id"`
	Limit  int    `json:"limit"`
}

// RecommendationsFor implements Recommender.
func (r *NATSRecommender) RecommendationsFor(ctx context.Context, userID string, limit int) ([]models.Payload, error) {
	data, err := json.Marshal(recommendRequest{UserID: userID, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("marshal recommendation request: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	msg, err := r.nc.RequestWithContext(ctx, recommendSubject, data)
	if err != nil {
		return nil, fmt.Errorf("recommendation request for %s: %w", userID, err)
	}
	var payloads []models.Payload
	if err := json.Unmarshal(msg.Data, &payloads); err != nil {
		return nil, fmt.Errorf("decode recommendation reply for %s: %w", userID, err)
	}
	return payloads, nil
}

// NATSTaskQueue hands tasks to the background workers over core NATS.
// Fire and forget: workers own retries and scheduling.
type NATSTaskQueue struct {
	nc *nats.Conn
}

// NewNATSTaskQueue builds a task queue client.
func NewNATSTaskQueue(nc *nats.Conn) *NATSTaskQueue {
	return &NATSTaskQueue{nc: nc}
}

// Enqueue implements TaskQueue.
func (q *NATSTaskQueue) Enqueue(_ context.Context, task Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if err := q.nc.Publish(taskSubject, data); err != nil {
		return fmt.Errorf("enqueue %s task for %s: %w", task.Type, task.UserID, err)
	}
	return nil
}
