// Beacon - Distributed Real-Time Notification Gateway
// Copyright 2026 Beacon Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beacon-notify/beacon

package collab

import (
	"context"
	"errors"
	"fmt"

	"github.com/beacon-notify/beacon/internal/logging"
)

// Task types understood by the background workers.
const (
	TaskTypeRecommendation = "recommendation"
	TaskTypeRefresh        = "refresh_recommendations"
)

// Prefetcher fronts the recommender with the payload cache, so repeat
// fetches inside the TTL skip the recommender round trip.
type Prefetcher struct {
	rec   Recommender
	queue TaskQueue
	cache *PayloadCache
	limit int
}

// NewPrefetcher builds a prefetcher. limit caps the batch size asked
// of the recommender.
func NewPrefetcher(rec Recommender, queue TaskQueue, cache *PayloadCache, limit int) *Prefetcher {
	if limit <= 0 {
		limit = 10
	}
	return &Prefetcher{rec: rec, queue: queue, cache: cache, limit: limit}
}

// Batch returns the user's current recommendation batch, cache-first.
// A miss fetches from the recommender and repopulates the cache; cache
// failures degrade to a fetch rather than an error.
func (p *Prefetcher) Batch(ctx context.Context, userID string) ([]Task, error) {
	batch, err := p.cache.Get(userID)
	if err == nil {
		return batch, nil
	}
	if !errors.Is(err, ErrCacheMiss) {
		logging.Warn().Err(err).Str("user_id", userID).Msg("payload cache read failed")
	}

	payloads, err := p.rec.RecommendationsFor(ctx, userID, p.limit)
	if err != nil {
		return nil, fmt.Errorf("fetch recommendations for %s: %w", userID, err)
	}
	batch = make([]Task, 0, len(payloads))
	for _, pl := range payloads {
		batch = append(batch, Task{Type: TaskTypeRecommendation, UserID: userID, Payload: pl})
	}
	if err := p.cache.Put(userID, batch); err != nil {
		logging.Warn().Err(err).Str("user_id", userID).Msg("payload cache write failed")
	}
	return batch, nil
}

// Refresh drops the cached batch and queues a rebuild for the
// background workers. The next Batch call fetches fresh.
func (p *Prefetcher) Refresh(ctx context.Context, userID string) error {
	if err := p.cache.Invalidate(userID); err != nil {
		return fmt.Errorf("invalidate payload cache for %s: %w", userID, err)
	}
	return p.queue.Enqueue(ctx, Task{Type: TaskTypeRefresh, UserID: userID})
}
