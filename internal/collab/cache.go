// Beacon - Distributed Real-Time Notification Gateway
// Copyright 2026 Beacon Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beacon-notify/beacon

package collab

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/beacon-notify/beacon/internal/logging"
)

const payloadKeyPrefix = "payload:"

// ErrCacheMiss is returned when no cached payloads exist for a user.
var ErrCacheMiss = errors.New("payload cache miss")

// PayloadCache stores recommendation payloads per user with a TTL, so
// a reconnecting user's first notification batch does not ride on the
// recommender's latency. Entries expire via Badger's native TTL.
type PayloadCache struct {
	db  *badger.DB
	ttl time.Duration
}

// OpenPayloadCache opens (or creates) the cache at path. An empty path
// opens an in-memory cache, useful for tests and cache-less deploys.
func OpenPayloadCache(path string, ttl time.Duration) (*PayloadCache, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open payload cache: %w", err)
	}
	return &PayloadCache{db: db, ttl: ttl}, nil
}

// Put caches the user's current recommendation batch, replacing any
// previous one.
func (c *PayloadCache) Put(userID string, batch []Task) error {
	data, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshal payload batch: %w", err)
	}
	return c.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(payloadKeyPrefix+userID), data).WithTTL(c.ttl)
		return txn.SetEntry(entry)
	})
}

// Get returns the user's cached batch or ErrCacheMiss. Expired entries
// miss.
func (c *PayloadCache) Get(userID string) ([]Task, error) {
	var batch []Task
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(payloadKeyPrefix + userID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrCacheMiss
		}
		if err != nil {
			return fmt.Errorf("get payload batch: %w", err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &batch)
		})
	})
	if err != nil {
		return nil, err
	}
	return batch, nil
}

// Invalidate drops the user's cached batch.
func (c *PayloadCache) Invalidate(userID string) error {
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(payloadKeyPrefix + userID))
	})
}

// GCService runs Badger's value-log garbage collection on an
// interval. Implements suture.Service.
type GCService struct {
	cache    *PayloadCache
	interval time.Duration
}

// NewGCService returns a supervised value-log GC loop for the cache.
func NewGCService(cache *PayloadCache, interval time.Duration) *GCService {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &GCService{cache: cache, interval: interval}
}

// Serve implements suture.Service.
func (s *GCService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.cache.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				logging.Debug().Err(err).Msg("payload cache GC pass failed")
			}
		}
	}
}

func (s *GCService) String() string { return "payload-cache-gc" }

// Close releases the cache.
func (c *PayloadCache) Close() error {
	return c.db.Close()
}
