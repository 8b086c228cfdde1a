// Beacon - Distributed Real-Time Notification Gateway
// Copyright 2026 Beacon Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beacon-notify/beacon

// Package pending buffers notifications for users with no live
// connection on this process, so a prompt reconnect is served without
// re-reading the durable log.
//
// The store is process-local and best-effort: contents lost on crash
// are recoverable from the stream log, which remains the source of
// truth. Buffers are bounded per user (drop-oldest) and entries expire
// after a configured TTL.
package pending

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/beacon-notify/beacon/internal/logging"
	"github.com/beacon-notify/beacon/internal/metrics"
	"github.com/beacon-notify/beacon/internal/models"
)

const shardCount = 32

// Entry is one buffered event with its expiry.
type Entry struct {
	Event     *models.Event
	ExpiresAt time.Time
}

type shard struct {
	mu    sync.Mutex
	users map[string][]Entry
}

// Store is the per-process pending store.
type Store struct {
	shards     [shardCount]*shard
	maxPerUser int
	ttl        time.Duration

	// now is swappable for tests.
	now func() time.Time
}

// New creates a store with the given per-user cap and entry TTL.
func New(maxPerUser int, ttl time.Duration) *Store {
	s := &Store{maxPerUser: maxPerUser, ttl: ttl, now: time.Now}
	for i := range s.shards {
		s.shards[i] = &shard{users: make(map[string][]Entry)}
	}
	return s
}

func (s *Store) shardFor(userID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return s.shards[h.Sum32()&(shardCount-1)]
}

// Append buffers an event for a disconnected user. Never blocks. When
// the per-user cap is reached the oldest entry is dropped.
func (s *Store) Append(userID string, ev *models.Event) {
	sh := s.shardFor(userID)
	sh.mu.Lock()
	entries := sh.users[userID]
	if len(entries) >= s.maxPerUser {
		dropped := len(entries) - s.maxPerUser + 1
		entries = entries[dropped:]
		metrics.PendingDropped.WithLabelValues("capacity").Add(float64(dropped))
		logging.Warn().
			Str("user_id", userID).
			Int("dropped", dropped).
			Msg("pending buffer at capacity, dropped oldest")
	}
	sh.users[userID] = append(entries, Entry{
		Event:     ev,
		ExpiresAt: s.now().Add(s.ttl),
	})
	sh.mu.Unlock()

	metrics.PendingDepth.Set(float64(s.Total()))
}

// Drain atomically removes and returns all unexpired pending events
// for a user, oldest first. Returns nil if none.
func (s *Store) Drain(userID string) []*models.Event {
	sh := s.shardFor(userID)
	sh.mu.Lock()
	entries := sh.users[userID]
	delete(sh.users, userID)
	sh.mu.Unlock()

	if len(entries) == 0 {
		return nil
	}

	now := s.now()
	events := make([]*models.Event, 0, len(entries))
	expired := 0
	for _, e := range entries {
		if e.ExpiresAt.Before(now) {
			expired++
			continue
		}
		events = append(events, e.Event)
	}
	if expired > 0 {
		metrics.PendingDropped.WithLabelValues("expired").Add(float64(expired))
	}
	metrics.PendingDepth.Set(float64(s.Total()))
	return events
}

// Depth returns the number of buffered events for a user.
func (s *Store) Depth(userID string) int {
	sh := s.shardFor(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return len(sh.users[userID])
}

// Users returns all user ids with at least one buffered event.
func (s *Store) Users() []string {
	var users []string
	for _, sh := range s.shards {
		sh.mu.Lock()
		for u := range sh.users {
			users = append(users, u)
		}
		sh.mu.Unlock()
	}
	return users
}

// Total returns the number of buffered events across all users.
func (s *Store) Total() int {
	total := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for _, entries := range sh.users {
			total += len(entries)
		}
		sh.mu.Unlock()
	}
	return total
}

// Snapshot returns a copy of the user's pending events without
// removing them. Diagnostics only.
func (s *Store) Snapshot(userID string) []*models.Event {
	sh := s.shardFor(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	events := make([]*models.Event, 0, len(sh.users[userID]))
	for _, e := range sh.users[userID] {
		events = append(events, e.Event)
	}
	return events
}

// Sweep removes expired entries across all users and returns how many
// were evicted. Run periodically by the dispatcher's housekeeping.
func (s *Store) Sweep() int {
	now := s.now()
	evicted := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for userID, entries := range sh.users {
			kept := entries[:0]
			for _, e := range entries {
				if e.ExpiresAt.Before(now) {
					evicted++
					continue
				}
				kept = append(kept, e)
			}
			if len(kept) == 0 {
				delete(sh.users, userID)
			} else {
				sh.users[userID] = kept
			}
		}
		sh.mu.Unlock()
	}
	if evicted > 0 {
		metrics.PendingDropped.WithLabelValues("expired").Add(float64(evicted))
		metrics.PendingDepth.Set(float64(s.Total()))
	}
	return evicted
}
