// Beacon - Distributed Real-Time Notification Gateway
// Copyright 2026 Beacon Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beacon-notify/beacon

// Package presence tracks which process owns a user's live
// connection. The map is advisory: a stale or missing entry degrades
// delivery to the broadcast or pending path, never to loss.
package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const bucketName = "beacon-presence"

// Map is a cluster-shared user -> instance-id mapping backed by a
// JetStream key-value bucket. Entries expire after the bucket TTL, so
// a crashed process's claims age out without explicit cleanup; live
// processes refresh their claims on the heartbeat cadence.
type Map struct {
	kv         jetstream.KeyValue
	instanceID string
}

// New creates or binds the presence bucket. TTL should exceed the
// gateway heartbeat interval so refreshes keep live entries alive.
func New(ctx context.Context, nc *nats.Conn, instanceID string, ttl time.Duration) (*Map, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  bucketName,
		TTL:     ttl,
		Storage: jetstream.MemoryStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("create presence bucket: %w", err)
	}
	return &Map{kv: kv, instanceID: instanceID}, nil
}

// Claim records this process as the owner of the user's connection.
// Last writer wins: a user reconnecting to another instance steals the
// claim, which matches connection replacement semantics.
func (m *Map) Claim(ctx context.Context, userID string) error {
	if _, err := m.kv.Put(ctx, userID, []byte(m.instanceID)); err != nil {
		return fmt.Errorf("claim presence for %s: %w", userID, err)
	}
	return nil
}

// Refresh re-asserts an existing claim so it outlives the bucket TTL.
func (m *Map) Refresh(ctx context.Context, userID string) error {
	return m.Claim(ctx, userID)
}

// Release drops this process's claim. A claim that has since been
// stolen by another instance is left alone.
func (m *Map) Release(ctx context.Context, userID string) error {
	entry, err := m.kv.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil
		}
		return fmt.Errorf("release presence for %s: %w", userID, err)
	}
	if string(entry.Value()) != m.instanceID {
		return nil
	}
	if err := m.kv.Delete(ctx, userID, jetstream.LastRevision(entry.Revision())); err != nil {
		// A concurrent steal between Get and Delete is fine.
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil
		}
		var apiErr *jetstream.APIError
		if errors.As(err, &apiErr) {
			return nil
		}
		return fmt.Errorf("release presence for %s: %w", userID, err)
	}
	return nil
}

// Lookup returns the instance id that owns the user's connection, or
// ok=false when nobody does.
func (m *Map) Lookup(ctx context.Context, userID string) (string, bool, error) {
	entry, err := m.kv.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("lookup presence for %s: %w", userID, err)
	}
	return string(entry.Value()), true, nil
}

// Online returns the number of users with a live claim anywhere in the
// cluster.
func (m *Map) Online(ctx context.Context) (int, error) {
	keys, err := m.kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("list presence keys: %w", err)
	}
	return len(keys), nil
}
