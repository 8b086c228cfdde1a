// Beacon - Distributed Real-Time Notification Gateway
// Copyright 2026 Beacon Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beacon-notify/beacon

package fanout

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beacon-notify/beacon/internal/models"
	"github.com/beacon-notify/beacon/internal/streamlog"
)

func newTestServer(t *testing.T) string {
	t.Helper()
	srv, err := streamlog.NewEmbeddedServer(streamlog.ServerOptions{
		Host:      "127.0.0.1",
		Port:      -1,
		StoreDir:  t.TempDir(),
		MaxMemory: 32 << 20,
		MaxStore:  64 << 20,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv.ClientURL()
}

func newTestBus(t *testing.T, url, instanceID string) *Bus {
	t.Helper()
	bus, err := New(Config{
		URL:           url,
		InstanceID:    instanceID,
		MaxReconnects: 3,
		ReconnectWait: 100 * time.Millisecond,
		CloseTimeout:  2 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })
	return bus
}

// collector accumulates handled events for inspection.
type collector struct {
	mu     sync.Mutex
	events []*models.Event
}

func (c *collector) handle(_ context.Context, ev *models.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *collector) snapshot() []*models.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*models.Event(nil), c.events...)
}

func runBus(t *testing.T, bus *Bus, c *collector) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = bus.Run(ctx, c.handle) }()
	// Give the subscriptions a moment to establish.
	time.Sleep(200 * time.Millisecond)
}

func TestBroadcastReachesOtherInstances(t *testing.T) {
	if testing.Short() {
		t.Skip("requires embedded NATS server")
	}
	url := newTestServer(t)

	busA := newTestBus(t, url, "instance-a")
	busB := newTestBus(t, url, "instance-b")

	var gotA, gotB collector
	runBus(t, busA, &gotA)
	runBus(t, busB, &gotB)

	ev := models.NewEvent("alice", models.Payload{Category: "test", Title: "hello"})
	ev.EventID = 42
	require.NoError(t, busA.Publish(context.Background(), ev))

	require.Eventually(t, func() bool {
		return len(gotB.snapshot()) == 1
	}, 3*time.Second, 50*time.Millisecond)
	assert.Equal(t, uint64(42), gotB.snapshot()[0].EventID)

	// The origin skips its own broadcasts.
	time.Sleep(300 * time.Millisecond)
	assert.Empty(t, gotA.snapshot())
}

func TestPublishToTargetsOneInstance(t *testing.T) {
	if testing.Short() {
		t.Skip("requires embedded NATS server")
	}
	url := newTestServer(t)

	busA := newTestBus(t, url, "instance-a")
	busB := newTestBus(t, url, "instance-b")
	busC := newTestBus(t, url, "instance-c")

	var gotB, gotC collector
	runBus(t, busB, &gotB)
	runBus(t, busC, &gotC)

	ev := models.NewEvent("bob", models.Payload{Category: "test", Title: "targeted"})
	require.NoError(t, busA.PublishTo(context.Background(), "instance-b", ev))

	require.Eventually(t, func() bool {
		return len(gotB.snapshot()) == 1
	}, 3*time.Second, 50*time.Millisecond)
	assert.Equal(t, "bob", gotB.snapshot()[0].UserID)

	time.Sleep(300 * time.Millisecond)
	assert.Empty(t, gotC.snapshot(), "targeted publish must not reach other instances")
}

func TestTargetedDeliveryToSelf(t *testing.T) {
	if testing.Short() {
		t.Skip("requires embedded NATS server")
	}
	url := newTestServer(t)

	bus := newTestBus(t, url, "instance-a")
	var got collector
	runBus(t, bus, &got)

	// A targeted message to our own instance id is delivered even
	// though we drop our own broadcasts.
	ev := models.NewEvent("carol", models.Payload{Category: "test", Title: "self"})
	require.NoError(t, bus.PublishTo(context.Background(), "instance-a", ev))

	require.Eventually(t, func() bool {
		return len(got.snapshot()) == 1
	}, 3*time.Second, 50*time.Millisecond)
}

func TestPublishAfterClose(t *testing.T) {
	if testing.Short() {
		t.Skip("requires embedded NATS server")
	}
	url := newTestServer(t)

	bus := newTestBus(t, url, "instance-a")
	require.NoError(t, bus.Close())

	ev := models.NewEvent("alice", models.Payload{Category: "test", Title: "late"})
	err := bus.Publish(context.Background(), ev)
	assert.ErrorIs(t, err, ErrFanoutUnavailable)
}

func TestHandlerErrorDoesNotStopBus(t *testing.T) {
	if testing.Short() {
		t.Skip("requires embedded NATS server")
	}
	url := newTestServer(t)

	busA := newTestBus(t, url, "instance-a")
	busB := newTestBus(t, url, "instance-b")

	var mu sync.Mutex
	var seen []string
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		_ = busB.Run(ctx, func(_ context.Context, ev *models.Event) error {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, ev.Title)
			if ev.Title == "bad" {
				return assert.AnError
			}
			return nil
		})
	}()
	time.Sleep(200 * time.Millisecond)

	require.NoError(t, busA.Publish(context.Background(), models.NewEvent("u", models.Payload{Category: "t", Title: "bad"})))
	require.NoError(t, busA.Publish(context.Background(), models.NewEvent("u", models.Payload{Category: "t", Title: "good"})))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, 3*time.Second, 50*time.Millisecond)
}

func TestInstanceTopic(t *testing.T) {
	assert.Equal(t, "beacon.fanout.instance.abc_123", instanceTopic("abc_123"))
}
