// Beacon - Distributed Real-Time Notification Gateway
// Copyright 2026 Beacon Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beacon-notify/beacon

package streamlog

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beacon-notify/beacon/internal/models"
)

// newTestLog starts an embedded JetStream server and returns a Log
// bound to it. The server and connection are torn down with the test.
func newTestLog(t *testing.T) (*Log, *nats.Conn) {
	t.Helper()

	srv, err := NewEmbeddedServer(ServerOptions{
		Host:      "127.0.0.1",
		Port:      -1, // random free port
		StoreDir:  t.TempDir(),
		MaxMemory: 64 << 20,
		MaxStore:  256 << 20,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := DefaultStreamConfig()
	cfg.Name = "NOTIFICATIONS_TEST"
	log, err := New(ctx, nc, cfg, DefaultBreakerConfig())
	require.NoError(t, err)
	return log, nc
}

func appendEvents(t *testing.T, log *Log, userID string, titles ...string) []uint64 {
	t.Helper()
	ctx := context.Background()
	ids := make([]uint64, 0, len(titles))
	for _, title := range titles {
		ev := models.NewEvent(userID, models.Payload{Category: "test", Title: title, Body: "body"})
		id, err := log.Append(ctx, ev)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func TestAppendAssignsIncreasingIDs(t *testing.T) {
	if testing.Short() {
		t.Skip("requires embedded NATS server")
	}
	log, _ := newTestLog(t)

	ids := appendEvents(t, log, "alice", "a", "b", "c")
	for i := 1; i < len(ids); i++ {
		assert.Greater(t, ids[i], ids[i-1], "ids must be strictly increasing")
	}
}

func TestAppendSetsEventID(t *testing.T) {
	if testing.Short() {
		t.Skip("requires embedded NATS server")
	}
	log, _ := newTestLog(t)

	ev := models.NewEvent("alice", models.Payload{Category: "test", Title: "hello", Body: "body"})
	id, err := log.Append(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, id, ev.EventID)
}

func TestConsumerReadsInOrder(t *testing.T) {
	if testing.Short() {
		t.Skip("requires embedded NATS server")
	}
	log, _ := newTestLog(t)
	ctx := context.Background()

	ids := appendEvents(t, log, "alice", "first", "second", "third")

	consumer, err := log.Consumer(ctx, DefaultConsumerConfig("order-readers"))
	require.NoError(t, err)

	deliveries, err := consumer.Read(ctx, 10, 2*time.Second)
	require.NoError(t, err)
	require.Len(t, deliveries, 3)

	for i, d := range deliveries {
		assert.Equal(t, ids[i], d.Event.EventID)
		assert.Equal(t, 1, d.Attempts)
		require.NoError(t, d.Ack())
	}
	assert.Equal(t, "first", deliveries[0].Event.Title)
	assert.Equal(t, "third", deliveries[2].Event.Title)
}

func TestUnackedEventRedelivers(t *testing.T) {
	if testing.Short() {
		t.Skip("requires embedded NATS server")
	}
	log, _ := newTestLog(t)
	ctx := context.Background()

	appendEvents(t, log, "alice", "needs-retry")

	cfg := DefaultConsumerConfig("retry-readers")
	cfg.AckWait = 500 * time.Millisecond
	consumer, err := log.Consumer(ctx, cfg)
	require.NoError(t, err)

	first, err := consumer.Read(ctx, 1, 2*time.Second)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, 1, first[0].Attempts)
	// Deliberately not acked.

	var second []*Delivery
	require.Eventually(t, func() bool {
		second, err = consumer.Read(ctx, 1, time.Second)
		return err == nil && len(second) == 1
	}, 5*time.Second, 100*time.Millisecond, "unacked event should redeliver after ack wait")

	assert.Equal(t, first[0].Event.EventID, second[0].Event.EventID)
	assert.Equal(t, 2, second[0].Attempts)
	require.NoError(t, second[0].Ack())
}

func TestConsumerCursorSurvivesReopen(t *testing.T) {
	if testing.Short() {
		t.Skip("requires embedded NATS server")
	}
	log, _ := newTestLog(t)
	ctx := context.Background()

	appendEvents(t, log, "alice", "one", "two")

	cfg := DefaultConsumerConfig("reopen-readers")
	consumer, err := log.Consumer(ctx, cfg)
	require.NoError(t, err)

	deliveries, err := consumer.Read(ctx, 1, 2*time.Second)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	require.NoError(t, deliveries[0].Ack())

	// Reopening the same durable group resumes past the ack floor.
	reopened, err := log.Consumer(ctx, cfg)
	require.NoError(t, err)
	rest, err := reopened.Read(ctx, 10, 2*time.Second)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "two", rest[0].Event.Title)
}

func TestReadTimeoutReturnsEmpty(t *testing.T) {
	if testing.Short() {
		t.Skip("requires embedded NATS server")
	}
	log, _ := newTestLog(t)
	ctx := context.Background()

	consumer, err := log.Consumer(ctx, DefaultConsumerConfig("timeout-readers"))
	require.NoError(t, err)

	deliveries, err := consumer.Read(ctx, 5, 200*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, deliveries)
}

func TestReplayAfterID(t *testing.T) {
	if testing.Short() {
		t.Skip("requires embedded NATS server")
	}
	log, _ := newTestLog(t)
	ctx := context.Background()

	aliceIDs := appendEvents(t, log, "alice", "a1", "a2", "a3")
	appendEvents(t, log, "bob", "b1")

	var got []string
	err := log.Replay(ctx, "alice", aliceIDs[0], func(ev *models.Event) error {
		got = append(got, ev.Title)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a2", "a3"}, got, "replay starts after the given id and skips other users")
}

func TestReplayFromZeroReturnsAll(t *testing.T) {
	if testing.Short() {
		t.Skip("requires embedded NATS server")
	}
	log, _ := newTestLog(t)
	ctx := context.Background()

	appendEvents(t, log, "alice", "a1", "a2")

	var got []string
	err := log.Replay(ctx, "alice", 0, func(ev *models.Event) error {
		got = append(got, ev.Title)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "a2"}, got)
}

func TestReplayEmptyUser(t *testing.T) {
	if testing.Short() {
		t.Skip("requires embedded NATS server")
	}
	log, _ := newTestLog(t)

	calls := 0
	err := log.Replay(context.Background(), "nobody", 0, func(*models.Event) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Zero(t, calls)
}

func TestReplayTerminatesAtSubjectHead(t *testing.T) {
	if testing.Short() {
		t.Skip("requires embedded NATS server")
	}
	log, _ := newTestLog(t)

	// Other users' events past alice's last one must not keep the
	// replay waiting: it stops at her subject head.
	appendEvents(t, log, "alice", "a1", "a2")
	appendEvents(t, log, "bob", "b1", "b2", "b3")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var got []string
	err := log.Replay(ctx, "alice", 0, func(ev *models.Event) error {
		got = append(got, ev.Title)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "a2"}, got)
	assert.NoError(t, ctx.Err(), "replay must finish well before the deadline")
}

func TestReplayHonorsCanceledContext(t *testing.T) {
	if testing.Short() {
		t.Skip("requires embedded NATS server")
	}
	log, _ := newTestLog(t)

	appendEvents(t, log, "alice", "a1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := log.Replay(ctx, "alice", 0, func(*models.Event) error { return nil })
	require.Error(t, err)
}

func TestTrimRemovesOldEvents(t *testing.T) {
	if testing.Short() {
		t.Skip("requires embedded NATS server")
	}
	log, _ := newTestLog(t)
	ctx := context.Background()

	ids := appendEvents(t, log, "alice", "old1", "old2", "kept")

	require.NoError(t, log.Trim(ctx, "alice", ids[2]))

	var got []string
	err := log.Replay(ctx, "alice", 0, func(ev *models.Event) error {
		got = append(got, ev.Title)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"kept"}, got)
}

func TestLag(t *testing.T) {
	if testing.Short() {
		t.Skip("requires embedded NATS server")
	}
	log, _ := newTestLog(t)
	ctx := context.Background()

	consumer, err := log.Consumer(ctx, DefaultConsumerConfig("lag-readers"))
	require.NoError(t, err)

	appendEvents(t, log, "alice", "x", "y", "z")

	lag, err := consumer.Lag(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), lag)

	deliveries, err := consumer.Read(ctx, 3, 2*time.Second)
	require.NoError(t, err)
	for _, d := range deliveries {
		require.NoError(t, d.Ack())
	}

	require.Eventually(t, func() bool {
		lag, err := consumer.Lag(ctx)
		return err == nil && lag == 0
	}, 3*time.Second, 50*time.Millisecond)
}

func TestDeadLetter(t *testing.T) {
	if testing.Short() {
		t.Skip("requires embedded NATS server")
	}
	log, nc := newTestLog(t)
	ctx := context.Background()

	sub, err := nc.SubscribeSync(deadLetterSubject)
	require.NoError(t, err)

	ev := models.NewEvent("alice", models.Payload{Category: "test", Title: "poisoned", Body: "body"})
	ev.Attempts = 5
	require.NoError(t, log.DeadLetter(ctx, ev))

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	got, err := models.UnmarshalEvent(msg.Data)
	require.NoError(t, err)
	assert.Equal(t, "poisoned", got.Title)
	assert.Equal(t, 5, got.Attempts)
}

func TestHealthy(t *testing.T) {
	if testing.Short() {
		t.Skip("requires embedded NATS server")
	}
	log, nc := newTestLog(t)

	assert.True(t, log.Healthy(context.Background()))

	nc.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.False(t, log.Healthy(ctx))
}

func TestSubjectForUser(t *testing.T) {
	assert.Equal(t, "notify.user.alice", SubjectForUser("alice"))
	assert.Equal(t, "notify.user.a-b_c", SubjectForUser("a-b_c"))
}
