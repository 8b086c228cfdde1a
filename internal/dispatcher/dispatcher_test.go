// Beacon - Distributed Real-Time Notification Gateway
// Copyright 2026 Beacon Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beacon-notify/beacon

package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beacon-notify/beacon/internal/config"
	"github.com/beacon-notify/beacon/internal/models"
	"github.com/beacon-notify/beacon/internal/pending"
	"github.com/beacon-notify/beacon/internal/registry"
)

type fakePresence struct {
	owners map[string]string
	err    error
}

func (f *fakePresence) Lookup(_ context.Context, userID string) (string, bool, error) {
	if f.err != nil {
		return "", false, f.err
	}
	owner, ok := f.owners[userID]
	return owner, ok, nil
}

type fakeForwarder struct {
	mu        sync.Mutex
	forwarded map[string][]*models.Event
	err       error
}

func (f *fakeForwarder) PublishTo(_ context.Context, instanceID string, ev *models.Event) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.forwarded == nil {
		f.forwarded = map[string][]*models.Event{}
	}
	f.forwarded[instanceID] = append(f.forwarded[instanceID], ev)
	return nil
}

type fakeDeadLetterer struct {
	mu     sync.Mutex
	events []*models.Event
	err    error
}

func (f *fakeDeadLetterer) DeadLetter(_ context.Context, ev *models.Event) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

// recordingSink accepts or rejects pushes on demand.
type recordingSink struct {
	mu      sync.Mutex
	events  []*models.Event
	pushErr error
}

func (s *recordingSink) Push(ev *models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pushErr != nil {
		return s.pushErr
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) CloseWithCode(int, string) {}

func (s *recordingSink) received() []*models.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.Event(nil), s.events...)
}

func event(userID string, id uint64) *models.Event {
	ev := models.NewEvent(userID, models.Payload{Category: "test", Title: "t"})
	ev.EventID = id
	return ev
}

func newDispatcher(pres *fakePresence, fwd *fakeForwarder) (*Dispatcher, *registry.Registry, *pending.Store) {
	reg := registry.New(100, 5)
	store := pending.New(10, time.Minute)
	d := New(reg, store, pres, fwd, "instance-self")
	return d, reg, store
}

func TestDispatchDeliversLocally(t *testing.T) {
	d, reg, store := newDispatcher(&fakePresence{}, &fakeForwarder{})

	sink := &recordingSink{}
	_, err := reg.Register("alice", sink)
	require.NoError(t, err)

	require.NoError(t, d.dispatch(context.Background(), event("alice", 1)))
	assert.Len(t, sink.received(), 1)
	assert.Zero(t, store.Depth("alice"))
}

func TestDispatchForwardsToRemoteOwner(t *testing.T) {
	pres := &fakePresence{owners: map[string]string{"alice": "instance-other"}}
	fwd := &fakeForwarder{}
	d, _, store := newDispatcher(pres, fwd)

	require.NoError(t, d.dispatch(context.Background(), event("alice", 2)))

	require.Len(t, fwd.forwarded["instance-other"], 1)
	assert.Equal(t, uint64(2), fwd.forwarded["instance-other"][0].EventID)
	assert.Zero(t, store.Depth("alice"), "forwarded event is not duplicated into pending")
}

func TestDispatchParksWhenNobodyPresent(t *testing.T) {
	d, _, store := newDispatcher(&fakePresence{}, &fakeForwarder{})

	require.NoError(t, d.dispatch(context.Background(), event("alice", 3)))
	assert.Equal(t, 1, store.Depth("alice"))
}

func TestDispatchParksWhenOwnerIsSelfButGone(t *testing.T) {
	// Stale presence entry pointing at this instance, but no live
	// connection: the user disconnected and the claim has not aged out.
	pres := &fakePresence{owners: map[string]string{"alice": "instance-self"}}
	fwd := &fakeForwarder{}
	d, _, store := newDispatcher(pres, fwd)

	require.NoError(t, d.dispatch(context.Background(), event("alice", 4)))
	assert.Empty(t, fwd.forwarded, "never forward to ourselves")
	assert.Equal(t, 1, store.Depth("alice"))
}

func TestDispatchParksWhenFanoutFails(t *testing.T) {
	pres := &fakePresence{owners: map[string]string{"alice": "instance-other"}}
	fwd := &fakeForwarder{err: errors.New("bus down")}
	d, _, store := newDispatcher(pres, fwd)

	require.NoError(t, d.dispatch(context.Background(), event("alice", 5)))
	assert.Equal(t, 1, store.Depth("alice"))
}

func TestDispatchParksWhenPresenceFails(t *testing.T) {
	pres := &fakePresence{err: errors.New("kv down")}
	d, _, store := newDispatcher(pres, &fakeForwarder{})

	require.NoError(t, d.dispatch(context.Background(), event("alice", 6)))
	assert.Equal(t, 1, store.Depth("alice"))
}

func TestHandleFanoutDeliversLocally(t *testing.T) {
	d, reg, _ := newDispatcher(&fakePresence{}, &fakeForwarder{})

	sink := &recordingSink{}
	_, err := reg.Register("alice", sink)
	require.NoError(t, err)

	require.NoError(t, d.HandleFanout(context.Background(), event("alice", 7)))
	assert.Len(t, sink.received(), 1)
}

func TestHandleFanoutParksWhenUserGone(t *testing.T) {
	d, _, store := newDispatcher(&fakePresence{}, &fakeForwarder{})

	require.NoError(t, d.HandleFanout(context.Background(), event("alice", 8)))
	assert.Equal(t, 1, store.Depth("alice"))
}

func TestRetryRedeliversToConnectedUser(t *testing.T) {
	d, reg, store := newDispatcher(&fakePresence{}, &fakeForwarder{})
	svc := NewRetryService(d, &fakeDeadLetterer{}, nil, config.PendingConfig{
		MaxPerUser:  10,
		TTL:         time.Minute,
		MaxAttempts: 3,
	})

	store.Append("alice", event("alice", 9))
	store.Append("alice", event("alice", 10))

	sink := &recordingSink{}
	_, err := reg.Register("alice", sink)
	require.NoError(t, err)

	svc.tick(context.Background())

	received := sink.received()
	require.Len(t, received, 2)
	assert.Equal(t, uint64(9), received[0].EventID)
	assert.Equal(t, uint64(10), received[1].EventID)
	assert.True(t, received[0].Buffered)
	assert.Zero(t, store.Depth("alice"))
}

func TestRetrySkipsDisconnectedUsers(t *testing.T) {
	d, _, store := newDispatcher(&fakePresence{}, &fakeForwarder{})
	svc := NewRetryService(d, &fakeDeadLetterer{}, nil, config.PendingConfig{
		MaxPerUser:  10,
		TTL:         time.Minute,
		MaxAttempts: 3,
	})

	store.Append("alice", event("alice", 11))
	svc.tick(context.Background())
	assert.Equal(t, 1, store.Depth("alice"), "no connection, nothing to retry against")
}

func TestRetryDeadLettersAfterMaxAttempts(t *testing.T) {
	d, reg, store := newDispatcher(&fakePresence{}, &fakeForwarder{})
	dl := &fakeDeadLetterer{}
	svc := NewRetryService(d, dl, nil, config.PendingConfig{
		MaxPerUser:  10,
		TTL:         time.Minute,
		MaxAttempts: 2,
	})

	// A sink that rejects every push keeps the event cycling.
	sink := &recordingSink{pushErr: errors.New("refused")}
	_, err := reg.Register("alice", sink)
	require.NoError(t, err)

	store.Append("alice", event("alice", 12))

	// First tick: attempt 1 fails, re-parked. The failing push also
	// force-closes the connection, so re-register a fresh failing sink.
	svc.tick(context.Background())
	assert.Empty(t, dl.events)
	assert.Equal(t, 1, store.Depth("alice"))

	_, err = reg.Register("alice", &recordingSink{pushErr: errors.New("refused")})
	require.NoError(t, err)

	// Second tick: attempt 2 fails and hits the cap.
	svc.tick(context.Background())
	require.Len(t, dl.events, 1)
	assert.Equal(t, uint64(12), dl.events[0].EventID)
	assert.Zero(t, store.Depth("alice"))
}
