// Beacon - Distributed Real-Time Notification Gateway
// Copyright 2026 Beacon Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beacon-notify/beacon

// Package registry tracks which users have a live connection on this
// process and provides the only path for pushing events to them.
//
// State is sharded by user so independent users never contend on one
// lock: register, unregister and send are linearizable per user, and
// sends to different users proceed in parallel.
package registry

import (
	"errors"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/beacon-notify/beacon/internal/logging"
	"github.com/beacon-notify/beacon/internal/metrics"
	"github.com/beacon-notify/beacon/internal/models"
)

// shardCount is a power of two so the hash can be masked. 32 shards
// keeps contention negligible at the supported connection counts.
const shardCount = 32

var (
	// ErrConnectionLimit is returned by Register when the process-wide
	// connection cap is reached. The caller refuses the connection with
	// a capacity close code; existing connections are unaffected.
	ErrConnectionLimit = errors.New("connection limit exceeded")

	// ErrSendBufferFull is returned by a Sink whose bounded outbound
	// queue overflowed. The registry force-closes that connection
	// rather than blocking the dispatcher.
	ErrSendBufferFull = errors.New("send buffer full")

	// ErrSinkClosed is returned by a Sink that is already closing.
	ErrSinkClosed = errors.New("connection closed")

	// ErrStaleEvent is returned by a Sink for an event at or below its
	// dedup floor. The registry counts this as delivered.
	ErrStaleEvent = errors.New("event at or below dedup floor")
)

// DeliveryResult reports the outcome of a local send.
type DeliveryResult int

const (
	// Delivered means at least one local connection accepted the event.
	Delivered DeliveryResult = iota

	// NotPresent means the user has no live connection on this process;
	// the caller falls back to the pending store or the fanout bus.
	NotPresent
)

// Sink is the write side of one live connection. Implementations must
// not block: Push enqueues onto a bounded queue and reports overflow
// as ErrSendBufferFull.
type Sink interface {
	Push(ev *models.Event) error
	CloseWithCode(code int, reason string)
}

// DrainFunc delivers any buffered events for a user directly to a sink.
// The registry calls it during Register, before the connection becomes
// visible to Send, so buffered events precede live traffic.
type DrainFunc func(userID string, sink Sink)

// Handle identifies one registered connection.
type Handle struct {
	id        uint64
	userID    string
	sink      Sink
	createdAt time.Time

	unregistered atomic.Bool
}

// ID returns the handle's process-unique identifier.
func (h *Handle) ID() uint64 { return h.id }

// UserID returns the user this connection belongs to.
func (h *Handle) UserID() string { return h.userID }

// CreatedAt returns when the connection registered.
func (h *Handle) CreatedAt() time.Time { return h.createdAt }

type shard struct {
	mu    sync.RWMutex
	users map[string][]*Handle
}

// Registry is the per-process connection registry.
type Registry struct {
	shards     [shardCount]*shard
	maxTotal   int
	maxPerUser int
	drain      DrainFunc

	total  atomic.Int64
	nextID atomic.Uint64
}

// New creates a registry with the given process-wide and per-user caps.
func New(maxTotal, maxPerUser int) *Registry {
	r := &Registry{maxTotal: maxTotal, maxPerUser: maxPerUser}
	for i := range r.shards {
		r.shards[i] = &shard{users: make(map[string][]*Handle)}
	}
	return r
}

// SetDrainFunc wires the pending-store drain callback. Must be called
// before the first Register; typically done once during startup wiring.
func (r *Registry) SetDrainFunc(fn DrainFunc) {
	r.drain = fn
}

func (r *Registry) shardFor(userID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return r.shards[h.Sum32()&(shardCount-1)]
}

// Register adds a live connection for the user. It fails with
// ErrConnectionLimit when the process-wide cap is reached. When the
// per-user cap is reached the oldest connection for that user is
// replaced (newest wins), mirroring reconnect behavior where the stale
// connection has not yet timed out.
//
// Any pending events for the user are drained to the sink before the
// connection becomes eligible for live dispatch, preserving
// order-of-arrival at registration.
func (r *Registry) Register(userID string, sink Sink) (*Handle, error) {
	// Atomic reservation so concurrent registers on different shards
	// cannot overshoot the process-wide cap.
	if r.total.Add(1) > int64(r.maxTotal) {
		r.total.Add(-1)
		return nil, ErrConnectionLimit
	}

	h := &Handle{
		id:        r.nextID.Add(1),
		userID:    userID,
		sink:      sink,
		createdAt: time.Now(),
	}

	// Buffered events go out before the connection is visible to Send.
	if r.drain != nil {
		r.drain(userID, sink)
	}

	var replaced *Handle
	s := r.shardFor(userID)
	s.mu.Lock()
	conns := s.users[userID]
	if len(conns) >= r.maxPerUser {
		replaced = conns[0]
		conns = conns[1:]
	}
	s.users[userID] = append(conns, h)
	s.mu.Unlock()

	if replaced != nil {
		r.Unregister(replaced)
		replaced.sink.CloseWithCode(models.CloseReplaced, "replaced by newer connection")
		metrics.ConnectionsClosed.WithLabelValues("replaced").Inc()
	}

	// Catch events that were parked while the drain above was running
	// and before the handle became visible. The sink's dedup floor
	// suppresses anything the first drain already delivered.
	if r.drain != nil {
		r.drain(userID, sink)
	}

	metrics.ConnectionsActive.Set(float64(r.total.Load()))
	logging.Info().
		Str("user_id", userID).
		Uint64("handle", h.id).
		Int64("local_connections", r.total.Load()).
		Msg("connection registered")
	return h, nil
}

// Unregister removes a connection. Idempotent: a second call for the
// same handle is a no-op.
func (r *Registry) Unregister(h *Handle) {
	if h == nil || !h.unregistered.CompareAndSwap(false, true) {
		return
	}

	s := r.shardFor(h.userID)
	s.mu.Lock()
	conns := s.users[h.userID]
	for i, c := range conns {
		if c.id == h.id {
			conns = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	if len(conns) == 0 {
		delete(s.users, h.userID)
	} else {
		s.users[h.userID] = conns
	}
	s.mu.Unlock()

	r.total.Add(-1)
	metrics.ConnectionsActive.Set(float64(r.total.Load()))
	logging.Info().
		Str("user_id", h.userID).
		Uint64("handle", h.id).
		Int64("local_connections", r.total.Load()).
		Msg("connection unregistered")
}

// Send pushes the event to every live local connection for the user.
// Returns Delivered if at least one connection accepted it (or had
// already delivered it, per the dedup floor), NotPresent otherwise.
//
// A connection whose bounded queue overflows, or which fails the write,
// is force-closed; other users' delivery is unaffected.
func (r *Registry) Send(userID string, ev *models.Event) DeliveryResult {
	s := r.shardFor(userID)
	s.mu.RLock()
	conns := append([]*Handle(nil), s.users[userID]...)
	s.mu.RUnlock()

	if len(conns) == 0 {
		return NotPresent
	}

	delivered := false
	for _, h := range conns {
		switch err := h.sink.Push(ev); {
		case err == nil:
			delivered = true
		case errors.Is(err, ErrStaleEvent):
			metrics.EventsDeduplicated.Inc()
			delivered = true
		case errors.Is(err, ErrSendBufferFull):
			logging.Warn().
				Str("user_id", userID).
				Uint64("handle", h.id).
				Msg("send buffer overflow, force-closing slow connection")
			r.Unregister(h)
			h.sink.CloseWithCode(models.CloseIdleTimeout, "write queue overflow")
			metrics.ConnectionsClosed.WithLabelValues("backpressure").Inc()
		default:
			r.Unregister(h)
			h.sink.CloseWithCode(models.CloseIdleTimeout, "write failure")
			metrics.ConnectionsClosed.WithLabelValues("write_error").Inc()
		}
	}
	if delivered {
		return Delivered
	}
	return NotPresent
}

// ListActive returns the handle ids of the user's live local
// connections, for diagnostics and fanout decisions.
func (r *Registry) ListActive(userID string) []uint64 {
	s := r.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]uint64, 0, len(s.users[userID]))
	for _, h := range s.users[userID] {
		ids = append(ids, h.id)
	}
	return ids
}

// Count returns the number of live local connections.
func (r *Registry) Count() int {
	return int(r.total.Load())
}

// Users returns the ids of all users with a live local connection.
func (r *Registry) Users() []string {
	var users []string
	for _, s := range r.shards {
		s.mu.RLock()
		for u := range s.users {
			users = append(users, u)
		}
		s.mu.RUnlock()
	}
	return users
}
