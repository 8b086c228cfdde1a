// Beacon - Distributed Real-Time Notification Gateway
// Copyright 2026 Beacon Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beacon-notify/beacon

package gateway

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/beacon-notify/beacon/internal/logging"
	"github.com/beacon-notify/beacon/internal/metrics"
	"github.com/beacon-notify/beacon/internal/models"
	"github.com/beacon-notify/beacon/internal/registry"
)

const writeWait = 10 * time.Second

// client is one live WebSocket connection. It implements
// registry.Sink: Push enqueues onto the bounded send queue and never
// blocks the dispatcher.
type client struct {
	conn       *websocket.Conn
	userID     string
	instanceID string

	send        chan *models.Frame
	done        chan struct{}
	heartbeat   time.Duration
	idleTimeout time.Duration
	maxMsgSize  int64

	// lastDelivered is the dedup floor: the highest event id this
	// connection has accepted. Events at or below it are reported as
	// stale so the registry's second drain pass cannot duplicate.
	lastDelivered atomic.Uint64

	// While a replay is in flight, live pushes are held back instead of
	// advancing the dedup floor past events the replay has not sent
	// yet. endReplay flushes the held events in arrival order.
	replayMu  sync.Mutex
	replaying bool
	held      []*models.Event

	closeOnce sync.Once
	closeCode int

	// onHeartbeat refreshes the presence claim; onReplay streams log
	// events after a client-supplied id; onClose unwires the connection.
	onHeartbeat func()
	onReplay    func(afterID uint64)
	onClose     func()
}

func newClient(conn *websocket.Conn, userID, instanceID string, sendBuffer int, heartbeat, idleTimeout time.Duration, maxMsgSize int64) *client {
	return &client{
		conn:        conn,
		userID:      userID,
		instanceID:  instanceID,
		send:        make(chan *models.Frame, sendBuffer),
		done:        make(chan struct{}),
		heartbeat:   heartbeat,
		idleTimeout: idleTimeout,
		maxMsgSize:  maxMsgSize,
	}
}

// Push enqueues a notification frame. Returns ErrStaleEvent for an
// event already delivered on this connection, ErrSendBufferFull when
// the client cannot keep up, ErrSinkClosed once closing has begun.
// During a replay the event is held and flushed afterwards, so the
// dedup floor cannot jump past events the replay still owes.
func (c *client) Push(ev *models.Event) error {
	c.replayMu.Lock()
	if c.replaying {
		if len(c.held) >= cap(c.send) {
			c.replayMu.Unlock()
			return registry.ErrSendBufferFull
		}
		c.held = append(c.held, ev)
		c.replayMu.Unlock()
		return nil
	}
	c.replayMu.Unlock()
	return c.pushNow(ev)
}

// beginReplay raises the replay gate. Returns false when a replay is
// already in flight; the duplicate request is dropped.
func (c *client) beginReplay() bool {
	c.replayMu.Lock()
	defer c.replayMu.Unlock()
	if c.replaying {
		return false
	}
	c.replaying = true
	return true
}

// endReplay lowers the gate and flushes events held during the replay
// through the normal dedup path. A connection that cannot absorb the
// flush is force-closed like any other slow consumer.
func (c *client) endReplay() {
	c.replayMu.Lock()
	held := c.held
	c.held = nil
	c.replaying = false
	c.replayMu.Unlock()

	for _, ev := range held {
		if err := c.pushNow(ev); err != nil && errors.Is(err, registry.ErrSendBufferFull) {
			metrics.ConnectionsClosed.WithLabelValues("backpressure").Inc()
			c.CloseWithCode(models.CloseIdleTimeout, "write queue overflow")
			return
		}
	}
}

// pushNow applies the dedup floor and enqueues. Replay delivery uses
// it directly; live dispatch goes through the Push gate.
func (c *client) pushNow(ev *models.Event) error {
	for {
		cur := c.lastDelivered.Load()
		if ev.EventID != 0 && ev.EventID <= cur {
			return registry.ErrStaleEvent
		}
		if ev.EventID == 0 || c.lastDelivered.CompareAndSwap(cur, ev.EventID) {
			break
		}
	}

	frame := &models.Frame{
		Type:    models.FrameTypeNotification,
		Event:   ev,
		Pending: ev.Buffered,
	}
	select {
	case <-c.done:
		return registry.ErrSinkClosed
	case c.send <- frame:
		return nil
	default:
		return registry.ErrSendBufferFull
	}
}

// CloseWithCode begins connection teardown with the given close code.
// Idempotent; safe from any goroutine.
func (c *client) CloseWithCode(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		deadline := time.Now().Add(writeWait)
		msg := websocket.FormatCloseMessage(code, reason)
		if err := c.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
			logging.Debug().Err(err).Str("user_id", c.userID).Msg("close message write failed")
		}
		close(c.done)
		_ = c.conn.Close()
		if c.onClose != nil {
			c.onClose()
		}
	})
}

// enqueue queues a non-notification frame, dropping it when the
// buffer is full. Control frames are expendable.
func (c *client) enqueue(frame *models.Frame) {
	select {
	case <-c.done:
	case c.send <- frame:
	default:
	}
}

func (c *client) start() {
	go c.writePump()
	go c.readPump()
}

// readPump consumes client frames until the connection dies or goes
// idle. Any inbound traffic extends the idle deadline.
func (c *client) readPump() {
	defer c.CloseWithCode(websocket.CloseNormalClosure, "")

	c.conn.SetReadLimit(c.maxMsgSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout)); err != nil {
		logging.Error().Err(err).Msg("failed to set read deadline")
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if e, ok := err.(interface{ Timeout() bool }); ok && e.Timeout() {
				metrics.ConnectionsClosed.WithLabelValues("idle_timeout").Inc()
				c.CloseWithCode(models.CloseIdleTimeout, "idle timeout")
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logging.Debug().Err(err).Str("user_id", c.userID).Msg("unexpected websocket close")
			}
			return
		}
		if err := c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout)); err != nil {
			return
		}
		c.handleFrame(data)
	}
}

func (c *client) handleFrame(data []byte) {
	var frame models.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		logging.Debug().Err(err).Str("user_id", c.userID).Msg("ignoring malformed client frame")
		return
	}

	switch frame.Type {
	case models.FrameTypePing:
		c.enqueue(&models.Frame{
			Type:       models.FrameTypePong,
			InstanceID: c.instanceID,
			Timestamp:  time.Now().UTC().Format(time.RFC3339),
		})
	case models.FrameTypeReplay:
		if c.onReplay != nil {
			c.onReplay(frame.LastEventID)
		}
	default:
		// Unknown frame types still count as liveness.
	}
}

// writePump serializes outbound frames and emits heartbeats on the
// configured cadence.
func (c *client) writePump() {
	ticker := time.NewTicker(c.heartbeat)
	defer func() {
		ticker.Stop()
		c.CloseWithCode(websocket.CloseNormalClosure, "")
	}()

	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			if !c.writeFrame(frame) {
				return
			}
			metrics.FramesSent.WithLabelValues(frame.Type).Inc()
		case <-ticker.C:
			hb := &models.Frame{
				Type:       models.FrameTypeHeartbeat,
				InstanceID: c.instanceID,
				Timestamp:  time.Now().UTC().Format(time.RFC3339),
			}
			if !c.writeFrame(hb) {
				return
			}
			metrics.FramesSent.WithLabelValues(models.FrameTypeHeartbeat).Inc()
			if c.onHeartbeat != nil {
				c.onHeartbeat()
			}
		}
	}
}

func (c *client) writeFrame(frame *models.Frame) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return false
	}
	data, err := json.Marshal(frame)
	if err != nil {
		logging.Error().Err(err).Msg("failed to marshal frame")
		return true
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		logging.Debug().Err(err).Str("user_id", c.userID).Msg("frame write failed")
		return false
	}
	return true
}
