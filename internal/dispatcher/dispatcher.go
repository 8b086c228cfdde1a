// Beacon - Distributed Real-Time Notification Gateway
// Copyright 2026 Beacon Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beacon-notify/beacon

// Package dispatcher routes logged events to their recipients. One
// process of the consumer group receives each event and either
// delivers it locally, forwards it to the owning process over the
// fanout bus, or parks it in the pending store for the user's next
// connection.
package dispatcher

import (
	"context"
	"time"

	"github.com/beacon-notify/beacon/internal/config"
	"github.com/beacon-notify/beacon/internal/fanout"
	"github.com/beacon-notify/beacon/internal/logging"
	"github.com/beacon-notify/beacon/internal/metrics"
	"github.com/beacon-notify/beacon/internal/models"
	"github.com/beacon-notify/beacon/internal/pending"
	"github.com/beacon-notify/beacon/internal/registry"
	"github.com/beacon-notify/beacon/internal/streamlog"
)

// PresenceLookup answers which instance, if any, owns a user's
// connection.
type PresenceLookup interface {
	Lookup(ctx context.Context, userID string) (string, bool, error)
}

// Forwarder carries an event to another gateway process.
type Forwarder interface {
	PublishTo(ctx context.Context, instanceID string, ev *models.Event) error
}

// Dispatcher owns the routing decision for every event this process
// pulls from the log or receives over the bus.
type Dispatcher struct {
	registry   *registry.Registry
	pending    *pending.Store
	presence   PresenceLookup
	forwarder  Forwarder
	instanceID string
}

// New wires a dispatcher.
func New(reg *registry.Registry, store *pending.Store, pres PresenceLookup, fwd Forwarder, instanceID string) *Dispatcher {
	return &Dispatcher{
		registry:   reg,
		pending:    store,
		presence:   pres,
		forwarder:  fwd,
		instanceID: instanceID,
	}
}

// dispatch routes one event pulled from the log. A nil return means
// the event has found a home (live connection, remote process or
// pending store) and the caller may acknowledge it.
func (d *Dispatcher) dispatch(ctx context.Context, ev *models.Event) error {
	if d.registry.Send(ev.UserID, ev) == registry.Delivered {
		metrics.EventsDelivered.WithLabelValues("log").Inc()
		return nil
	}

	owner, ok, err := d.presence.Lookup(ctx, ev.UserID)
	if err != nil {
		logging.Warn().Err(err).Str("user_id", ev.UserID).Msg("presence lookup failed, parking event")
	}
	if err == nil && ok && owner != d.instanceID {
		if err := d.forwarder.PublishTo(ctx, owner, ev); err == nil {
			logging.Debug().
				Str("user_id", ev.UserID).
				Uint64("event_id", ev.EventID).
				Str("owner", owner).
				Msg("event forwarded to owning instance")
			return nil
		}
		logging.Warn().
			Str("user_id", ev.UserID).
			Str("owner", owner).
			Msg("fanout forward failed, parking event")
	}

	// Nobody reachable. Park for the user's next registration here; a
	// reconnect elsewhere recovers through replay.
	d.pending.Append(ev.UserID, ev)
	metrics.PendingDepth.Set(float64(d.pending.Total()))
	return nil
}

// HandleFanout delivers an event forwarded by another process. The
// sender has already acknowledged the log entry on our behalf, so a
// user who disconnected in flight gets the event parked here.
func (d *Dispatcher) HandleFanout(ctx context.Context, ev *models.Event) error {
	if d.registry.Send(ev.UserID, ev) == registry.Delivered {
		metrics.EventsDelivered.WithLabelValues("fanout").Inc()
		return nil
	}
	d.pending.Append(ev.UserID, ev)
	metrics.PendingDepth.Set(float64(d.pending.Total()))
	return nil
}

// LogConsumerService is the supervised poll loop over the shared
// consumer group.
type LogConsumerService struct {
	dispatcher *Dispatcher
	consumer   *streamlog.Consumer
	cfg        config.DispatcherConfig
}

// NewLogConsumerService builds the poll loop service.
func NewLogConsumerService(d *Dispatcher, c *streamlog.Consumer, cfg config.DispatcherConfig) *LogConsumerService {
	return &LogConsumerService{dispatcher: d, consumer: c, cfg: cfg}
}

// Serve implements suture.Service. It pulls batches until the context
// is canceled; a fetch error returns so the supervisor restarts the
// loop with backoff.
func (s *LogConsumerService) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		deliveries, err := s.consumer.Read(ctx, s.cfg.BatchSize, s.cfg.PollWait)
		if err != nil {
			return err
		}
		for _, delivery := range deliveries {
			if err := s.dispatcher.dispatch(ctx, delivery.Event); err != nil {
				// Leave unacked for redelivery after the ack wait.
				logging.Warn().Err(err).
					Uint64("event_id", delivery.Event.EventID).
					Msg("dispatch failed, leaving for redelivery")
				continue
			}
			if err := delivery.Ack(); err != nil {
				logging.Warn().Err(err).
					Uint64("event_id", delivery.Event.EventID).
					Msg("ack failed")
			}
		}
	}
}

func (s *LogConsumerService) String() string { return "log-consumer" }

// FanoutService is the supervised bus listener.
type FanoutService struct {
	dispatcher *Dispatcher
	bus        Bus
}

// Bus is the subscribing side of the fanout bus.
type Bus interface {
	Run(ctx context.Context, handle fanout.Handler) error
}

var _ Bus = (*fanout.Bus)(nil)

// NewFanoutService builds the bus listener service.
func NewFanoutService(d *Dispatcher, bus Bus) *FanoutService {
	return &FanoutService{dispatcher: d, bus: bus}
}

// Serve implements suture.Service.
func (s *FanoutService) Serve(ctx context.Context) error {
	return s.bus.Run(ctx, s.dispatcher.HandleFanout)
}

func (s *FanoutService) String() string { return "fanout-listener" }

// RetryService periodically redrives parked events to users who have
// since connected locally, sweeps expired entries, and dead-letters
// events that exhausted their attempts.
type RetryService struct {
	dispatcher *Dispatcher
	deadletter DeadLetterer
	consumer   *streamlog.Consumer
	cfg        config.PendingConfig
}

// DeadLetterer moves an undeliverable event to the dead-letter
// subject.
type DeadLetterer interface {
	DeadLetter(ctx context.Context, ev *models.Event) error
}

// NewRetryService builds the pending redelivery loop.
func NewRetryService(d *Dispatcher, dl DeadLetterer, c *streamlog.Consumer, cfg config.PendingConfig) *RetryService {
	return &RetryService{dispatcher: d, deadletter: dl, consumer: c, cfg: cfg}
}

// Serve implements suture.Service.
func (s *RetryService) Serve(ctx context.Context) error {
	interval := s.cfg.RetryInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *RetryService) tick(ctx context.Context) {
	d := s.dispatcher

	if swept := d.pending.Sweep(); swept > 0 {
		logging.Debug().Int("count", swept).Msg("swept expired pending events")
	}

	for _, userID := range d.pending.Users() {
		if len(d.registry.ListActive(userID)) == 0 {
			continue
		}
		for _, ev := range d.pending.Drain(userID) {
			ev.Attempts++
			ev.Buffered = true
			if d.registry.Send(userID, ev) == registry.Delivered {
				metrics.EventsDelivered.WithLabelValues("pending").Inc()
				continue
			}
			if ev.Attempts >= s.cfg.MaxAttempts {
				if err := s.deadletter.DeadLetter(ctx, ev); err != nil {
					logging.Warn().Err(err).Uint64("event_id", ev.EventID).Msg("dead letter failed, re-parking")
					d.pending.Append(userID, ev)
				}
				continue
			}
			d.pending.Append(userID, ev)
		}
	}

	metrics.PendingDepth.Set(float64(d.pending.Total()))
	if s.consumer != nil {
		if _, err := s.consumer.Lag(ctx); err != nil {
			logging.Debug().Err(err).Msg("lag probe failed")
		}
	}
}

func (s *RetryService) String() string { return "pending-retry" }
