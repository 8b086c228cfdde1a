// Beacon - Distributed Real-Time Notification Gateway
// Copyright 2026 Beacon Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beacon-notify/beacon

// Package fanout is the cross-process notification bus. When a process
// appends an event whose recipient is connected elsewhere, the bus
// carries the event to the owning process for local delivery.
//
// The bus is deliberately best-effort core NATS, not JetStream:
// durability already lives in the stream log, and a fanout message
// lost in transit is recovered by the recipient process's log cursor.
// Making the bus durable would only duplicate that work.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"

	"github.com/beacon-notify/beacon/internal/logging"
	"github.com/beacon-notify/beacon/internal/metrics"
	"github.com/beacon-notify/beacon/internal/models"
)

// ErrFanoutUnavailable is returned when a publish cannot reach the
// bus. The caller falls back to the pending path; fanout loss never
// loses the event itself.
var ErrFanoutUnavailable = errors.New("fanout bus unavailable")

const (
	broadcastTopic      = "beacon.fanout.broadcast"
	instanceTopicPrefix = "beacon.fanout.instance."

	metaUserID     = "user_id"
	metaInstanceID = "origin_instance"
)

// instanceTopic returns the targeted topic for one process.
func instanceTopic(instanceID string) string {
	return instanceTopicPrefix + instanceID
}

// Config holds bus connection settings.
type Config struct {
	URL           string
	InstanceID    string
	MaxReconnects int
	ReconnectWait time.Duration
	CloseTimeout  time.Duration
}

// Bus publishes and receives fanout events over core NATS.
type Bus struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	instanceID string

	mu     sync.Mutex
	closed bool
}

// New connects the bus. The subscriber listens on the broadcast topic
// and on this instance's targeted topic once Run is called.
func New(cfg Config) (*Bus, error) {
	logger := newWatermillLogger()

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.DisconnectErrHandler(func(nc *natsgo.Conn, err error) {
			if err != nil {
				logger.Error("fanout bus disconnected", err, nil)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("fanout bus reconnected", watermill.LogFields{
				"url": nc.ConnectedUrl(),
			})
		}),
	}

	pub, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         cfg.URL,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream:   wmNats.JetStreamConfig{Disabled: true},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create fanout publisher: %w", err)
	}

	sub, err := wmNats.NewSubscriber(wmNats.SubscriberConfig{
		URL:          cfg.URL,
		NatsOptions:  natsOpts,
		CloseTimeout: cfg.CloseTimeout,
		Unmarshaler:  &wmNats.NATSMarshaler{},
		JetStream:    wmNats.JetStreamConfig{Disabled: true},
	}, logger)
	if err != nil {
		_ = pub.Close()
		return nil, fmt.Errorf("create fanout subscriber: %w", err)
	}

	return &Bus{
		publisher:  pub,
		subscriber: sub,
		instanceID: cfg.InstanceID,
	}, nil
}

// Publish broadcasts an event to every process on the bus. Used when
// the appending process does not know which instance owns the
// recipient's connection.
func (b *Bus) Publish(ctx context.Context, ev *models.Event) error {
	return b.publish(ctx, broadcastTopic, "broadcast", ev)
}

// PublishTo publishes an event to one process, identified by its
// instance id. Used when the presence map names a connection owner.
func (b *Bus) PublishTo(ctx context.Context, instanceID string, ev *models.Event) error {
	return b.publish(ctx, instanceTopic(instanceID), "targeted", ev)
}

func (b *Bus) publish(ctx context.Context, topic, kind string, ev *models.Event) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("%w: bus closed", ErrFanoutUnavailable)
	}
	b.mu.Unlock()

	data, err := ev.Marshal()
	if err != nil {
		return fmt.Errorf("marshal fanout event: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), data)
	msg.Metadata.Set(metaUserID, ev.UserID)
	msg.Metadata.Set(metaInstanceID, b.instanceID)
	msg.SetContext(ctx)

	if err := b.publisher.Publish(topic, msg); err != nil {
		metrics.FanoutErrors.Inc()
		return fmt.Errorf("%w: publish to %s: %w", ErrFanoutUnavailable, topic, err)
	}
	metrics.FanoutPublished.WithLabelValues(kind).Inc()
	return nil
}

// Handler receives one fanout event. Errors are logged; the bus is
// fire-and-forget, so there is no redelivery.
type Handler func(ctx context.Context, ev *models.Event) error

// Run consumes the broadcast topic and this instance's targeted topic
// until the context is canceled. Events originating from this instance
// on the broadcast topic are skipped: the publisher already attempted
// local delivery before broadcasting.
func (b *Bus) Run(ctx context.Context, handle Handler) error {
	broadcast, err := b.subscriber.Subscribe(ctx, broadcastTopic)
	if err != nil {
		return fmt.Errorf("%w: subscribe broadcast: %w", ErrFanoutUnavailable, err)
	}
	targeted, err := b.subscriber.Subscribe(ctx, instanceTopic(b.instanceID))
	if err != nil {
		return fmt.Errorf("%w: subscribe targeted: %w", ErrFanoutUnavailable, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-broadcast:
			if !ok {
				return nil
			}
			b.handleMessage(ctx, msg, handle, true)
		case msg, ok := <-targeted:
			if !ok {
				return nil
			}
			b.handleMessage(ctx, msg, handle, false)
		}
	}
}

func (b *Bus) handleMessage(ctx context.Context, msg *message.Message, handle Handler, skipOwn bool) {
	// Core NATS has no redelivery, so always ack.
	defer msg.Ack()

	if skipOwn && msg.Metadata.Get(metaInstanceID) == b.instanceID {
		return
	}

	ev, err := models.UnmarshalEvent(msg.Payload)
	if err != nil {
		logging.Warn().Err(err).Str("message_uuid", msg.UUID).Msg("dropping malformed fanout message")
		return
	}

	if err := handle(ctx, ev); err != nil {
		logging.Warn().Err(err).
			Str("user_id", ev.UserID).
			Uint64("event_id", ev.EventID).
			Msg("fanout handler failed")
	}
}

// InstanceID returns the identity this bus listens on.
func (b *Bus) InstanceID() string {
	return b.instanceID
}

// Close shuts the bus down. Publish after Close fails with
// ErrFanoutUnavailable.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	pubErr := b.publisher.Close()
	subErr := b.subscriber.Close()
	if pubErr != nil {
		return pubErr
	}
	return subErr
}
