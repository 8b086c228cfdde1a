// Beacon - Distributed Real-Time Notification Gateway
// Copyright 2026 Beacon Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beacon-notify/beacon

// Package streamlog is the durable, ordered notification log: the
// single source of truth for what notifications exist for a user and
// in what order.
//
// It is backed by a NATS JetStream stream with one subject partition
// per user. Event ids are stream sequence numbers, so they are strictly
// increasing within a user's partition and consumers can resume by
// last-seen id. Consumer groups are durable pull consumers: a process
// that crashes before acknowledging redelivers on restart
// (at-least-once).
package streamlog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/beacon-notify/beacon/internal/logging"
	"github.com/beacon-notify/beacon/internal/metrics"
	"github.com/beacon-notify/beacon/internal/models"
)

// ErrLogUnavailable is returned when the backing store cannot accept
// the operation, including while the append breaker is open. Callers
// retry with backoff; an accepted append is never silently dropped.
var ErrLogUnavailable = errors.New("stream log unavailable")

// Log provides append, consumer-group read, replay and trim over the
// notification stream.
type Log struct {
	js      jetstream.JetStream
	stream  jetstream.Stream
	cfg     StreamConfig
	breaker *gobreaker.CircuitBreaker[*jetstream.PubAck]
}

// New connects the log to JetStream and ensures the stream exists with
// the configured settings. Idempotent across process restarts.
func New(ctx context.Context, nc *nats.Conn, cfg StreamConfig, bcfg BreakerConfig) (*Log, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	l := &Log{js: js, cfg: cfg}
	l.breaker = newAppendBreaker(bcfg)

	if l.stream, err = l.ensureStream(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

// ensureStream creates or updates the stream. File storage for
// durability; limits retention so the broker enforces the age and
// count bounds independently of consumer progress.
func (l *Log) ensureStream(ctx context.Context) (jetstream.Stream, error) {
	streamCfg := jetstream.StreamConfig{
		Name:        l.cfg.Name,
		Subjects:    []string{userSubjectPrefix + ">", deadLetterSubject},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      l.cfg.MaxAge,
		MaxMsgs:     l.cfg.MaxMsgs,
		Duplicates:  l.cfg.DuplicateWindow,
		Replicas:    l.cfg.Replicas,
		Storage:     jetstream.FileStorage,
		Discard:     jetstream.DiscardOld,
		AllowDirect: true,
	}

	_, err := l.js.Stream(ctx, l.cfg.Name)
	if err == nil {
		stream, err := l.js.UpdateStream(ctx, streamCfg)
		if err != nil {
			return nil, fmt.Errorf("update stream %s: %w", l.cfg.Name, err)
		}
		return stream, nil
	}
	if errors.Is(err, jetstream.ErrStreamNotFound) {
		stream, err := l.js.CreateStream(ctx, streamCfg)
		if err != nil {
			return nil, fmt.Errorf("create stream %s: %w", l.cfg.Name, err)
		}
		return stream, nil
	}
	return nil, fmt.Errorf("check stream %s: %w", l.cfg.Name, err)
}

func newAppendBreaker(cfg BreakerConfig) *gobreaker.CircuitBreaker[*jetstream.PubAck] {
	settings := gobreaker.Settings{
		Name:        "streamlog-append",
		MaxRequests: cfg.MaxRequests,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.BreakerState.Set(float64(to))
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("append breaker state change")
		},
	}
	return gobreaker.NewCircuitBreaker[*jetstream.PubAck](settings)
}

// Append durably writes an event to the user's partition and returns
// the assigned event id. Fails with ErrLogUnavailable when the backend
// cannot accept writes or the breaker is open; the caller retries with
// backoff. The event's EventID field is set on success.
func (l *Log) Append(ctx context.Context, ev *models.Event) (uint64, error) {
	data, err := ev.Marshal()
	if err != nil {
		return 0, fmt.Errorf("marshal event: %w", err)
	}

	start := time.Now()
	ack, err := l.breaker.Execute(func() (*jetstream.PubAck, error) {
		return l.js.Publish(ctx, SubjectForUser(ev.UserID), data)
	})
	metrics.LogAppendDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.LogAppendErrors.Inc()
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return 0, fmt.Errorf("%w: append breaker open", ErrLogUnavailable)
		}
		return 0, fmt.Errorf("%w: %w", ErrLogUnavailable, err)
	}

	ev.EventID = ack.Sequence
	return ack.Sequence, nil
}

// Delivery is one unacknowledged event read on behalf of a consumer
// group. Ack advances the group's cursor past this event; an unacked
// delivery redelivers after the configured ack wait.
type Delivery struct {
	Event *models.Event

	// Attempts is the broker's delivery count for this event,
	// starting at 1.
	Attempts int

	msg jetstream.Msg
}

// Ack acknowledges the delivery. Out-of-order acks are allowed; acking
// event N says nothing about N+1.
func (d *Delivery) Ack() error {
	return d.msg.Ack()
}

// Consumer is a durable cursor over the notification stream for one
// consumer group.
type Consumer struct {
	consumer jetstream.Consumer
	group    string
}

// Consumer materializes (or resumes) the durable cursor for a group.
// The cursor is persisted by the broker, so a process restart resumes
// from the acknowledgment floor rather than replaying from the start.
func (l *Log) Consumer(ctx context.Context, cfg ConsumerConfig) (*Consumer, error) {
	c, err := l.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       cfg.Group,
		FilterSubject: userSubjectPrefix + ">",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       cfg.AckWait,
		MaxAckPending: cfg.MaxAckPending,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: create consumer %s: %w", ErrLogUnavailable, cfg.Group, err)
	}
	return &Consumer{consumer: c, group: cfg.Group}, nil
}

// Read fetches up to max unacknowledged events for the group, oldest
// first, blocking up to wait for the first event. A poll timeout
// returns an empty slice, not an error, so callers can interleave
// housekeeping.
func (c *Consumer) Read(ctx context.Context, max int, wait time.Duration) ([]*Delivery, error) {
	batch, err := c.consumer.Fetch(max, jetstream.FetchMaxWait(wait))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: fetch for group %s: %w", ErrLogUnavailable, c.group, err)
	}

	var deliveries []*Delivery
	for msg := range batch.Messages() {
		ev, err := models.UnmarshalEvent(msg.Data())
		if err != nil {
			// Malformed payloads cannot be processed by anyone; ack to
			// keep the cursor moving rather than poisoning the group.
			logging.Warn().Err(err).Msg("dropping malformed log entry")
			_ = msg.Ack()
			continue
		}
		meta, err := msg.Metadata()
		if err != nil {
			logging.Warn().Err(err).Msg("log entry missing metadata")
			continue
		}
		ev.EventID = meta.Sequence.Stream
		deliveries = append(deliveries, &Delivery{
			Event:    ev,
			Attempts: int(meta.NumDelivered),
			msg:      msg,
		})
	}
	if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
		return deliveries, fmt.Errorf("%w: batch for group %s: %w", ErrLogUnavailable, c.group, err)
	}
	return deliveries, nil
}

// Lag returns the number of events not yet acknowledged by the group:
// the distance between the log head and the cursor.
func (c *Consumer) Lag(ctx context.Context) (uint64, error) {
	info, err := c.consumer.Info(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: consumer info: %w", ErrLogUnavailable, err)
	}
	lag := uint64(info.NumPending) + uint64(info.NumAckPending)
	metrics.ConsumerLag.Set(float64(lag))
	return lag, nil
}

// Replay streams the user's events with id greater than afterID, in
// order, through fn. Used to serve reconnecting clients that present a
// last-seen event id. Replay reads through an ephemeral ordered
// consumer and does not move any group cursor.
func (l *Log) Replay(ctx context.Context, userID string, afterID uint64, fn func(*models.Event) error) error {
	subject := SubjectForUser(userID)

	// The subject head captured up front bounds the replay. Events
	// appended after this point belong to live dispatch, and stopping
	// at a fixed sequence keeps the loop finite even while the stream
	// keeps growing.
	last, err := l.stream.GetLastMsgForSubject(ctx, subject)
	if err != nil {
		if errors.Is(err, jetstream.ErrMsgNotFound) {
			return nil
		}
		return fmt.Errorf("%w: replay head for %s: %w", ErrLogUnavailable, userID, err)
	}
	head := last.Sequence
	if head <= afterID {
		return nil
	}

	oc, err := l.stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{subject},
		DeliverPolicy:  jetstream.DeliverByStartSequencePolicy,
		OptStartSeq:    afterID + 1,
	})
	if err != nil {
		return fmt.Errorf("%w: ordered consumer for %s: %w", ErrLogUnavailable, userID, err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg, err := oc.Next(jetstream.FetchMaxWait(time.Second))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, jetstream.ErrNoMessages) {
				continue
			}
			return fmt.Errorf("%w: replay fetch for %s: %w", ErrLogUnavailable, userID, err)
		}
		meta, err := msg.Metadata()
		if err != nil {
			return fmt.Errorf("%w: replay metadata for %s: %w", ErrLogUnavailable, userID, err)
		}
		if ev, err := models.UnmarshalEvent(msg.Data()); err == nil {
			ev.EventID = meta.Sequence.Stream
			if err := fn(ev); err != nil {
				return err
			}
		}
		if meta.Sequence.Stream >= head {
			return nil
		}
	}
}

// Trim removes the user's events with id lower than beforeID. Called
// once retention policy or group acknowledgment criteria are met.
func (l *Log) Trim(ctx context.Context, userID string, beforeID uint64) error {
	err := l.stream.Purge(ctx,
		jetstream.WithPurgeSubject(SubjectForUser(userID)),
		jetstream.WithPurgeSequence(beforeID),
	)
	if err != nil {
		return fmt.Errorf("%w: trim %s before %d: %w", ErrLogUnavailable, userID, beforeID, err)
	}
	return nil
}

// DeadLetter moves an event that exhausted its delivery attempts to
// the dead-letter subject for offline inspection.
func (l *Log) DeadLetter(ctx context.Context, ev *models.Event) error {
	data, err := ev.Marshal()
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	if _, err := l.js.Publish(ctx, deadLetterSubject, data); err != nil {
		return fmt.Errorf("%w: dead letter publish: %w", ErrLogUnavailable, err)
	}
	metrics.EventsDeadLettered.Inc()
	return nil
}

// Info returns current stream state for diagnostics.
func (l *Log) Info(ctx context.Context) (*jetstream.StreamInfo, error) {
	info, err := l.stream.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: stream info: %w", ErrLogUnavailable, err)
	}
	return info, nil
}

// Healthy reports whether the stream is reachable.
func (l *Log) Healthy(ctx context.Context) bool {
	_, err := l.js.Stream(ctx, l.cfg.Name)
	return err == nil
}
