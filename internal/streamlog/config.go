// Beacon - Distributed Real-Time Notification Gateway
// Copyright 2026 Beacon Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/beacon-notify/beacon

package streamlog

import (
	"time"
)

// Subject layout within the notification stream. Each user gets one
// subject partition; the dead-letter subject holds events that
// exhausted their delivery attempts.
const (
	userSubjectPrefix = "notify.user."
	deadLetterSubject = "notify.dlq"
)

// SubjectForUser returns the stream subject for a user's partition.
// User ids are validated at the edges (gateway handshake, producer
// API) to be subject-safe tokens.
func SubjectForUser(userID string) string {
	return userSubjectPrefix + userID
}

// StreamConfig describes the notification stream.
type StreamConfig struct {
	// Name of the JetStream stream.
	Name string

	// MaxAge is the retention window; events older than this are
	// trimmed by the broker regardless of acknowledgment state.
	MaxAge time.Duration

	// MaxMsgs bounds the stream; oldest are discarded first.
	MaxMsgs int64

	// Replicas for clustered deployments. 1 for standalone.
	Replicas int

	// DuplicateWindow for broker-side publish deduplication.
	DuplicateWindow time.Duration
}

// DefaultStreamConfig returns production defaults for the stream.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		Name:            "NOTIFICATIONS",
		MaxAge:          24 * time.Hour,
		MaxMsgs:         1_000_000,
		Replicas:        1,
		DuplicateWindow: 2 * time.Minute,
	}
}

// ConsumerConfig describes one consumer group's durable cursor.
type ConsumerConfig struct {
	// Group is the durable consumer name shared by all gateway
	// processes in one logical deployment.
	Group string

	// AckWait is how long the broker waits for an ack before
	// redelivering an event to the group.
	AckWait time.Duration

	// MaxAckPending bounds in-flight unacknowledged events.
	MaxAckPending int
}

// DefaultConsumerConfig returns defaults for a consumer group cursor.
func DefaultConsumerConfig(group string) ConsumerConfig {
	return ConsumerConfig{
		Group:         group,
		AckWait:       30 * time.Second,
		MaxAckPending: 1000,
	}
}

// BreakerConfig tunes the append circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the consecutive failure count that opens
	// the breaker.
	FailureThreshold uint32

	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration

	// MaxRequests allowed through while half-open.
	MaxRequests uint32
}

// DefaultBreakerConfig returns production defaults for the breaker.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Timeout:          10 * time.Second,
		MaxRequests:      1,
	}
}
