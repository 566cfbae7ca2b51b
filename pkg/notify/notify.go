// Package notify contains the public domain models, interfaces, and wire
// schemas for the notification gateway. It defines the contract between
// producers, the queue consumers, and the WebSocket gateway itself.
package notify

import (
	"time"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
)

// Connection is a registry record binding a live connectionId to the
// authenticated user that owns it. A connectionId maps to at most one
// userId; a userId may own many connectionIds (multi-device).
type Connection struct {
	ConnectionID string    `json:"connectionId" firestore:"connectionId"`
	UserID       string    `json:"userId"       firestore:"userId"`
	GatewayID    string    `json:"gatewayId"    firestore:"gatewayId"`
	ConnectedAt  time.Time `json:"connectedAt"  firestore:"connectedAt"`
}

// PushRequest addresses an opaque payload to a single connection.
// It is the wire schema of the connection-push queue.
type PushRequest struct {
	ConnectionID string `json:"connectionId"`
	Payload      []byte `json:"payload"`
}

// FanoutRequest addresses an opaque payload to a logical user. The fanout
// consumer expands it into one PushRequest per live connection.
type FanoutRequest struct {
	UserID  string `json:"userId"`
	Payload []byte `json:"payload"`
}

// CleanupRequest asks for a stale connection to be revoked and purged from
// the registry. Attempt counts completed, failed deliveries of this request;
// producers enqueue it at zero and the cleanup consumer increments it on
// each failure until the dead-letter bound is reached.
type CleanupRequest struct {
	ConnectionID string `json:"connectionId"`
	Attempt      int    `json:"attempt,omitempty"`
}

// Dependencies holds all the external services the gateway needs to operate.
// This struct is used for dependency injection.
type Dependencies struct {
	// --- Registry & gateway management ---
	Registry ConnectionRegistry
	Gateway  Gateway

	// --- Producers ---
	PushProducer       PushProducer
	FanoutProducer     FanoutProducer
	CleanupProducer    CleanupProducer
	DeadLetterProducer CleanupProducer

	// --- Consumers ---
	PushConsumer    messagepipeline.MessageConsumer
	FanoutConsumer  messagepipeline.MessageConsumer
	CleanupConsumer messagepipeline.MessageConsumer
}
