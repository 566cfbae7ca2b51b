package notify

import (
	"context"
	"errors"
)

// ErrConnectionNotFound is returned by LookupByConnection when no record
// exists for the given connectionId.
var ErrConnectionNotFound = errors.New("connection not found")

// ConnectionRegistry is the durable mapping from connectionId to owning
// userId. It is the only shared mutable state in the system; all writes are
// unconditional idempotent upserts and deletes, so last-write-wins is always
// safe and no transactions are needed.
type ConnectionRegistry interface {
	// Put inserts or overwrites the record for record.ConnectionID.
	Put(ctx context.Context, record Connection) error

	// Delete removes the record if present. Deleting an absent record is
	// a no-op, not an error.
	Delete(ctx context.Context, connectionID string) error

	// LookupByConnection returns the userId owning the connection, or
	// ErrConnectionNotFound.
	LookupByConnection(ctx context.Context, connectionID string) (string, error)

	// LookupByUser returns the connectionIds currently registered for the
	// user. The result may be empty and may lag recent writes.
	LookupByUser(ctx context.Context, userID string) ([]string, error)
}

// SendResult classifies the outcome of a Gateway.Send call. Staleness is a
// result, not an error: the push consumer converts it into a cleanup
// request rather than failing the message.
type SendResult int

const (
	// SendOK means the payload was delivered or buffered by the gateway.
	SendOK SendResult = iota
	// SendStale means the connection no longer exists at the gateway.
	SendStale
)

// Gateway is the management interface of the hosting WebSocket
// infrastructure: deliver a payload to one connection, or revoke a
// connection entirely.
type Gateway interface {
	// Send delivers payload to the connection. A non-nil error is a
	// transient fault and the caller may retry; SendStale with a nil error
	// means the connection is gone for good.
	Send(ctx context.Context, connectionID string, payload []byte) (SendResult, error)

	// Revoke closes and forgets the connection. Absence of the connection
	// is not an error.
	Revoke(ctx context.Context, connectionID string) error
}

// PushProducer publishes a request onto the connection-push queue.
type PushProducer interface {
	Publish(ctx context.Context, req PushRequest) error
}

// FanoutProducer publishes a request onto the user-fanout queue.
type FanoutProducer interface {
	Publish(ctx context.Context, req FanoutRequest) error
}

// CleanupProducer publishes a request onto the connection-cleanup queue
// (or, for the dead-letter producer, onto the quarantine topic).
type CleanupProducer interface {
	Publish(ctx context.Context, req CleanupRequest) error
}
