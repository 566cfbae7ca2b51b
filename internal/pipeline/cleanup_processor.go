package pipeline

import (
	"context"
	"fmt"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-notification-gateway/pkg/notify"
)

// disconnectNotice is delivered best-effort before a connection is revoked,
// so a client that is somehow still listening learns why its socket closed.
var disconnectNotice = []byte(`{"type":"disconnect"}`)

// CleanupRetryPolicy bounds how often a failed cleanup request is retried
// before it is quarantined on the dead-letter queue. The attempt counter
// travels with the request itself, so the policy is a plain function of the
// message rather than opaque platform behaviour.
type CleanupRetryPolicy struct {
	MaxAttempts int
}

// Exhausted reports whether a request that has now failed `attempts` times
// should be dead-lettered instead of retried.
func (p CleanupRetryPolicy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}

// NewCleanupProcessor builds the connection-cleanup consumer stage. It
// revokes the connection at the gateway, purges the registry record, and on
// repeated failure moves the request to the dead-letter queue: never retried
// forever, never silently dropped.
//
// Every step is idempotent, so re-running cleanup for an already-removed
// connection is a no-op.
func NewCleanupProcessor(deps *notify.Dependencies, policy CleanupRetryPolicy, logger zerolog.Logger) messagepipeline.StreamProcessor[notify.CleanupRequest] {
	procLogger := logger.With().Str("component", "CleanupProcessor").Logger()

	return func(ctx context.Context, msg messagepipeline.Message, req *notify.CleanupRequest) error {
		log := procLogger.With().
			Str("connection_id", req.ConnectionID).
			Str("msg_id", msg.ID).
			Int("attempt", req.Attempt).
			Logger()

		if err := revokeAndPurge(ctx, deps, req.ConnectionID); err != nil {
			attempts := req.Attempt + 1
			retry := notify.CleanupRequest{ConnectionID: req.ConnectionID, Attempt: attempts}

			if policy.Exhausted(attempts) {
				log.Error().Err(err).Int("attempts", attempts).
					Msg("Cleanup retries exhausted. Quarantining request on dead-letter queue.")
				if dlqErr := deps.DeadLetterProducer.Publish(ctx, retry); dlqErr != nil {
					// The request must land somewhere; keep it visible.
					return fmt.Errorf("failed to dead-letter cleanup request for %s: %w", req.ConnectionID, dlqErr)
				}
				return nil
			}

			log.Warn().Err(err).Msg("Cleanup failed. Re-enqueueing with incremented attempt counter.")
			if pubErr := deps.CleanupProducer.Publish(ctx, retry); pubErr != nil {
				return fmt.Errorf("failed to re-enqueue cleanup request for %s: %w", req.ConnectionID, pubErr)
			}
			return nil
		}

		log.Info().Msg("Connection revoked and purged from registry.")
		return nil
	}
}

// revokeAndPurge tells the gateway to forget the connection, then deletes
// the registry record. The disconnect notice beforehand is best-effort; the
// connection is usually already gone.
func revokeAndPurge(ctx context.Context, deps *notify.Dependencies, connectionID string) error {
	_, _ = deps.Gateway.Send(ctx, connectionID, disconnectNotice)

	if err := deps.Gateway.Revoke(ctx, connectionID); err != nil {
		return fmt.Errorf("failed to revoke connection %s: %w", connectionID, err)
	}
	if err := deps.Registry.Delete(ctx, connectionID); err != nil {
		return fmt.Errorf("failed to delete registry record %s: %w", connectionID, err)
	}
	return nil
}
