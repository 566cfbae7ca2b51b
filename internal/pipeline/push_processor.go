package pipeline

import (
	"context"
	"fmt"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-notification-gateway/pkg/notify"
)

// NewPushProcessor builds the connection-push consumer stage. It delivers
// one payload to one connection through the gateway management interface.
//
// Outcome handling follows the delivery contract:
//   - delivered (or buffered): done.
//   - stale connection: the payload is undeliverable by definition, so the
//     push is treated as handled and a cleanup request is enqueued instead.
//   - transient failure: the error is returned so the queue redelivers.
func NewPushProcessor(deps *notify.Dependencies, logger zerolog.Logger) messagepipeline.StreamProcessor[notify.PushRequest] {
	procLogger := logger.With().Str("component", "PushProcessor").Logger()

	return func(ctx context.Context, msg messagepipeline.Message, req *notify.PushRequest) error {
		log := procLogger.With().Str("connection_id", req.ConnectionID).Str("msg_id", msg.ID).Logger()

		result, err := deps.Gateway.Send(ctx, req.ConnectionID, req.Payload)
		if err != nil {
			log.Error().Err(err).Msg("Transient failure sending to connection.")
			return fmt.Errorf("failed to send to connection %s: %w", req.ConnectionID, err)
		}

		if result == notify.SendStale {
			log.Info().Msg("Connection is stale. Enqueueing cleanup request.")
			if err := deps.CleanupProducer.Publish(ctx, notify.CleanupRequest{ConnectionID: req.ConnectionID}); err != nil {
				// Keep the push visible so the stale signal is not lost.
				return fmt.Errorf("failed to enqueue cleanup for stale connection %s: %w", req.ConnectionID, err)
			}
			return nil
		}

		log.Debug().Int("bytes", len(req.Payload)).Msg("Payload delivered to connection.")
		return nil
	}
}
