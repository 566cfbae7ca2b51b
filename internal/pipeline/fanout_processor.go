package pipeline

import (
	"context"
	"fmt"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-notification-gateway/pkg/notify"
)

// NewFanoutProcessor builds the user-fanout consumer stage. It expands one
// user-addressed notification into one push request per live connection, so
// producers never need to know how many devices a user has, and a stale
// device fails in its own push rather than failing the whole fanout.
//
// A user with zero live connections consumes the request with no effect:
// there is no missed-notification persistence.
func NewFanoutProcessor(deps *notify.Dependencies, logger zerolog.Logger) messagepipeline.StreamProcessor[notify.FanoutRequest] {
	procLogger := logger.With().Str("component", "FanoutProcessor").Logger()

	return func(ctx context.Context, msg messagepipeline.Message, req *notify.FanoutRequest) error {
		log := procLogger.With().Str("user_id", req.UserID).Str("msg_id", msg.ID).Logger()

		connectionIDs, err := deps.Registry.LookupByUser(ctx, req.UserID)
		if err != nil {
			log.Error().Err(err).Msg("Registry lookup failed.")
			return fmt.Errorf("failed to look up connections for user %s: %w", req.UserID, err)
		}

		if len(connectionIDs) == 0 {
			log.Info().Msg("User has no live connections. Dropping notification.")
			return nil
		}

		for _, connectionID := range connectionIDs {
			err := deps.PushProducer.Publish(ctx, notify.PushRequest{
				ConnectionID: connectionID,
				Payload:      req.Payload,
			})
			if err != nil {
				// Infra fault, not a per-recipient one: redeliver the fanout.
				// Re-pushing connections already enqueued is safe under
				// at-least-once delivery.
				log.Error().Err(err).Str("connection_id", connectionID).Msg("Failed to enqueue push request.")
				return fmt.Errorf("failed to enqueue push for connection %s: %w", connectionID, err)
			}
		}

		log.Info().Int("connections", len(connectionIDs)).Msg("Fanout expanded to push requests.")
		return nil
	}
}
