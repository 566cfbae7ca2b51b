package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-notification-gateway/internal/test/fakes"
	"github.com/tinywideclouds/go-notification-gateway/pkg/notify"
)

// loopbackProducer publishes requests straight into an in-memory consumer,
// closing the queue loop without a broker. Used in 'local' run mode only.
type loopbackProducer[T any] struct {
	consumer *fakes.InMemoryConsumer
}

func (p loopbackProducer[T]) Publish(_ context.Context, req T) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal loopback request: %w", err)
	}
	p.consumer.Publish(messagepipeline.Message{
		MessageData: messagepipeline.MessageData{ID: uuid.NewString(), Payload: data},
	})
	return nil
}

// deadLetterLogger discards exhausted cleanup requests after logging them.
// Local mode has no dead-letter topic to park them on.
type deadLetterLogger struct {
	logger zerolog.Logger
}

func (d deadLetterLogger) Publish(_ context.Context, req notify.CleanupRequest) error {
	d.logger.Warn().
		Str("connection_id", req.ConnectionID).
		Int("attempt", req.Attempt).
		Msg("Cleanup request dead-lettered (local mode: discarded)")
	return nil
}

// NewLocalDependencies creates in-memory dependencies for local development.
// The three queues are loopback channels, and the registry is a map. The
// Gateway field is left nil for the caller to fill in with the real
// connection manager.
func NewLocalDependencies(logger zerolog.Logger) *notify.Dependencies {
	pushConsumer := fakes.NewInMemoryConsumer(100, logger)
	fanoutConsumer := fakes.NewInMemoryConsumer(100, logger)
	cleanupConsumer := fakes.NewInMemoryConsumer(100, logger)

	return &notify.Dependencies{
		Registry:           fakes.NewInMemoryRegistry(),
		PushProducer:       loopbackProducer[notify.PushRequest]{consumer: pushConsumer},
		FanoutProducer:     loopbackProducer[notify.FanoutRequest]{consumer: fanoutConsumer},
		CleanupProducer:    loopbackProducer[notify.CleanupRequest]{consumer: cleanupConsumer},
		DeadLetterProducer: deadLetterLogger{logger: logger},
		PushConsumer:       pushConsumer,
		FanoutConsumer:     fanoutConsumer,
		CleanupConsumer:    cleanupConsumer,
	}
}
