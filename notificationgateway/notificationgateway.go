// Package notificationgateway wires the HTTP API and the three delivery
// pipelines (push, fanout, cleanup) into a single runnable service.
package notificationgateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-microservice-base/pkg/microservice"
	"github.com/tinywideclouds/go-notification-gateway/internal/api"
	"github.com/tinywideclouds/go-notification-gateway/internal/pipeline"
	"github.com/tinywideclouds/go-notification-gateway/notificationgateway/config"
	"github.com/tinywideclouds/go-notification-gateway/pkg/notify"
)

// Wrapper embeds BaseServer to get standard server functionality and runs
// the three background pipelines alongside the HTTP API.
type Wrapper struct {
	*microservice.BaseServer
	pushService    *messagepipeline.StreamingService[notify.PushRequest]
	fanoutService  *messagepipeline.StreamingService[notify.FanoutRequest]
	cleanupService *messagepipeline.StreamingService[notify.CleanupRequest]
	apiHandler     *api.API
	logger         zerolog.Logger
	httpReadyChan  chan struct{}
}

// New creates and wires up the entire notification gateway service.
func New(
	cfg *config.AppConfig,
	dependencies *notify.Dependencies,
	authMiddleware func(http.Handler) http.Handler,
	logger zerolog.Logger,
) (*Wrapper, error) {

	baseServer := microservice.NewBaseServer(slog.New(slog.NewTextHandler(logger, nil)), ":"+cfg.APIPort)

	httpReadyChan := make(chan struct{})
	baseServer.SetReadyChannel(httpReadyChan)

	apiHandler := api.NewAPI(dependencies.FanoutProducer, dependencies.PushProducer, logger)

	workers := messagepipeline.StreamingServiceConfig{NumWorkers: cfg.NumPipelineWorkers}

	pushService, err := messagepipeline.NewStreamingService[notify.PushRequest](
		workers,
		dependencies.PushConsumer,
		pipeline.PushRequestTransformer,
		pipeline.NewPushProcessor(dependencies, logger),
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create push pipeline: %w", err)
	}

	fanoutService, err := messagepipeline.NewStreamingService[notify.FanoutRequest](
		workers,
		dependencies.FanoutConsumer,
		pipeline.FanoutRequestTransformer,
		pipeline.NewFanoutProcessor(dependencies, logger),
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create fanout pipeline: %w", err)
	}

	retryPolicy := pipeline.CleanupRetryPolicy{MaxAttempts: cfg.Queues.Cleanup.MaxAttempts}
	cleanupService, err := messagepipeline.NewStreamingService[notify.CleanupRequest](
		workers,
		dependencies.CleanupConsumer,
		pipeline.CleanupRequestTransformer,
		pipeline.NewCleanupProcessor(dependencies, retryPolicy, logger),
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cleanup pipeline: %w", err)
	}

	mux := baseServer.Mux()
	mux.Handle("POST /api/notify/user", authMiddleware(http.HandlerFunc(apiHandler.NotifyUserHandler)))
	mux.Handle("POST /api/notify/connection", authMiddleware(http.HandlerFunc(apiHandler.NotifyConnectionHandler)))

	return &Wrapper{
		BaseServer:     baseServer,
		pushService:    pushService,
		fanoutService:  fanoutService,
		cleanupService: cleanupService,
		apiHandler:     apiHandler,
		logger:         logger,
		httpReadyChan:  httpReadyChan,
	}, nil
}

// Start runs the background pipelines before starting the base HTTP server.
func (w *Wrapper) Start(ctx context.Context) error {
	w.logger.Info().Msg("Delivery pipelines starting...")
	if err := w.pushService.Start(ctx); err != nil {
		return fmt.Errorf("failed to start push pipeline: %w", err)
	}
	if err := w.fanoutService.Start(ctx); err != nil {
		return fmt.Errorf("failed to start fanout pipeline: %w", err)
	}
	if err := w.cleanupService.Start(ctx); err != nil {
		return fmt.Errorf("failed to start cleanup pipeline: %w", err)
	}

	serverErrChan := make(chan error, 1)
	go func() {
		if err := w.BaseServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			w.logger.Error().Err(err).Msg("HTTP server failed")
			serverErrChan <- err
		}
		close(serverErrChan)
	}()

	// Wait for either the listener to come up or the server to fail early.
	select {
	case <-w.httpReadyChan:
		w.logger.Info().Msg("HTTP listener is active.")
		w.SetReady(true)
		w.logger.Info().Msg("Service is now ready.")

	case err := <-serverErrChan:
		return fmt.Errorf("HTTP server failed to start: %w", err)

	case <-ctx.Done():
		return ctx.Err()
	}

	// Block until the server goroutine exits, which happens on Shutdown.
	if err := <-serverErrChan; err != nil {
		return err
	}

	return nil
}

// Shutdown gracefully stops all service components in the correct order.
func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info().Msg("Shutting down service components...")
	var finalErr error

	if err := w.pushService.Stop(ctx); err != nil {
		w.logger.Error().Err(err).Msg("Push pipeline shutdown failed.")
		finalErr = err
	}
	if err := w.fanoutService.Stop(ctx); err != nil {
		w.logger.Error().Err(err).Msg("Fanout pipeline shutdown failed.")
		finalErr = err
	}
	if err := w.cleanupService.Stop(ctx); err != nil {
		w.logger.Error().Err(err).Msg("Cleanup pipeline shutdown failed.")
		finalErr = err
	}

	if err := w.BaseServer.Shutdown(ctx); err != nil {
		w.logger.Error().Err(err).Msg("HTTP server shutdown failed.")
		finalErr = err
	}

	w.logger.Info().Msg("All components shut down.")
	return finalErr
}
