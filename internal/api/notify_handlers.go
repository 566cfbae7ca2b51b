// Package api defines the HTTP handlers producers use to submit
// notifications. Both handlers only validate and enqueue: delivery is
// asynchronous and unacknowledged, so producers never see per-device
// failures.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"github.com/tinywideclouds/go-microservice-base/pkg/response"
	"github.com/tinywideclouds/go-notification-gateway/pkg/notify"
)

// API holds the dependencies for the stateless HTTP handlers.
type API struct {
	fanoutProducer notify.FanoutProducer
	pushProducer   notify.PushProducer
	logger         zerolog.Logger
}

// NewAPI creates a new, stateless API handler.
func NewAPI(fanoutProducer notify.FanoutProducer, pushProducer notify.PushProducer, logger zerolog.Logger) *API {
	return &API{
		fanoutProducer: fanoutProducer,
		pushProducer:   pushProducer,
		logger:         logger.With().Str("component", "API").Logger(),
	}
}

// NotifyUserHandler accepts a user-addressed notification and publishes it
// to the fanout queue. The producer gets 202 on enqueue; how many devices
// the payload reaches is not its concern.
func (a *API) NotifyUserHandler(w http.ResponseWriter, r *http.Request) {
	producerID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		a.logger.Warn().Msg("NotifyUserHandler: no identity in context")
		response.WriteJSONError(w, http.StatusUnauthorized, "missing authentication token")
		return
	}

	var req notify.FanoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.logger.Warn().Err(err).Str("producer", producerID).Msg("Failed to decode fanout request")
		response.WriteJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" {
		response.WriteJSONError(w, http.StatusBadRequest, "userId is required")
		return
	}

	log := a.logger.With().Str("producer", producerID).Str("user_id", req.UserID).Logger()

	if err := a.fanoutProducer.Publish(r.Context(), req); err != nil {
		log.Error().Err(err).Msg("Failed to publish fanout request")
		response.WriteJSONError(w, http.StatusInternalServerError, "failed to enqueue notification")
		return
	}

	log.Debug().Msg("Fanout request accepted")
	response.WriteJSON(w, http.StatusAccepted, nil)
}

// NotifyConnectionHandler accepts a connection-addressed notification and
// publishes it to the push queue.
func (a *API) NotifyConnectionHandler(w http.ResponseWriter, r *http.Request) {
	producerID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		a.logger.Warn().Msg("NotifyConnectionHandler: no identity in context")
		response.WriteJSONError(w, http.StatusUnauthorized, "missing authentication token")
		return
	}

	var req notify.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.logger.Warn().Err(err).Str("producer", producerID).Msg("Failed to decode push request")
		response.WriteJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ConnectionID == "" {
		response.WriteJSONError(w, http.StatusBadRequest, "connectionId is required")
		return
	}

	log := a.logger.With().Str("producer", producerID).Str("connection_id", req.ConnectionID).Logger()

	if err := a.pushProducer.Publish(r.Context(), req); err != nil {
		log.Error().Err(err).Msg("Failed to publish push request")
		response.WriteJSONError(w, http.StatusInternalServerError, "failed to enqueue notification")
		return
	}

	log.Debug().Msg("Push request accepted")
	response.WriteJSON(w, http.StatusAccepted, nil)
}
