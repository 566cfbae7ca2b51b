// Package pipeline contains the transformer and processor stages for the
// three queue consumers: connection push, user fanout, and connection
// cleanup.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"

	"github.com/tinywideclouds/go-notification-gateway/pkg/notify"
)

// unmarshalRequest decodes a raw queue payload into the typed request for a
// consumer stage. A payload that does not decode is marked for skipping so
// the streaming service nacks it rather than looping on it forever; the
// platform dead-letter policy catches repeat offenders.
func unmarshalRequest[T any](msg *messagepipeline.Message) (*T, bool, error) {
	var req T
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return nil, true, fmt.Errorf("failed to unmarshal queue request from message %s: %w", msg.ID, err)
	}
	return &req, false, nil
}

// PushRequestTransformer decodes a connection-push queue message into a
// validated notify.PushRequest.
func PushRequestTransformer(_ context.Context, msg *messagepipeline.Message) (*notify.PushRequest, bool, error) {
	req, skip, err := unmarshalRequest[notify.PushRequest](msg)
	if err != nil {
		return nil, skip, err
	}
	if req.ConnectionID == "" {
		return nil, true, fmt.Errorf("push request %s has no connectionId", msg.ID)
	}
	return req, false, nil
}

// FanoutRequestTransformer decodes a user-fanout queue message into a
// validated notify.FanoutRequest.
func FanoutRequestTransformer(_ context.Context, msg *messagepipeline.Message) (*notify.FanoutRequest, bool, error) {
	req, skip, err := unmarshalRequest[notify.FanoutRequest](msg)
	if err != nil {
		return nil, skip, err
	}
	if req.UserID == "" {
		return nil, true, fmt.Errorf("fanout request %s has no userId", msg.ID)
	}
	return req, false, nil
}

// CleanupRequestTransformer decodes a connection-cleanup queue message into
// a validated notify.CleanupRequest.
func CleanupRequestTransformer(_ context.Context, msg *messagepipeline.Message) (*notify.CleanupRequest, bool, error) {
	req, skip, err := unmarshalRequest[notify.CleanupRequest](msg)
	if err != nil {
		return nil, skip, err
	}
	if req.ConnectionID == "" {
		return nil, true, fmt.Errorf("cleanup request %s has no connectionId", msg.ID)
	}
	return req, false, nil
}
