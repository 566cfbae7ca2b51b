// Package pubsub contains concrete adapters for publishing queue requests
// to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub/v2"

	"github.com/tinywideclouds/go-notification-gateway/pkg/notify"
)

// pubsubTopicClient defines the interface for the underlying pubsub
// publisher. This allows us to use a mock for testing.
type pubsubTopicClient interface {
	Publish(ctx context.Context, msg *pubsub.Message) *pubsub.PublishResult
}

// publishJSON serializes v and publishes it, waiting for the server result
// so a failed publish surfaces to the caller (and, in a consumer, becomes a
// nack/redelivery).
func publishJSON(ctx context.Context, topic pubsubTopicClient, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal queue request: %w", err)
	}

	result := topic.Publish(ctx, &pubsub.Message{Data: payload})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("failed to publish queue request: %w", err)
	}
	return nil
}

// PushProducer implements notify.PushProducer over a Pub/Sub topic.
type PushProducer struct {
	topic pubsubTopicClient
}

// NewPushProducer is the constructor for the connection-push producer.
func NewPushProducer(topic pubsubTopicClient) *PushProducer {
	return &PushProducer{topic: topic}
}

func (p *PushProducer) Publish(ctx context.Context, req notify.PushRequest) error {
	return publishJSON(ctx, p.topic, req)
}

// FanoutProducer implements notify.FanoutProducer over a Pub/Sub topic.
type FanoutProducer struct {
	topic pubsubTopicClient
}

// NewFanoutProducer is the constructor for the user-fanout producer.
func NewFanoutProducer(topic pubsubTopicClient) *FanoutProducer {
	return &FanoutProducer{topic: topic}
}

func (p *FanoutProducer) Publish(ctx context.Context, req notify.FanoutRequest) error {
	return publishJSON(ctx, p.topic, req)
}

// CleanupProducer implements notify.CleanupProducer over a Pub/Sub topic.
// The same type serves the primary cleanup topic and the dead-letter topic;
// only the bound topic differs.
type CleanupProducer struct {
	topic pubsubTopicClient
}

// NewCleanupProducer is the constructor for a connection-cleanup producer.
func NewCleanupProducer(topic pubsubTopicClient) *CleanupProducer {
	return &CleanupProducer{topic: topic}
}

func (p *CleanupProducer) Publish(ctx context.Context, req notify.CleanupRequest) error {
	return publishJSON(ctx, p.topic, req)
}
