// Package fakes provides in-memory test doubles for the gateway's
// dependencies. These are used in the cmd/local entrypoint and in
// integration tests.
package fakes

import (
	"context"
	"sync"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-notification-gateway/pkg/notify"
)

// --- Consumer ---

type InMemoryConsumer struct {
	outputChan chan messagepipeline.Message
	logger     zerolog.Logger
	stopOnce   sync.Once
	doneChan   chan struct{}
}

func NewInMemoryConsumer(bufferSize int, logger zerolog.Logger) *InMemoryConsumer {
	return &InMemoryConsumer{
		outputChan: make(chan messagepipeline.Message, bufferSize),
		logger:     logger.With().Str("component", "InMemoryConsumer").Logger(),
		doneChan:   make(chan struct{}),
	}
}
func (c *InMemoryConsumer) Publish(msg messagepipeline.Message) {
	select {
	case c.outputChan <- msg:
	case <-c.doneChan:
	}
}
func (c *InMemoryConsumer) Messages() <-chan messagepipeline.Message { return c.outputChan }
func (c *InMemoryConsumer) Start(_ context.Context) error            { return nil }
func (c *InMemoryConsumer) Stop(_ context.Context) error {
	c.stopOnce.Do(func() {
		close(c.doneChan)
		close(c.outputChan)
	})
	return nil
}
func (c *InMemoryConsumer) Done() <-chan struct{} { return c.doneChan }

// --- Registry ---

// InMemoryRegistry is a map-backed ConnectionRegistry.
type InMemoryRegistry struct {
	mu          sync.RWMutex
	connections map[string]notify.Connection
}

func NewInMemoryRegistry() *InMemoryRegistry {
	return &InMemoryRegistry{connections: make(map[string]notify.Connection)}
}

func (r *InMemoryRegistry) Put(_ context.Context, conn notify.Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connections[conn.ConnectionID] = conn
	return nil
}

func (r *InMemoryRegistry) Delete(_ context.Context, connectionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.connections, connectionID)
	return nil
}

func (r *InMemoryRegistry) LookupByConnection(_ context.Context, connectionID string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.connections[connectionID]
	if !ok {
		return "", notify.ErrConnectionNotFound
	}
	return conn.UserID, nil
}

func (r *InMemoryRegistry) LookupByUser(_ context.Context, userID string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, conn := range r.connections {
		if conn.UserID == userID {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Count reports the number of registered connections.
func (r *InMemoryRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// --- Gateway ---

// Gateway records Send and Revoke calls. Connection IDs placed in the
// stale set report SendStale; everything else reports SendOK.
type Gateway struct {
	mu      sync.Mutex
	stale   map[string]bool
	sends   []notify.PushRequest
	revoked []string
}

func NewGateway() *Gateway {
	return &Gateway{stale: make(map[string]bool)}
}

// MarkStale makes subsequent sends to connectionID report SendStale.
func (g *Gateway) MarkStale(connectionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stale[connectionID] = true
}

func (g *Gateway) Send(_ context.Context, connectionID string, payload []byte) (notify.SendResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stale[connectionID] {
		return notify.SendStale, nil
	}
	g.sends = append(g.sends, notify.PushRequest{ConnectionID: connectionID, Payload: payload})
	return notify.SendOK, nil
}

func (g *Gateway) Revoke(_ context.Context, connectionID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.revoked = append(g.revoked, connectionID)
	return nil
}

func (g *Gateway) Sends() []notify.PushRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]notify.PushRequest(nil), g.sends...)
}

func (g *Gateway) Revoked() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.revoked...)
}

// --- Producers ---

// PushProducer captures published push requests on a channel.
type PushProducer struct {
	publishedChan chan notify.PushRequest
}

func NewPushProducer() *PushProducer {
	return &PushProducer{publishedChan: make(chan notify.PushRequest, 100)}
}
func (p *PushProducer) Publish(_ context.Context, req notify.PushRequest) error {
	p.publishedChan <- req
	return nil
}
func (p *PushProducer) Published() <-chan notify.PushRequest { return p.publishedChan }

// FanoutProducer captures published fanout requests on a channel.
type FanoutProducer struct {
	publishedChan chan notify.FanoutRequest
}

func NewFanoutProducer() *FanoutProducer {
	return &FanoutProducer{publishedChan: make(chan notify.FanoutRequest, 100)}
}
func (p *FanoutProducer) Publish(_ context.Context, req notify.FanoutRequest) error {
	p.publishedChan <- req
	return nil
}
func (p *FanoutProducer) Published() <-chan notify.FanoutRequest { return p.publishedChan }

// CleanupProducer captures published cleanup requests on a channel.
type CleanupProducer struct {
	publishedChan chan notify.CleanupRequest
}

func NewCleanupProducer() *CleanupProducer {
	return &CleanupProducer{publishedChan: make(chan notify.CleanupRequest, 100)}
}
func (p *CleanupProducer) Publish(_ context.Context, req notify.CleanupRequest) error {
	p.publishedChan <- req
	return nil
}
func (p *CleanupProducer) Published() <-chan notify.CleanupRequest { return p.publishedChan }
