// Package realtime hosts the WebSocket endpoint and manages the lifecycle
// of every live connection on this gateway instance. It is also the local
// implementation of the gateway management interface: the push and cleanup
// consumers deliver and revoke through it.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"github.com/tinywideclouds/go-notification-gateway/pkg/notify"
)

// Route keys recognised on inbound messages. Anything else falls through to
// the default route.
const routePing = "ping"

var (
	pongPayload         = []byte(`{"type":"pong"}`)
	unknownRoutePayload = []byte(`{"type":"error","reason":"unknown route"}`)
	revokedCloseMessage = websocket.FormatCloseMessage(websocket.CloseGoingAway, "connection revoked")
)

// inboundMessage is the minimal envelope we parse off the wire to route an
// inbound frame. Unparseable frames route to default.
type inboundMessage struct {
	Type string `json:"type"`
}

// managedConn wraps a websocket connection with a write lock; gorilla conns
// do not support concurrent writers.
type managedConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *managedConn) write(messageType int, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(messageType, payload)
}

// ConnectionManager runs the WebSocket server, registers connections in the
// registry on connect, deregisters on disconnect, and answers inbound ping
// and unrecognised messages through the connection-push queue.
type ConnectionManager struct {
	server       *http.Server
	upgrader     websocket.Upgrader
	registry     notify.ConnectionRegistry
	pushProducer notify.PushProducer
	connections  sync.Map // map[string]*managedConn
	logger       zerolog.Logger
	instanceID   string

	listenerMu   sync.Mutex
	listenerAddr net.Addr
}

// NewConnectionManager creates and wires up a new WebSocket connection manager.
func NewConnectionManager(
	port string,
	authMiddleware func(http.Handler) http.Handler,
	registry notify.ConnectionRegistry,
	pushProducer notify.PushProducer,
	logger zerolog.Logger,
) (*ConnectionManager, error) {
	if registry == nil {
		return nil, fmt.Errorf("connection registry cannot be nil")
	}
	if pushProducer == nil {
		return nil, fmt.Errorf("push producer cannot be nil")
	}

	instanceID := uuid.NewString()
	cm := &ConnectionManager{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// TODO: restrict origins once the web client domain is fixed
				return true
			},
		},
		registry:     registry,
		pushProducer: pushProducer,
		logger:       logger.With().Str("component", "ConnectionManager").Str("instance", instanceID).Logger(),
		instanceID:   instanceID,
	}

	mux := http.NewServeMux()
	mux.Handle("/connect", authMiddleware(http.HandlerFunc(cm.connectHandler)))
	cm.server = &http.Server{
		Addr:    ":" + port,
		Handler: mux,
	}

	return cm, nil
}

// Start runs the HTTP server for WebSocket connections.
func (cm *ConnectionManager) Start(_ context.Context) error {
	listener, err := net.Listen("tcp", cm.server.Addr)
	if err != nil {
		return fmt.Errorf("websocket server failed to listen on %s: %w", cm.server.Addr, err)
	}
	cm.listenerMu.Lock()
	cm.listenerAddr = listener.Addr()
	cm.listenerMu.Unlock()

	cm.logger.Info().Str("addr", listener.Addr().String()).Msg("WebSocket server starting...")
	if err := cm.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("websocket server failed: %w", err)
	}
	return nil
}

// GetWSPort returns the bound listener port in ":port" form, or "" if the
// server has not started listening yet.
func (cm *ConnectionManager) GetWSPort() string {
	cm.listenerMu.Lock()
	defer cm.listenerMu.Unlock()
	tcpAddr, ok := cm.listenerAddr.(*net.TCPAddr)
	if !ok {
		return ""
	}
	return fmt.Sprintf(":%d", tcpAddr.Port)
}

// Shutdown gracefully stops the HTTP server and closes every live connection.
func (cm *ConnectionManager) Shutdown(ctx context.Context) error {
	cm.logger.Info().Msg("Shutting down WebSocket service...")

	if err := cm.server.Shutdown(ctx); err != nil {
		cm.logger.Error().Err(err).Msg("WebSocket server shutdown failed.")
		return err
	}

	cm.connections.Range(func(key, value any) bool {
		mc := value.(*managedConn)
		_ = mc.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseServiceRestart, "server shutting down"))
		_ = mc.conn.Close()
		return true
	})

	cm.logger.Info().Msg("WebSocket service shut down.")
	return nil
}

// connectHandler upgrades a new HTTP request to a WebSocket and owns its
// lifecycle until the transport closes.
func (cm *ConnectionManager) connectHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	connectionID := uuid.NewString()
	record := notify.Connection{
		ConnectionID: connectionID,
		UserID:       userID,
		GatewayID:    cm.instanceID,
		ConnectedAt:  time.Now().UTC(),
	}

	// Register before upgrading: if the registry is unavailable the connect
	// attempt is rejected outright, never half-established.
	if err := cm.registry.Put(r.Context(), record); err != nil {
		cm.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to register connection.")
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		cm.logger.Error().Err(err).Msg("Failed to upgrade connection.")
		cm.deregister(connectionID)
		return
	}

	mc := &managedConn{conn: conn}
	cm.connections.Store(connectionID, mc)
	defer func() {
		_ = conn.Close()
		cm.connections.Delete(connectionID)
		cm.deregister(connectionID)
		cm.logger.Info().Str("connection_id", connectionID).Str("user_id", userID).Msg("User disconnected.")
	}()

	cm.logger.Info().Str("connection_id", connectionID).Str("user_id", userID).Msg("User connected via WebSocket.")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break // client disconnected, or the transport died
		}
		cm.dispatch(r.Context(), connectionID, data)
	}
}

// dispatch routes one inbound frame. Ping gets a pong, everything else gets
// an unknown-route error, both as push requests back to the same connection
// so replies flow through the ordinary delivery path.
func (cm *ConnectionManager) dispatch(ctx context.Context, connectionID string, data []byte) {
	var msg inboundMessage
	_ = json.Unmarshal(data, &msg) // malformed input routes to default

	var reply []byte
	switch msg.Type {
	case routePing:
		reply = pongPayload
	default:
		reply = unknownRoutePayload
	}

	err := cm.pushProducer.Publish(ctx, notify.PushRequest{
		ConnectionID: connectionID,
		Payload:      reply,
	})
	if err != nil {
		cm.logger.Error().Err(err).Str("connection_id", connectionID).Str("route", msg.Type).
			Msg("Failed to enqueue reply for inbound message.")
	}
}

// deregister removes the registry record after the transport is gone. A
// failure here is logged and left to converge: the next push to this
// connection reports stale and triggers cleanup.
func (cm *ConnectionManager) deregister(connectionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := cm.registry.Delete(ctx, connectionID); err != nil {
		cm.logger.Error().Err(err).Str("connection_id", connectionID).
			Msg("Failed to delete registry record on disconnect.")
	}
}

// Send delivers a payload to a locally held connection. An unknown id, or a
// write failure on a dead socket, is reported as stale rather than an error
// so the caller can enqueue cleanup.
func (cm *ConnectionManager) Send(_ context.Context, connectionID string, payload []byte) (notify.SendResult, error) {
	value, ok := cm.connections.Load(connectionID)
	if !ok {
		return notify.SendStale, nil
	}

	mc := value.(*managedConn)
	if err := mc.write(websocket.TextMessage, payload); err != nil {
		cm.logger.Warn().Err(err).Str("connection_id", connectionID).
			Msg("Write failed; treating connection as stale.")
		cm.connections.Delete(connectionID)
		_ = mc.conn.Close()
		return notify.SendStale, nil
	}
	return notify.SendOK, nil
}

// Revoke closes and forgets a locally held connection. Absence is a no-op.
func (cm *ConnectionManager) Revoke(_ context.Context, connectionID string) error {
	value, ok := cm.connections.LoadAndDelete(connectionID)
	if !ok {
		return nil
	}

	mc := value.(*managedConn)
	_ = mc.write(websocket.CloseMessage, revokedCloseMessage)
	_ = mc.conn.Close()
	cm.logger.Info().Str("connection_id", connectionID).Msg("Connection revoked.")
	return nil
}
