//go:build integration

package e2e_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/illmade-knight/go-test/emulators"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"github.com/tinywideclouds/go-notification-gateway/internal/app"
	"github.com/tinywideclouds/go-notification-gateway/internal/platform/persistence"
	psub "github.com/tinywideclouds/go-notification-gateway/internal/platform/pubsub"
	"github.com/tinywideclouds/go-notification-gateway/internal/realtime"
	"github.com/tinywideclouds/go-notification-gateway/notificationgateway"
	"github.com/tinywideclouds/go-notification-gateway/notificationgateway/config"
	"github.com/tinywideclouds/go-notification-gateway/pkg/notify"
)

// --- Test Helpers ---

func newJWKSTestServer(t *testing.T, privateKey *rsa.PrivateKey) *httptest.Server {
	t.Helper()
	publicKey, err := jwk.FromRaw(privateKey.Public())
	require.NoError(t, err)
	_ = publicKey.Set(jwk.KeyIDKey, "test-key-id")
	_ = publicKey.Set(jwk.AlgorithmKey, jwa.RS256)
	keySet := jwk.NewSet()
	_ = keySet.AddKey(publicKey)
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/jwks.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		err := json.NewEncoder(w).Encode(keySet)
		require.NoError(t, err)
	})
	return httptest.NewServer(mux)
}

func createTestRS256Token(t *testing.T, privateKey *rsa.PrivateKey, userID string) string {
	t.Helper()
	jwkKey, err := jwk.FromRaw(privateKey)
	require.NoError(t, err)
	err = jwkKey.Set(jwk.KeyIDKey, "test-key-id")
	require.NoError(t, err)
	token, err := jwt.NewBuilder().
		Subject(userID).
		IssuedAt(time.Now()).
		Expiration(time.Now().Add(time.Hour)).
		Build()
	require.NoError(t, err)
	signed, err := jwt.Sign(token, jwt.WithKey(jwa.RS256, jwkKey))
	require.NoError(t, err)
	return string(signed)
}

func makeAPIRequest(t *testing.T, method, url, token string, body []byte) *http.Response {
	t.Helper()
	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reqBody)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

// --- Main Test ---

func TestFullNotificationDeliveryFlow(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
	t.Cleanup(cancel)
	logger := zerolog.New(zerolog.NewTestWriter(t))
	const projectID = "test-project-e2e"
	runID := uuid.NewString()

	// --- 1. Setup Emulators & Auth ---
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	jwksServer := newJWKSTestServer(t, privateKey)
	t.Cleanup(jwksServer.Close)

	pubsubConn := emulators.SetupPubsubEmulator(t, ctx, emulators.GetDefaultPubsubConfig(projectID))
	psClient, err := pubsub.NewClient(ctx, projectID, pubsubConn.ClientOptions...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = psClient.Close() })

	firestoreConn := emulators.SetupFirestoreEmulator(t, ctx, emulators.GetDefaultFirestoreConfig(projectID))
	fsClient, err := firestore.NewClient(context.Background(), projectID, firestoreConn.ClientOptions...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = fsClient.Close() })

	const producerID = "service-producer"
	const recipientID = "user-bob"
	producerToken := createTestRS256Token(t, privateKey, producerID)
	recipientToken := createTestRS256Token(t, privateKey, recipientID)

	pushTopicID := fmt.Sprintf("projects/%s/topics/notify-connection-%s", projectID, runID)
	fanoutTopicID := fmt.Sprintf("projects/%s/topics/notify-user-%s", projectID, runID)
	cleanupTopicID := fmt.Sprintf("projects/%s/topics/delete-connection-%s", projectID, runID)
	dlqTopicID := fmt.Sprintf("projects/%s/topics/delete-connection-dlq-%s", projectID, runID)

	createTopic(t, ctx, psClient, pushTopicID)
	createTopic(t, ctx, psClient, fanoutTopicID)
	createTopic(t, ctx, psClient, cleanupTopicID)
	createTopic(t, ctx, psClient, dlqTopicID)

	testConfig := &config.AppConfig{
		ProjectID:          projectID,
		APIPort:            "0",
		WebSocketPort:      "0",
		NumPipelineWorkers: 2,
		IdentityServiceURL: jwksServer.URL,
		Registry: config.YamlRegistryConfig{
			Type:      config.RegistryTypeFirestore,
			Firestore: config.YamlFirestoreConfig{CollectionName: "connections-e2e"},
		},
		Queues: config.YamlQueuesConfig{
			Push:   config.YamlQueueConfig{TopicID: pushTopicID},
			Fanout: config.YamlQueueConfig{TopicID: fanoutTopicID},
			Cleanup: config.YamlCleanupConfig{
				YamlQueueConfig:   config.YamlQueueConfig{TopicID: cleanupTopicID},
				DeadLetterTopicID: dlqTopicID,
				MaxAttempts:       4,
			},
		},
	}

	deps, registry := assembleTestDependencies(t, ctx, psClient, fsClient, testConfig, logger)

	// --- 2. Start the FULL gateway (API + ConnectionManager) ---
	authMiddleware, err := middleware.NewJWKSAuthMiddleware(jwksServer.URL+"/.well-known/jwks.json", slog.New(slog.NewTextHandler(logger, nil)))
	require.NoError(t, err)

	connManager, err := realtime.NewConnectionManager(
		testConfig.WebSocketPort,
		authMiddleware,
		registry,
		deps.PushProducer,
		logger,
	)
	require.NoError(t, err)
	deps.Gateway = connManager

	apiService, err := notificationgateway.New(testConfig, deps, authMiddleware, logger)
	require.NoError(t, err)

	serviceCtx, cancelService := context.WithCancel(context.Background())
	t.Cleanup(cancelService)

	go app.Run(serviceCtx, logger, apiService, connManager)

	var apiURL string
	require.Eventually(t, func() bool {
		port := apiService.GetHTTPPort()
		if port != "" && port != ":0" {
			apiURL = "http://localhost" + port
			return true
		}
		return false
	}, 10*time.Second, 100*time.Millisecond, "API service did not start and report a port")

	var wsURL string
	require.Eventually(t, func() bool {
		port := connManager.GetWSPort()
		if port != "" && port != ":0" {
			wsURL = "ws://localhost" + port + "/connect"
			return true
		}
		return false
	}, 10*time.Second, 100*time.Millisecond, "WebSocket server did not start and report a port")

	// --- PHASE 1: Recipient connects ---
	t.Log("Phase 1: Connecting recipient over WebSocket...")
	header := http.Header{"Authorization": []string{"Bearer " + recipientToken}}
	clientConn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = clientConn.Close() })

	var connectionIDs []string
	require.Eventually(t, func() bool {
		connectionIDs, err = registry.LookupByUser(ctx, recipientID)
		return err == nil && len(connectionIDs) == 1
	}, 10*time.Second, 100*time.Millisecond, "Connection was not registered")
	t.Log("✅ Recipient connection registered.")

	// --- PHASE 2: Notify the user through the full fanout path ---
	t.Log("Phase 2: Publishing a user notification via the API...")
	notificationPayload := []byte(`{"event":"friend-request","from":"user-alice"}`)
	body, err := json.Marshal(notify.FanoutRequest{UserID: recipientID, Payload: notificationPayload})
	require.NoError(t, err)

	notifyResp := makeAPIRequest(t, http.MethodPost, apiURL+"/api/notify/user", producerToken, body)
	require.Equal(t, http.StatusAccepted, notifyResp.StatusCode)
	_ = notifyResp.Body.Close()

	require.NoError(t, clientConn.SetReadDeadline(time.Now().Add(15*time.Second)))
	_, delivered, err := clientConn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, string(notificationPayload), string(delivered))
	t.Log("✅ Notification delivered over the WebSocket.")

	// --- PHASE 3: Ping round-trips through the push queue ---
	t.Log("Phase 3: Sending a ping...")
	require.NoError(t, clientConn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))

	require.NoError(t, clientConn.SetReadDeadline(time.Now().Add(15*time.Second)))
	_, pong, err := clientConn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"pong"}`, string(pong))
	t.Log("✅ Pong received.")

	// --- PHASE 4: A stale registry entry converges via the cleanup queue ---
	t.Log("Phase 4: Notifying a stale connection...")
	staleConn := notify.Connection{
		ConnectionID: "stale-" + runID,
		UserID:       recipientID,
		GatewayID:    "gone-instance",
		ConnectedAt:  time.Now().UTC(),
	}
	require.NoError(t, registry.Put(ctx, staleConn))

	body, err = json.Marshal(notify.PushRequest{ConnectionID: staleConn.ConnectionID, Payload: notificationPayload})
	require.NoError(t, err)
	pushResp := makeAPIRequest(t, http.MethodPost, apiURL+"/api/notify/connection", producerToken, body)
	require.Equal(t, http.StatusAccepted, pushResp.StatusCode)
	_ = pushResp.Body.Close()

	require.Eventually(t, func() bool {
		_, lookupErr := registry.LookupByConnection(ctx, staleConn.ConnectionID)
		return errors.Is(lookupErr, notify.ErrConnectionNotFound)
	}, 15*time.Second, 200*time.Millisecond, "Stale registry entry was not cleaned up")
	t.Log("✅ Stale connection purged from the registry.")

	// The live connection must survive the cleanup of the stale one.
	connectionIDs, err = registry.LookupByUser(ctx, recipientID)
	require.NoError(t, err)
	require.Len(t, connectionIDs, 1)
}

// --- Test Setup Helpers ---

func assembleTestDependencies(
	t *testing.T,
	ctx context.Context,
	psClient *pubsub.Client,
	fsClient *firestore.Client,
	cfg *config.AppConfig,
	logger zerolog.Logger,
) (*notify.Dependencies, notify.ConnectionRegistry) {
	t.Helper()

	registry, err := persistence.NewFirestoreRegistry(fsClient, cfg.Registry.Firestore.CollectionName, logger)
	require.NoError(t, err)

	pushConsumer := createQueueConsumer(t, ctx, psClient, cfg.ProjectID, cfg.Queues.Push.TopicID, logger)
	fanoutConsumer := createQueueConsumer(t, ctx, psClient, cfg.ProjectID, cfg.Queues.Fanout.TopicID, logger)
	cleanupConsumer := createQueueConsumer(t, ctx, psClient, cfg.ProjectID, cfg.Queues.Cleanup.TopicID, logger)

	return &notify.Dependencies{
		Registry:           registry,
		PushProducer:       psub.NewPushProducer(psClient.Publisher(cfg.Queues.Push.TopicID)),
		FanoutProducer:     psub.NewFanoutProducer(psClient.Publisher(cfg.Queues.Fanout.TopicID)),
		CleanupProducer:    psub.NewCleanupProducer(psClient.Publisher(cfg.Queues.Cleanup.TopicID)),
		DeadLetterProducer: psub.NewCleanupProducer(psClient.Publisher(cfg.Queues.Cleanup.DeadLetterTopicID)),
		PushConsumer:       pushConsumer,
		FanoutConsumer:     fanoutConsumer,
		CleanupConsumer:    cleanupConsumer,
	}, registry
}

func createQueueConsumer(
	t *testing.T,
	ctx context.Context,
	psClient *pubsub.Client,
	projectID, topicID string,
	logger zerolog.Logger,
) messagepipeline.MessageConsumer {
	t.Helper()

	subID := "e2e-sub-" + uuid.NewString()
	subPath := fmt.Sprintf("projects/%s/subscriptions/%s", projectID, subID)
	_, err := psClient.SubscriptionAdminClient.CreateSubscription(ctx, &pubsubpb.Subscription{
		Name:  subPath,
		Topic: topicID,
	})
	require.NoError(t, err)

	consumer, err := messagepipeline.NewGooglePubsubConsumer(
		messagepipeline.NewGooglePubsubConsumerDefaults(subID), psClient, logger,
	)
	require.NoError(t, err)
	return consumer
}

func createTopic(t *testing.T, ctx context.Context, client *pubsub.Client, topicID string) {
	t.Helper()

	topic, err := client.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{
		Name: topicID,
	})
	require.NoError(t, err)
	require.NotNil(t, topic)

	t.Cleanup(func() {
		_ = client.TopicAdminClient.DeleteTopic(context.Background(), &pubsubpb.DeleteTopicRequest{Topic: topicID})
	})
}
