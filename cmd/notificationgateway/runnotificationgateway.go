// Main entrypoint for the notification gateway. Handles config loading,
// dependency injection, and starting the application.
package main

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gopkg.in/yaml.v3"

	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"github.com/tinywideclouds/go-notification-gateway/cmd"
	"github.com/tinywideclouds/go-notification-gateway/internal/app"
	"github.com/tinywideclouds/go-notification-gateway/internal/platform/persistence"
	psub "github.com/tinywideclouds/go-notification-gateway/internal/platform/pubsub"
	"github.com/tinywideclouds/go-notification-gateway/internal/realtime"
	"github.com/tinywideclouds/go-notification-gateway/notificationgateway"
	"github.com/tinywideclouds/go-notification-gateway/notificationgateway/config"
	"github.com/tinywideclouds/go-notification-gateway/pkg/notify"
)

//go:embed config.yaml
var configFile []byte

func main() {
	// --- 1. Setup structured logging ---
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logLevel, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil || logLevel == zerolog.NoLevel {
		logLevel = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stdout).Level(logLevel).With().
		Timestamp().
		Str("service", "go-notification-gateway").
		Logger()

	// --- 2. Load Configuration (Stage 0: Unmarshal) ---
	var yamlCfg config.YamlConfig
	if err := yaml.Unmarshal(configFile, &yamlCfg); err != nil {
		logger.Fatal().Err(err).Msg("Failed to unmarshal embedded yaml config")
	}

	// --- 3. Build Base Config (Stage 1: YAML to Base Struct) ---
	baseCfg, err := config.NewConfigFromYaml(&yamlCfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build base configuration from YAML")
	}

	// --- 4. Apply Overrides & Validate (Stage 2: Env Vars) ---
	cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to finalize configuration with environment overrides")
	}

	// Convert topic/sub IDs to full GCP resource names.
	cfg.Queues.Push.TopicID = convertPubsub(cfg.ProjectID, cfg.Queues.Push.TopicID, Pub)
	cfg.Queues.Push.SubscriptionID = convertPubsub(cfg.ProjectID, cfg.Queues.Push.SubscriptionID, Sub)
	cfg.Queues.Fanout.TopicID = convertPubsub(cfg.ProjectID, cfg.Queues.Fanout.TopicID, Pub)
	cfg.Queues.Fanout.SubscriptionID = convertPubsub(cfg.ProjectID, cfg.Queues.Fanout.SubscriptionID, Sub)
	cfg.Queues.Cleanup.TopicID = convertPubsub(cfg.ProjectID, cfg.Queues.Cleanup.TopicID, Pub)
	cfg.Queues.Cleanup.SubscriptionID = convertPubsub(cfg.ProjectID, cfg.Queues.Cleanup.SubscriptionID, Sub)
	cfg.Queues.Cleanup.DeadLetterTopicID = convertPubsub(cfg.ProjectID, cfg.Queues.Cleanup.DeadLetterTopicID, Pub)

	// --- 5. Create dependencies ---
	ctx := context.Background()

	deps, err := newDependencies(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize dependencies")
	}

	// --- 6. Create Authentication Middlewares ---
	httpAuthMiddleware, wsAuthMiddleware, err := newAuthMiddlewares(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize authentication middleware")
	}

	// --- 7. Create the two main services ---
	connManager, err := realtime.NewConnectionManager(
		cfg.WebSocketPort,
		wsAuthMiddleware,
		deps.Registry,
		deps.PushProducer,
		logger.With().Str("component", "ConnManager").Logger(),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create Connection Manager")
	}

	// The connection manager is the gateway the cleanup pipeline revokes
	// connections through.
	deps.Gateway = connManager

	apiService, err := notificationgateway.New(
		cfg,
		deps,
		httpAuthMiddleware,
		logger.With().Str("component", "ApiService").Logger(),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create API service")
	}

	// --- 8. Run the application ---
	app.Run(ctx, logger, apiService, connManager)
}

// newAuthMiddlewares creates the JWT-validating middlewares for the HTTP API
// and the WebSocket endpoint. Local mode substitutes a pass-through identity.
func newAuthMiddlewares(cfg *config.AppConfig, logger zerolog.Logger) (func(http.Handler) http.Handler, func(http.Handler) http.Handler, error) {
	if cfg.RunMode == "local" {
		noop := middleware.NoopAuth(true, "local-user")
		return noop, noop, nil
	}

	slogLogger := slog.New(slog.NewTextHandler(logger, nil))
	jwksURL, err := middleware.DiscoverAndValidateJWTConfig(cfg.IdentityServiceURL, middleware.RSA256, slogLogger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to discover OIDC config: %w", err)
	}
	httpAuthMiddleware, err := middleware.NewJWKSAuthMiddleware(jwksURL, slogLogger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create HTTP auth middleware: %w", err)
	}
	wsAuthMiddleware, err := middleware.NewJWKSWebsocketAuthMiddleware(jwksURL, slogLogger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create WebSocket auth middleware: %w", err)
	}
	return httpAuthMiddleware, wsAuthMiddleware, nil
}

// newDependencies builds the service dependency container.
func newDependencies(ctx context.Context, cfg *config.AppConfig, logger zerolog.Logger) (*notify.Dependencies, error) {
	if cfg.RunMode == "local" {
		logger.Warn().Msg("Running in 'local' mode. All external dependencies will be faked.")
		return cmd.NewLocalDependencies(logger), nil
	}
	return newProdDependencies(ctx, cfg, logger)
}

// newProdDependencies creates real, production-ready dependencies.
func newProdDependencies(ctx context.Context, cfg *config.AppConfig, logger zerolog.Logger) (*notify.Dependencies, error) {
	logger.Debug().Str("project_id", cfg.ProjectID).Msg("Connecting to PubSub")
	psClient, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to pubsub: %w", err)
	}

	if err := ensureTopics(ctx, cfg, psClient, logger); err != nil {
		return nil, err
	}

	registry, err := newRegistry(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection registry: %w", err)
	}

	pushConsumer, err := newQueueConsumer(ctx, psClient, &pubsubpb.Subscription{
		Name:               cfg.Queues.Push.SubscriptionID,
		Topic:              cfg.Queues.Push.TopicID,
		AckDeadlineSeconds: 10,
	}, logger)
	if err != nil {
		return nil, err
	}
	fanoutConsumer, err := newQueueConsumer(ctx, psClient, &pubsubpb.Subscription{
		Name:               cfg.Queues.Fanout.SubscriptionID,
		Topic:              cfg.Queues.Fanout.TopicID,
		AckDeadlineSeconds: 10,
	}, logger)
	if err != nil {
		return nil, err
	}
	// The cleanup pipeline tracks its own attempt counter, but a broker-level
	// dead-letter policy still catches messages that never process at all.
	cleanupConsumer, err := newQueueConsumer(ctx, psClient, &pubsubpb.Subscription{
		Name:               cfg.Queues.Cleanup.SubscriptionID,
		Topic:              cfg.Queues.Cleanup.TopicID,
		AckDeadlineSeconds: 10,
		DeadLetterPolicy: &pubsubpb.DeadLetterPolicy{
			DeadLetterTopic:     cfg.Queues.Cleanup.DeadLetterTopicID,
			MaxDeliveryAttempts: 5,
		},
	}, logger)
	if err != nil {
		return nil, err
	}

	logger.Debug().Msg("All production dependencies initialized")

	return &notify.Dependencies{
		Registry:           registry,
		PushProducer:       psub.NewPushProducer(psClient.Publisher(cfg.Queues.Push.TopicID)),
		FanoutProducer:     psub.NewFanoutProducer(psClient.Publisher(cfg.Queues.Fanout.TopicID)),
		CleanupProducer:    psub.NewCleanupProducer(psClient.Publisher(cfg.Queues.Cleanup.TopicID)),
		DeadLetterProducer: psub.NewCleanupProducer(psClient.Publisher(cfg.Queues.Cleanup.DeadLetterTopicID)),
		PushConsumer:       pushConsumer,
		FanoutConsumer:     fanoutConsumer,
		CleanupConsumer:    cleanupConsumer,
	}, nil
}

// newRegistry creates the pluggable ConnectionRegistry based on config.
func newRegistry(ctx context.Context, cfg *config.AppConfig, logger zerolog.Logger) (notify.ConnectionRegistry, error) {
	registryType := cfg.Registry.Type
	logger.Info().Str("type", registryType).Msg("Initializing connection registry...")

	switch registryType {
	case config.RegistryTypeFirestore:
		collection := cfg.Registry.Firestore.CollectionName
		if collection == "" {
			return nil, fmt.Errorf("registry type is firestore but no collection name is configured")
		}
		fsClient, err := firestore.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to firestore: %w", err)
		}
		return persistence.NewFirestoreRegistry(fsClient, collection, logger)

	case config.RegistryTypeRedis:
		redisAddr := cfg.Registry.Redis.Addr
		if redisAddr == "" {
			return nil, fmt.Errorf("registry type is redis but no address is configured (check REDIS_ADDR env var)")
		}
		rdb := redis.NewClient(&redis.Options{
			Addr: redisAddr,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis registry at %s: %w", redisAddr, err)
		}
		logger.Info().Str("addr", redisAddr).Msg("Connected to Redis registry")
		return persistence.NewRedisRegistry(rdb, logger)

	default:
		return nil, fmt.Errorf("invalid registry type: %s (must be 'firestore' or 'redis')", registryType)
	}
}

// ensureTopics creates the queue topics if they don't already exist.
func ensureTopics(ctx context.Context, cfg *config.AppConfig, psClient *pubsub.Client, logger zerolog.Logger) error {
	topics := []string{
		cfg.Queues.Push.TopicID,
		cfg.Queues.Fanout.TopicID,
		cfg.Queues.Cleanup.TopicID,
		cfg.Queues.Cleanup.DeadLetterTopicID,
	}
	for _, topic := range topics {
		logger.Debug().Str("topic", topic).Msg("Ensuring topic exists")
		_, err := psClient.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{Name: topic})
		if err != nil {
			if status.Code(err) == codes.AlreadyExists {
				logger.Debug().Str("topic", topic).Msg("Topic already exists, skipping creation")
				continue
			}
			return fmt.Errorf("could not create topic %s: %w", topic, err)
		}
	}
	return nil
}

// newQueueConsumer ensures the subscription exists and wraps it in a
// pipeline consumer.
func newQueueConsumer(ctx context.Context, psClient *pubsub.Client, subConfig *pubsubpb.Subscription, logger zerolog.Logger) (messagepipeline.MessageConsumer, error) {
	logger.Debug().Str("sub", subConfig.Name).Str("topic", subConfig.Topic).Msg("Ensuring subscription exists")
	_, err := psClient.SubscriptionAdminClient.CreateSubscription(ctx, subConfig)
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			logger.Debug().Str("sub", subConfig.Name).Msg("Subscription already exists, skipping creation")
		} else {
			return nil, fmt.Errorf("could not create sub %s: %w", subConfig.Name, err)
		}
	}

	return messagepipeline.NewGooglePubsubConsumer(
		messagepipeline.NewGooglePubsubConsumerDefaults(subConfig.Name), psClient, logger,
	)
}

// PS is a type for Pub/Sub resource types (Topic or Subscription).
type PS string

const (
	// Sub identifies a subscription resource.
	Sub PS = "subscriptions"
	// Pub identifies a topic resource.
	Pub PS = "topics"
)

// convertPubsub formats a short ID into a full GCP resource name.
func convertPubsub(project, id string, ps PS) string {
	return fmt.Sprintf("projects/%s/%s/%s", project, ps, id)
}
