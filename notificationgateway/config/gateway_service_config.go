package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
)

const (
	RegistryTypeFirestore = "firestore"
	RegistryTypeRedis     = "redis"

	// DefaultMaxCleanupAttempts is used when max_attempts is absent from the
	// config. A cleanup that still fails after this many attempts is routed
	// to the dead-letter topic.
	DefaultMaxCleanupAttempts = 4
)

// AppConfig is the canonical, validated configuration object used throughout
// the application. It is created by NewConfigFromYaml (Stage 1) and finalized
// by UpdateConfigWithEnvOverrides (Stage 2).
type AppConfig struct {
	ProjectID          string
	RunMode            string
	APIPort            string
	WebSocketPort      string
	IdentityServiceURL string
	CorsConfig         middleware.CorsConfig
	Registry           YamlRegistryConfig
	Queues             YamlQueuesConfig
	NumPipelineWorkers int
}

// UpdateConfigWithEnvOverrides takes the base configuration (created from YAML)
// and completes it by applying environment variables and final validation.
func UpdateConfigWithEnvOverrides(cfg *AppConfig, logger zerolog.Logger) (*AppConfig, error) {
	logger.Debug().Msg("Applying environment variable overrides...")

	if projectID := os.Getenv("GCP_PROJECT_ID"); projectID != "" {
		logger.Debug().Str("key", "GCP_PROJECT_ID").Msg("Overriding config value from env")
		cfg.ProjectID = projectID
	}
	if idURL := os.Getenv("IDENTITY_SERVICE_URL"); idURL != "" {
		logger.Debug().Str("key", "IDENTITY_SERVICE_URL").Msg("Overriding config value from env")
		cfg.IdentityServiceURL = idURL
	}
	if port := os.Getenv("API_PORT"); port != "" {
		logger.Debug().Str("key", "API_PORT").Msg("Overriding config value from env")
		cfg.APIPort = port
	}
	if port := os.Getenv("WEBSOCKET_PORT"); port != "" {
		logger.Debug().Str("key", "WEBSOCKET_PORT").Msg("Overriding config value from env")
		cfg.WebSocketPort = port
	}
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		logger.Debug().Str("key", "REDIS_ADDR").Msg("Overriding config value from env")
		cfg.Registry.Redis.Addr = redisAddr
	}
	if corsOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); corsOrigins != "" {
		logger.Debug().Str("key", "CORS_ALLOWED_ORIGINS").Msg("Overriding config value from env")
		rawOrigins := strings.Split(corsOrigins, ",")
		var cleanOrigins []string
		for _, o := range rawOrigins {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				cleanOrigins = append(cleanOrigins, trimmed)
			}
		}
		cfg.CorsConfig.AllowedOrigins = cleanOrigins
	}

	if cfg.Queues.Cleanup.MaxAttempts <= 0 {
		cfg.Queues.Cleanup.MaxAttempts = DefaultMaxCleanupAttempts
	}
	if cfg.NumPipelineWorkers <= 0 {
		cfg.NumPipelineWorkers = 5
	}

	// Local mode fakes all external dependencies, so the GCP and identity
	// settings are only required outside it.
	if cfg.RunMode != "local" {
		if cfg.ProjectID == "" {
			return nil, fmt.Errorf("GCP_PROJECT_ID is not set in config or env var")
		}
		if cfg.IdentityServiceURL == "" {
			return nil, fmt.Errorf("IDENTITY_SERVICE_URL is not set in config or env var")
		}
		switch cfg.Registry.Type {
		case RegistryTypeFirestore, RegistryTypeRedis:
		default:
			return nil, fmt.Errorf("unknown registry type %q", cfg.Registry.Type)
		}
	}

	logger.Debug().Msg("Configuration finalized and validated successfully")
	return cfg, nil
}
