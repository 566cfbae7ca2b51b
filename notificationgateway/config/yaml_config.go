package config

import (
	"github.com/rs/zerolog"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
)

// --- YAML-Specific Structs ---

type YamlRedisConfig struct {
	Addr string `yaml:"addr"`
}

type YamlFirestoreConfig struct {
	CollectionName string `yaml:"collection_name"`
}

type YamlRegistryConfig struct {
	Type      string              `yaml:"type"` // "firestore" or "redis"
	Redis     YamlRedisConfig     `yaml:"redis"`
	Firestore YamlFirestoreConfig `yaml:"firestore"`
}

type YamlQueueConfig struct {
	TopicID        string `yaml:"topic_id"`
	SubscriptionID string `yaml:"subscription_id"`
}

type YamlCleanupConfig struct {
	YamlQueueConfig   `yaml:",inline"`
	DeadLetterTopicID string `yaml:"dead_letter_topic_id"`
	MaxAttempts       int    `yaml:"max_attempts"`
}

type YamlQueuesConfig struct {
	Push    YamlQueueConfig   `yaml:"push"`
	Fanout  YamlQueueConfig   `yaml:"fanout"`
	Cleanup YamlCleanupConfig `yaml:"cleanup"`
}

type YamlCorsConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	Role           string   `yaml:"role"`
}

// YamlConfig defines the structure for unmarshaling the embedded config.yaml file.
type YamlConfig struct {
	ProjectID          string             `yaml:"project_id"`
	RunMode            string             `yaml:"run_mode"`
	APIPort            string             `yaml:"api_port"`
	WebSocketPort      string             `yaml:"websocket_port"`
	IdentityServiceURL string             `yaml:"identity_service_url"`
	CorsConfig         YamlCorsConfig     `yaml:"cors"`
	Registry           YamlRegistryConfig `yaml:"registry"`
	Queues             YamlQueuesConfig   `yaml:"queues"`
	NumPipelineWorkers int                `yaml:"num_pipeline_workers"`
}

// NewConfigFromYaml converts the raw unmarshaled data into a base AppConfig.
// The result still needs UpdateConfigWithEnvOverrides before use.
func NewConfigFromYaml(yamlCfg *YamlConfig, logger zerolog.Logger) (*AppConfig, error) {
	appCfg := &AppConfig{
		ProjectID:          yamlCfg.ProjectID,
		RunMode:            yamlCfg.RunMode,
		APIPort:            yamlCfg.APIPort,
		WebSocketPort:      yamlCfg.WebSocketPort,
		IdentityServiceURL: yamlCfg.IdentityServiceURL,
		CorsConfig: middleware.CorsConfig{
			AllowedOrigins: yamlCfg.CorsConfig.AllowedOrigins,
			Role:           middleware.CorsRole(yamlCfg.CorsConfig.Role),
		},
		Registry:           yamlCfg.Registry,
		Queues:             yamlCfg.Queues,
		NumPipelineWorkers: yamlCfg.NumPipelineWorkers,
	}

	logger.Debug().
		Str("project_id", appCfg.ProjectID).
		Str("api_port", appCfg.APIPort).
		Str("websocket_port", appCfg.WebSocketPort).
		Str("registry_type", appCfg.Registry.Type).
		Msg("YAML config mapping complete")

	return appCfg, nil
}
