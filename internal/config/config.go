// Package config handles configuration loading for otwatch.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"otwatch/internal/broadcast"
	"otwatch/internal/consumer"
	"otwatch/internal/correlation"
	"otwatch/internal/kafka"
	"otwatch/internal/poller"
	"otwatch/internal/stats"
	"otwatch/internal/threatstore"
)

// Config holds the complete application configuration.
type Config struct {
	Server      ServerConfig             `yaml:"server"`
	Ingest      IngestConfig             `yaml:"ingest"`
	Queue       QueueConfig              `yaml:"queue"`
	Validation  ValidationConfig         `yaml:"validation"`
	Auth        AuthConfig               `yaml:"auth"`
	RateLimit   RateLimitConfig          `yaml:"rate_limit"`
	Logging     LoggingConfig            `yaml:"logging"`
	Storage     StorageConfig            `yaml:"storage"`
	Consumer    consumer.Config          `yaml:"consumer"`
	Correlation correlation.Config       `yaml:"correlation"`
	Broadcast   broadcast.HubConfig      `yaml:"broadcast"`
	Stream      StreamConfig             `yaml:"stream"`
	Poller      poller.Config            `yaml:"poller"`
	Stats       StatsConfig              `yaml:"stats"`
	Kafka       KafkaConfig              `yaml:"kafka"`
	Assets      AssetsConfig             `yaml:"assets"`
}

// AssetsConfig holds the OT asset inventory settings.
type AssetsConfig struct {
	// Inventory is the path to the YAML asset inventory file. Empty
	// disables asset enrichment refresh.
	Inventory string `yaml:"inventory"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	HTTPPort     int           `yaml:"http_port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// IngestConfig holds alarm ingestion settings.
type IngestConfig struct {
	MaxBatchSize   int        `yaml:"max_batch_size"`
	MaxPayloadSize int        `yaml:"max_payload_size"`
	DTLS           DTLSConfig `yaml:"dtls"`
}

// DTLSConfig holds the DTLS (secure UDP) sensor listener settings.
type DTLSConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Address           string        `yaml:"address"`
	CertFile          string        `yaml:"cert_file"`
	KeyFile           string        `yaml:"key_file"`
	CAFile            string        `yaml:"ca_file"`
	RequireClientCert bool          `yaml:"require_client_cert"`
	Workers           int           `yaml:"workers"`
	MaxMessageSize    int           `yaml:"max_message_size"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	AllowInsecure     bool          `yaml:"allow_insecure"` // Allow fallback to plain UDP (NOT RECOMMENDED)
}

// QueueConfig holds intake queue settings.
type QueueConfig struct {
	Size int `yaml:"size"`
}

// ValidationConfig holds validation settings.
type ValidationConfig struct {
	MaxEventAge time.Duration `yaml:"max_event_age"`
	MaxFuture   time.Duration `yaml:"max_future"`
}

// AuthConfig holds authentication settings.
type AuthConfig struct {
	APIKeyHeader string   `yaml:"api_key_header"`
	APIKeys      []string `yaml:"api_keys"`
	Enabled      bool     `yaml:"enabled"`
}

// RateLimitConfig holds rate limiting settings.
type RateLimitConfig struct {
	Enabled       bool          `yaml:"enabled"`
	RequestsPerIP int           `yaml:"requests_per_ip"`
	WindowSize    time.Duration `yaml:"window_size"`
	BurstSize     int           `yaml:"burst_size"`
	CleanupPeriod time.Duration `yaml:"cleanup_period"`
	ExemptPaths   []string      `yaml:"exempt_paths"`
	TrustProxy    bool          `yaml:"trust_proxy"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	// Enabled selects ClickHouse persistence; when false an in-memory
	// store is used.
	Enabled    bool                         `yaml:"enabled"`
	ClickHouse threatstore.ClickHouseConfig `yaml:"clickhouse"`
}

// StreamConfig holds SSE stream settings.
type StreamConfig struct {
	// SubscriberTimeout caps how long one subscriber may stay attached.
	// Zero disables the cap.
	SubscriberTimeout time.Duration `yaml:"subscriber_timeout"`
}

// StatsConfig holds stats service settings.
type StatsConfig struct {
	CacheTTL time.Duration `yaml:"cache_ttl"`

	// Redis enables the shared snapshot cache; disabled falls back to
	// an in-process cache.
	RedisEnabled bool              `yaml:"redis_enabled"`
	Redis        stats.RedisConfig `yaml:"redis"`
}

// KafkaConfig holds analysis stream settings.
type KafkaConfig struct {
	Enabled bool          `yaml:"enabled"`
	Stream  *kafka.Config `yaml:"stream"`

	// ThreatTopic, when set, publishes each enriched threat to this
	// downstream topic using the stream's broker settings.
	ThreatTopic string `yaml:"threat_topic"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:     8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Ingest: IngestConfig{
			MaxBatchSize:   1000,
			MaxPayloadSize: 10 * 1024 * 1024, // 10MB
			DTLS: DTLSConfig{
				Enabled:           false, // Enable when certificates are configured
				Address:           ":5516",
				Workers:           8,
				MaxMessageSize:    65535,
				ConnectionTimeout: 30 * time.Second,
				IdleTimeout:       5 * time.Minute,
				AllowInsecure:     false,
				RequireClientCert: false,
			},
		},
		Queue: QueueConfig{
			Size: 100000,
		},
		Validation: ValidationConfig{
			MaxEventAge: 7 * 24 * time.Hour,
			MaxFuture:   5 * time.Minute,
		},
		Auth: AuthConfig{
			APIKeyHeader: "X-API-Key",
			Enabled:      false, // Disabled by default for development
		},
		RateLimit: RateLimitConfig{
			Enabled:       true,
			RequestsPerIP: 1000,
			WindowSize:    time.Minute,
			BurstSize:     50,
			CleanupPeriod: 5 * time.Minute,
			ExemptPaths:   []string{"/health", "/metrics"},
			TrustProxy:    false,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Storage: StorageConfig{
			Enabled:    false, // In-memory store by default for development
			ClickHouse: threatstore.DefaultClickHouseConfig(),
		},
		Consumer:    consumer.DefaultConfig(),
		Correlation: correlation.DefaultConfig(),
		Broadcast:   broadcast.DefaultHubConfig(),
		Stream:      StreamConfig{},
		Poller:      poller.DefaultConfig(),
		Stats: StatsConfig{
			CacheTTL:     10 * time.Second,
			RedisEnabled: false,
			Redis:        stats.DefaultRedisConfig(),
		},
		Kafka: KafkaConfig{
			Enabled: false,
			Stream:  kafka.DefaultConfig(),
		},
	}
}

// Load loads configuration from a file or returns defaults.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	// Check for config file path in environment
	configPath := os.Getenv("OTWATCH_CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	// Try to load from file
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// File doesn't exist, use defaults
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if port := os.Getenv("OTWATCH_HTTP_PORT"); port != "" {
		fmt.Sscanf(port, "%d", &c.Server.HTTPPort)
	}

	if level := os.Getenv("OTWATCH_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}

	if apiKey := os.Getenv("OTWATCH_API_KEY"); apiKey != "" {
		c.Auth.APIKeys = append(c.Auth.APIKeys, apiKey)
		c.Auth.Enabled = true
	}

	// Storage settings
	if enabled := os.Getenv("OTWATCH_STORAGE_ENABLED"); enabled == "true" {
		c.Storage.Enabled = true
	}

	if host := os.Getenv("CLICKHOUSE_HOST"); host != "" {
		c.Storage.ClickHouse.Hosts = []string{host}
	}

	if db := os.Getenv("CLICKHOUSE_DATABASE"); db != "" {
		c.Storage.ClickHouse.Database = db
	}

	if user := os.Getenv("CLICKHOUSE_USER"); user != "" {
		c.Storage.ClickHouse.Username = user
	}

	if pass := os.Getenv("CLICKHOUSE_PASSWORD"); pass != "" {
		c.Storage.ClickHouse.Password = pass
	}

	// Redis settings
	if enabled := os.Getenv("OTWATCH_REDIS_ENABLED"); enabled == "true" {
		c.Stats.RedisEnabled = true
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Stats.Redis.Addr = addr
	}

	if pass := os.Getenv("REDIS_PASSWORD"); pass != "" {
		c.Stats.Redis.Password = pass
	}

	// Kafka settings
	if enabled := os.Getenv("OTWATCH_KAFKA_ENABLED"); enabled == "true" {
		c.Kafka.Enabled = true
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		c.Kafka.Stream.Brokers = splitAndTrim(brokers, ",")
	}

	if topic := os.Getenv("OTWATCH_KAFKA_TOPIC"); topic != "" {
		c.Kafka.Stream.Topic = topic
	}

	if inventory := os.Getenv("OTWATCH_ASSET_INVENTORY"); inventory != "" {
		c.Assets.Inventory = inventory
	}

	// Rate limit settings
	if enabled := os.Getenv("OTWATCH_RATELIMIT_ENABLED"); enabled == "false" {
		c.RateLimit.Enabled = false
	}

	if rps := os.Getenv("OTWATCH_RATELIMIT_RPS"); rps != "" {
		fmt.Sscanf(rps, "%d", &c.RateLimit.RequestsPerIP)
	}

	if burst := os.Getenv("OTWATCH_RATELIMIT_BURST"); burst != "" {
		fmt.Sscanf(burst, "%d", &c.RateLimit.BurstSize)
	}
}

// splitAndTrim splits a string by separator and drops empty parts.
func splitAndTrim(s, sep string) []string {
	parts := make([]string, 0)
	for _, part := range strings.Split(s, sep) {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port: %d", c.Server.HTTPPort)
	}

	if c.Queue.Size <= 0 {
		return fmt.Errorf("queue size must be positive")
	}

	if c.Ingest.MaxBatchSize <= 0 {
		return fmt.Errorf("max_batch_size must be positive")
	}

	if c.Correlation.Window <= 0 {
		return fmt.Errorf("correlation window must be positive")
	}

	if c.Kafka.Enabled {
		if c.Kafka.Stream == nil {
			return fmt.Errorf("kafka enabled but stream settings missing")
		}
		if err := c.Kafka.Stream.Validate(); err != nil {
			return err
		}
	}

	return nil
}
