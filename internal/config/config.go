package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all gateway configuration. Priority: environment variables
// over .env file over defaults.
type Config struct {
	// Server basics
	Addr   string `env:"GW_ADDR" envDefault:":3002"`
	WSPath string `env:"GW_WS_PATH" envDefault:"/api/ws"`

	// Auth
	AuthSecret string `env:"GW_AUTH_SECRET,required"`
	AuthIssuer string `env:"GW_AUTH_ISSUER" envDefault:"ws-gateway"`

	// Capacity
	MaxConnections int `env:"GW_MAX_CONNECTIONS" envDefault:"10000"`
	SendQueueSize  int `env:"GW_SEND_QUEUE_SIZE" envDefault:"1024"`

	// Per-connection message rate limit (token bucket)
	MessageRate  float64 `env:"GW_MESSAGE_RATE" envDefault:"10"`
	MessageBurst int     `env:"GW_MESSAGE_BURST" envDefault:"30"`

	// Handshake throttle
	HandshakeIPRate  float64       `env:"GW_HANDSHAKE_IP_RATE" envDefault:"5"`
	HandshakeIPBurst int           `env:"GW_HANDSHAKE_IP_BURST" envDefault:"5"`
	HandshakeIPTTL   time.Duration `env:"GW_HANDSHAKE_IP_TTL" envDefault:"5m"`
	HandshakeGlobal  float64       `env:"GW_HANDSHAKE_GLOBAL_RATE" envDefault:"0"`

	// Timeouts
	RequestTimeout      time.Duration `env:"GW_REQUEST_TIMEOUT" envDefault:"10s"`
	SlowConsumerTimeout time.Duration `env:"GW_SLOW_CONSUMER_TIMEOUT" envDefault:"5s"`
	HeartbeatInterval   time.Duration `env:"GW_HEARTBEAT_INTERVAL" envDefault:"30s"`
	ShutdownGrace       time.Duration `env:"GW_SHUTDOWN_GRACE" envDefault:"5s"`
	WriteTimeout        time.Duration `env:"GW_WRITE_TIMEOUT" envDefault:"5s"`

	// Worker pool for handler invocations
	WorkerCount     int `env:"GW_WORKER_COUNT" envDefault:"16"`
	WorkerQueueSize int `env:"GW_WORKER_QUEUE_SIZE" envDefault:"1600"`

	// Offline queue
	OfflineDir          string        `env:"GW_OFFLINE_DIR" envDefault:"./data/offline"`
	OfflineRetention    time.Duration `env:"GW_OFFLINE_RETENTION" envDefault:"168h"`
	OfflinePerPrincipal int           `env:"GW_OFFLINE_PER_PRINCIPAL" envDefault:"1000"`

	// External event bus (optional; empty URL disables the bridge)
	NATSURL           string `env:"GW_NATS_URL"`
	NATSSubjectPrefix string `env:"GW_NATS_SUBJECT_PREFIX" envDefault:"gw.events"`

	// Kafka market feed (optional; empty broker list disables it)
	KafkaBrokers []string `env:"GW_KAFKA_BROKERS"`
	KafkaTopic   string   `env:"GW_KAFKA_TOPIC" envDefault:"gateway-events"`
	KafkaGroup   string   `env:"GW_KAFKA_GROUP" envDefault:"ws-gateway"`

	// Monitoring
	MetricsInterval time.Duration `env:"GW_METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from the .env file (if present) and the
// environment, then validates it.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err == nil && logger != nil {
		logger.Info().Msg("loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks ranges and enums.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("GW_ADDR is required")
	}
	if c.AuthSecret == "" {
		return fmt.Errorf("GW_AUTH_SECRET is required")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("GW_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.SendQueueSize < 1 {
		return fmt.Errorf("GW_SEND_QUEUE_SIZE must be > 0, got %d", c.SendQueueSize)
	}
	if c.MessageRate <= 0 || c.MessageBurst < 1 {
		return fmt.Errorf("message rate limit must be positive (rate %.1f, burst %d)", c.MessageRate, c.MessageBurst)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("GW_REQUEST_TIMEOUT must be positive")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("GW_HEARTBEAT_INTERVAL must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validFormats := map[string]bool{"json": true, "pretty": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// LogConfig dumps the effective configuration at startup. The auth secret
// is never logged.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("addr", c.Addr).
		Str("ws_path", c.WSPath).
		Int("max_connections", c.MaxConnections).
		Int("send_queue_size", c.SendQueueSize).
		Float64("message_rate", c.MessageRate).
		Int("message_burst", c.MessageBurst).
		Dur("request_timeout", c.RequestTimeout).
		Dur("slow_consumer_timeout", c.SlowConsumerTimeout).
		Dur("heartbeat_interval", c.HeartbeatInterval).
		Dur("shutdown_grace", c.ShutdownGrace).
		Str("offline_dir", c.OfflineDir).
		Dur("offline_retention", c.OfflineRetention).
		Str("nats_url", c.NATSURL).
		Str("log_level", c.LogLevel).
		Msg("gateway configuration loaded")
}
