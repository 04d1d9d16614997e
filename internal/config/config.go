package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/toolaudit/internal/shipper"
	"github.com/gosuda/toolaudit/internal/sink"
	redisstore "github.com/gosuda/toolaudit/internal/store/redis"
)

// Sink kinds selectable with TOOLAUDIT_SINK_KIND.
const (
	SinkHTTP     = "http"
	SinkRedis    = "redis"
	SinkPostgres = "postgres"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	Audit   AuditConfig
	Sink    SinkConfig
	Redis   RedisConfig
	Shipper ShipperConfig
	Slack   SlackConfig
	Server  ServerConfig
}

// AuditConfig identifies the connector and where its entries are buffered.
type AuditConfig struct {
	Source    string
	SessionID string
	Model     string
	BufferDir string
}

// SinkConfig selects and addresses the remote destination.
type SinkConfig struct {
	Kind        string
	Endpoint    string
	APIKey      string //nolint:gosec // G117: sink credential config
	Format      sink.Format
	RPS         int
	DatabaseURL string //nolint:gosec // G117: DB connection config
	MaxConns    int
}

// RedisConfig holds Redis connection settings for the redis sink.
type RedisConfig struct {
	Addr     string
	Password string //nolint:gosec // G117: Redis connection config
	DB       int
	Key      string
}

// ShipperConfig holds batching and retry settings.
type ShipperConfig struct {
	BatchSize         int
	FlushInterval     time.Duration
	RetryAttempts     int
	RetryDelay        time.Duration
	RequestTimeout    time.Duration
	OnDeliveryFailure shipper.FailurePolicy
}

// SlackConfig holds settings for delivery failure alerts.
type SlackConfig struct {
	BotToken string
	Channel  string
}

// ServerConfig holds ops API settings.
type ServerConfig struct {
	Enabled      bool
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	CORSOrigins  []string
	JWTSecret    string //nolint:gosec // G117: JWT signing secret config
}

// Load reads configuration from environment variables.
// Only TOOLAUDIT_SOURCE is required; without a sink endpoint entries are
// buffered locally and never shipped.
func Load() (*Config, error) {
	sinkRPS, err := getEnvInt("TOOLAUDIT_SINK_RPS", 0)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	maxConns, err := getEnvInt("TOOLAUDIT_DB_MAX_CONNS", 4)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	redisDB, err := getEnvInt("TOOLAUDIT_REDIS_DB", 0)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	batchSize, err := getEnvInt("TOOLAUDIT_BATCH_SIZE", 100)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	flushMS, err := getEnvInt("TOOLAUDIT_FLUSH_INTERVAL_MS", 60000)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	retryAttempts, err := getEnvInt("TOOLAUDIT_RETRY_ATTEMPTS", 3)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	retryDelayMS, err := getEnvInt("TOOLAUDIT_RETRY_DELAY_MS", 1000)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	requestTimeout, err := getEnvDuration("TOOLAUDIT_REQUEST_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	policy, err := shipper.ParseFailurePolicy(getEnv("TOOLAUDIT_ON_DELIVERY_FAILURE", ""))
	if err != nil {
		return nil, fmt.Errorf("config.Load: TOOLAUDIT_ON_DELIVERY_FAILURE: %w", err)
	}

	endpoint := getEnv("TOOLAUDIT_SINK_ENDPOINT", "")
	format, err := sink.ResolveFormat(getEnv("TOOLAUDIT_SINK_FORMAT", ""), endpoint)
	if err != nil {
		return nil, fmt.Errorf("config.Load: TOOLAUDIT_SINK_FORMAT: %w", err)
	}

	serverEnabled, err := getEnvBool("TOOLAUDIT_SERVER_ENABLED", true)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	readTimeout, err := getEnvDuration("TOOLAUDIT_SERVER_READ_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	writeTimeout, err := getEnvDuration("TOOLAUDIT_SERVER_WRITE_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	cfg := &Config{
		Audit: AuditConfig{
			Source:    getEnv("TOOLAUDIT_SOURCE", ""),
			SessionID: getEnv("TOOLAUDIT_SESSION_ID", uuid.NewString()),
			Model:     getEnv("TOOLAUDIT_MODEL", "unknown"),
			BufferDir: getEnv("TOOLAUDIT_BUFFER_DIR", "./audit-buffer"),
		},
		Sink: SinkConfig{
			Kind:        getEnv("TOOLAUDIT_SINK_KIND", SinkHTTP),
			Endpoint:    endpoint,
			APIKey:      getEnv("TOOLAUDIT_SINK_API_KEY", ""),
			Format:      format,
			RPS:         sinkRPS,
			DatabaseURL: getEnv("TOOLAUDIT_DATABASE_URL", ""),
			MaxConns:    maxConns,
		},
		Redis: RedisConfig{
			Addr:     getEnv("TOOLAUDIT_REDIS_ADDR", "localhost:6379"),
			Password: getEnv("TOOLAUDIT_REDIS_PASSWORD", ""),
			DB:       redisDB,
			Key:      getEnv("TOOLAUDIT_REDIS_KEY", redisstore.DefaultKey),
		},
		Shipper: ShipperConfig{
			BatchSize:         batchSize,
			FlushInterval:     time.Duration(flushMS) * time.Millisecond,
			RetryAttempts:     retryAttempts,
			RetryDelay:        time.Duration(retryDelayMS) * time.Millisecond,
			RequestTimeout:    requestTimeout,
			OnDeliveryFailure: policy,
		},
		Slack: SlackConfig{
			BotToken: getEnv("TOOLAUDIT_SLACK_BOT_TOKEN", ""),
			Channel:  getEnv("TOOLAUDIT_SLACK_CHANNEL", ""),
		},
		Server: ServerConfig{
			Enabled:      serverEnabled,
			Addr:         getEnv("TOOLAUDIT_SERVER_ADDR", ":8090"),
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
			CORSOrigins:  getEnvList("TOOLAUDIT_CORS_ORIGINS", nil),
			JWTSecret:    getEnv("TOOLAUDIT_OPS_JWT_SECRET", ""),
		},
	}

	err = cfg.validate()
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	return cfg, nil
}

// validate checks required fields and value bounds.
func (c *Config) validate() error {
	if c.Audit.Source == "" {
		return errors.New("TOOLAUDIT_SOURCE is required")
	}
	if strings.ContainsAny(c.Audit.Source, `/\`) || strings.HasPrefix(c.Audit.Source, ".") {
		return fmt.Errorf("TOOLAUDIT_SOURCE must not contain path separators or start with '.', got %q", c.Audit.Source)
	}
	if c.Audit.BufferDir == "" {
		return errors.New("TOOLAUDIT_BUFFER_DIR must not be empty")
	}

	switch c.Sink.Kind {
	case SinkHTTP:
	case SinkRedis:
		if c.Redis.Addr == "" {
			return errors.New("TOOLAUDIT_REDIS_ADDR is required for the redis sink")
		}
	case SinkPostgres:
		if c.Sink.DatabaseURL == "" {
			return errors.New("TOOLAUDIT_DATABASE_URL is required for the postgres sink")
		}
	default:
		return fmt.Errorf("TOOLAUDIT_SINK_KIND must be one of http, redis, postgres, got %q", c.Sink.Kind)
	}

	// Bounds checks.
	if c.Sink.RPS < 0 {
		return fmt.Errorf("TOOLAUDIT_SINK_RPS must be >= 0, got %d", c.Sink.RPS)
	}
	if c.Sink.MaxConns < 1 {
		return fmt.Errorf("TOOLAUDIT_DB_MAX_CONNS must be >= 1, got %d", c.Sink.MaxConns)
	}
	if c.Shipper.BatchSize < 1 {
		return fmt.Errorf("TOOLAUDIT_BATCH_SIZE must be >= 1, got %d", c.Shipper.BatchSize)
	}
	if c.Shipper.FlushInterval <= 0 {
		return fmt.Errorf("TOOLAUDIT_FLUSH_INTERVAL_MS must be positive, got %s", c.Shipper.FlushInterval)
	}
	if c.Shipper.RetryAttempts < 1 {
		return fmt.Errorf("TOOLAUDIT_RETRY_ATTEMPTS must be >= 1, got %d", c.Shipper.RetryAttempts)
	}
	if c.Shipper.RetryDelay < 0 {
		return fmt.Errorf("TOOLAUDIT_RETRY_DELAY_MS must be >= 0, got %s", c.Shipper.RetryDelay)
	}
	if c.Shipper.RequestTimeout <= 0 {
		return fmt.Errorf("TOOLAUDIT_REQUEST_TIMEOUT must be positive, got %s", c.Shipper.RequestTimeout)
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("TOOLAUDIT_SERVER_READ_TIMEOUT must be positive, got %s", c.Server.ReadTimeout)
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("TOOLAUDIT_SERVER_WRITE_TIMEOUT must be positive, got %s", c.Server.WriteTimeout)
	}

	if c.Server.JWTSecret != "" && len(c.Server.JWTSecret) < 32 {
		return errors.New("TOOLAUDIT_OPS_JWT_SECRET must be at least 32 characters")
	}
	if c.Server.Enabled && c.Server.JWTSecret == "" {
		log.Warn().Msg("TOOLAUDIT_OPS_JWT_SECRET is not set; the ops API accepts unauthenticated requests")
	}
	if c.Slack.BotToken != "" && c.Slack.Channel == "" {
		return errors.New("TOOLAUDIT_SLACK_CHANNEL is required when TOOLAUDIT_SLACK_BOT_TOKEN is set")
	}

	return nil
}

// SinkConfigured reports whether entries are shipped anywhere. The http
// sink without an endpoint means local buffering only.
func (c *Config) SinkConfigured() bool {
	if c.Sink.Kind == SinkHTTP {
		return c.Sink.Endpoint != ""
	}
	return true
}

// AlertsConfigured reports whether delivery failures are posted to Slack.
func (c *Config) AlertsConfigured() bool {
	return c.Slack.BotToken != ""
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as int: %w", key, v, err)
	}
	return n, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("parsing %s=%q as bool: %w", key, v, err)
	}
	return b, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as duration: %w", key, v, err)
	}
	return d, nil
}

func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
