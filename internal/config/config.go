// Package config provides configuration management for relayhub.
//
// Configuration is loaded from multiple sources in this order:
// 1. Configuration files (YAML)
// 2. Environment variables
// 3. Defaults
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config represents the complete application configuration.
type Config struct {
	Auth        AuthConfig        `mapstructure:"auth"`
	Database    DatabaseConfig    `mapstructure:"database"`
	App         AppConfig         `mapstructure:"app"`
	Environment string            `mapstructure:"environment"`
	Server      ServerConfig      `mapstructure:"server"`
	Monitoring  MonitoringConfig  `mapstructure:"monitoring"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Outbox      OutboxConfig      `mapstructure:"outbox"`
	StreamBus   StreamBusConfig   `mapstructure:"stream_bus"`
	Dispatcher  DispatcherConfig  `mapstructure:"dispatcher"`
	Push        PushConfig        `mapstructure:"push"`
	Retry       RetryConfig       `mapstructure:"retry"`
	Breaker     BreakerConfig     `mapstructure:"breaker"`
}

// AppConfig contains application-level configuration.
type AppConfig struct {
	Version string `mapstructure:"version"`
	Name    string `mapstructure:"name"`
}

// ServerConfig contains HTTP and WebSocket server configuration.
type ServerConfig struct {
	Environment        string        `mapstructure:"environment"`
	Host               string        `mapstructure:"host"`
	CORSAllowedOrigins []string      `mapstructure:"cors_allowed_origins"`
	CORSAllowedHeaders []string      `mapstructure:"cors_allowed_headers"`
	CORSAllowedMethods []string      `mapstructure:"cors_allowed_methods"`
	TrustedProxies     []string      `mapstructure:"trusted_proxies"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	IdleTimeout        time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
	MaxRequestSize     int64         `mapstructure:"max_request_size"`
	Port               int           `mapstructure:"port"`
	EnableCORS         bool          `mapstructure:"enable_cors"`
}

// DatabaseConfig contains PostgreSQL database configuration.
type DatabaseConfig struct {
	SSLMode         string        `mapstructure:"ssl_mode"`
	Host            string        `mapstructure:"host"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	URL             string        `mapstructure:"url"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
	Port            int           `mapstructure:"port"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// RedisConfig contains Redis configuration for the stream bus and registry.
type RedisConfig struct {
	URL          string        `mapstructure:"url"`
	Host         string        `mapstructure:"host"`
	Password     string        `mapstructure:"password"`
	Port         int           `mapstructure:"port"`
	Database     int           `mapstructure:"database"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	Output     string `mapstructure:"output"` // stdout, stderr, file
	File       string `mapstructure:"file"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

// MonitoringConfig contains Prometheus configuration.
type MonitoringConfig struct {
	MetricsPath    string  `mapstructure:"metrics_path"`
	PrometheusPort int     `mapstructure:"prometheus_port"`
	SampleRate     float64 `mapstructure:"sample_rate"`
	Enabled        bool    `mapstructure:"enabled"`
}

// OutboxConfig controls the transactional outbox writer and reader.
type OutboxConfig struct {
	BatchSize         int           `mapstructure:"batch_size"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	RetentionPeriod   time.Duration `mapstructure:"retention_period"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
}

// StreamBusConfig controls the Redis Streams adapter.
type StreamBusConfig struct {
	TopicPrefix  string        `mapstructure:"topic_prefix"`
	MaxLen       int64         `mapstructure:"max_len"`
	ReadBlock    time.Duration `mapstructure:"read_block"`
	ReadCount    int64         `mapstructure:"read_count"`
	ClaimMinIdle time.Duration `mapstructure:"claim_min_idle"`
	OpTimeout    time.Duration `mapstructure:"op_timeout"`
}

// DispatcherConfig controls per-tenant consumer-group dispatchers.
type DispatcherConfig struct {
	IdleGracePeriod time.Duration `mapstructure:"idle_grace_period"`
	AckPolicy       string        `mapstructure:"ack_policy"` // best_effort, all_connected
	ReclaimInterval time.Duration `mapstructure:"reclaim_interval"`
}

// PushConfig controls the SSE and WebSocket endpoints and the connection
// registry backing them.
type PushConfig struct {
	QueueCapacity        int           `mapstructure:"queue_capacity"`
	OverflowPolicy        string        `mapstructure:"overflow_policy"` // drop_oldest, disconnect, block
	SSEHeartbeatDefault   time.Duration `mapstructure:"sse_heartbeat_default"`
	SSEHeartbeatOrders    time.Duration `mapstructure:"sse_heartbeat_orders"`
	SSEHeartbeatNotif     time.Duration `mapstructure:"sse_heartbeat_notifications"`
	WSPingInterval        time.Duration `mapstructure:"ws_ping_interval"`
	WSPongTimeout         time.Duration `mapstructure:"ws_pong_timeout"`
	HandlerTimeout        time.Duration `mapstructure:"handler_timeout"`
	DBQueryTimeout        time.Duration `mapstructure:"db_query_timeout"`
	BusOpTimeout          time.Duration `mapstructure:"bus_op_timeout"`
}

// RetryConfig controls backoff and dead-letter handling.
type RetryConfig struct {
	BaseDelay       time.Duration `mapstructure:"base_delay"`
	MaxDelay        time.Duration `mapstructure:"max_delay"`
	DLQAlertDepth   int64         `mapstructure:"dlq_alert_depth"`
	DLQAlertAge     time.Duration `mapstructure:"dlq_alert_age"`
}

// BreakerConfig controls the circuit breaker wrapping downstream calls.
type BreakerConfig struct {
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	MinRequests      int           `mapstructure:"min_requests"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	ProbeQuota       int           `mapstructure:"probe_quota"`
}

// Validate validates the main configuration and all sub-configurations.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config validation failed: %w", err)
	}
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database config validation failed: %w", err)
	}
	if err := c.Redis.Validate(); err != nil {
		return fmt.Errorf("redis config validation failed: %w", err)
	}
	if err := c.Auth.Validate(); err != nil {
		return fmt.Errorf("auth config validation failed: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config validation failed: %w", err)
	}
	if err := c.Outbox.Validate(); err != nil {
		return fmt.Errorf("outbox config validation failed: %w", err)
	}
	if err := c.Push.Validate(); err != nil {
		return fmt.Errorf("push config validation failed: %w", err)
	}
	return nil
}

// Validate validates server configuration.
func (sc *ServerConfig) Validate() error {
	if sc.Port <= 0 || sc.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 1-65535)", sc.Port)
	}
	if sc.Host == "" {
		return errors.New("host cannot be empty")
	}
	if sc.MaxRequestSize <= 0 {
		return errors.New("max_request_size must be positive")
	}
	return nil
}

// Validate validates database configuration.
func (dc *DatabaseConfig) Validate() error {
	if dc.URL != "" {
		if dc.MaxOpenConns < 0 || dc.MaxIdleConns < 0 {
			return errors.New("connection pool sizes cannot be negative")
		}
		return nil
	}
	if dc.Host == "" {
		return errors.New("either url or host must be provided")
	}
	if dc.Port <= 0 || dc.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 1-65535)", dc.Port)
	}
	if dc.User == "" || dc.Database == "" {
		return errors.New("user and database name are required when using individual fields")
	}
	return nil
}

// Validate validates Redis configuration.
func (rc *RedisConfig) Validate() error {
	if rc.URL != "" {
		if rc.PoolSize < 0 {
			return errors.New("pool_size cannot be negative")
		}
		return nil
	}
	if rc.Host == "" {
		return errors.New("either url or host must be provided for redis")
	}
	if rc.Port <= 0 || rc.Port > 65535 {
		return fmt.Errorf("invalid redis port: %d (must be 1-65535)", rc.Port)
	}
	if rc.Database < 0 || rc.Database > 15 {
		return fmt.Errorf("invalid redis database number: %d (must be 0-15)", rc.Database)
	}
	return nil
}

// Validate validates logging configuration.
func (lc *LoggingConfig) Validate() error {
	validLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLevels, lc.Level) {
		return fmt.Errorf("invalid log level: %s (must be one of %v)", lc.Level, validLevels)
	}
	validFormats := []string{"json", "text"}
	if !contains(validFormats, lc.Format) {
		return fmt.Errorf("invalid log format: %s (must be one of %v)", lc.Format, validFormats)
	}
	validOutputs := []string{"stdout", "stderr", "file"}
	if !contains(validOutputs, lc.Output) {
		return fmt.Errorf("invalid log output: %s (must be one of %v)", lc.Output, validOutputs)
	}
	if lc.Output == "file" && lc.File == "" {
		return errors.New("file path is required when output is 'file'")
	}
	return nil
}

// Validate validates outbox configuration.
func (oc *OutboxConfig) Validate() error {
	if oc.BatchSize <= 0 {
		return errors.New("outbox.batch_size must be positive")
	}
	if oc.MaxAttempts <= 0 {
		return errors.New("outbox.max_attempts must be positive")
	}
	if oc.VisibilityTimeout <= 0 {
		return errors.New("outbox.visibility_timeout must be positive")
	}
	return nil
}

// Validate validates push/registry configuration.
func (pc *PushConfig) Validate() error {
	if pc.QueueCapacity <= 0 {
		return errors.New("push.queue_capacity must be positive")
	}
	switch pc.OverflowPolicy {
	case "drop_oldest", "disconnect", "block":
	default:
		return fmt.Errorf("push.overflow_policy must be one of drop_oldest, disconnect, block (got %q)", pc.OverflowPolicy)
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// Load reads configuration from defaults, ./configs/config.yaml (if
// present) and environment variables, in that order of increasing
// precedence: an environment variable overrides the file, and the file
// overrides a default.
func Load() (*Config, error) {
	_ = godotenv.Load(".env")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/relayhub")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	//nolint:errcheck
	viper.BindEnv("database.url", "DATABASE_URL")
	//nolint:errcheck
	viper.BindEnv("redis.url", "REDIS_URL")
	//nolint:errcheck
	viper.BindEnv("server.port", "PORT")
	//nolint:errcheck
	viper.BindEnv("server.environment", "ENV")
	//nolint:errcheck
	viper.BindEnv("logging.level", "LOG_LEVEL")
	//nolint:errcheck
	viper.BindEnv("logging.format", "LOG_FORMAT")
	//nolint:errcheck
	viper.BindEnv("server.cors_allowed_origins", "CORS_ALLOWED_ORIGINS")
	//nolint:errcheck
	viper.BindEnv("auth.jwt_signing_method", "JWT_SIGNING_METHOD")
	//nolint:errcheck
	viper.BindEnv("auth.jwt_issuer", "JWT_ISSUER")
	//nolint:errcheck
	viper.BindEnv("auth.jwt_secret", "JWT_SECRET")
	//nolint:errcheck
	viper.BindEnv("database.host", "DB_HOST")
	//nolint:errcheck
	viper.BindEnv("database.port", "DB_PORT")
	//nolint:errcheck
	viper.BindEnv("database.user", "DB_USER")
	//nolint:errcheck
	viper.BindEnv("database.password", "DB_PASSWORD")
	//nolint:errcheck
	viper.BindEnv("database.database", "DB_NAME")
	//nolint:errcheck
	viper.BindEnv("database.ssl_mode", "DB_SSLMODE")
	//nolint:errcheck
	viper.BindEnv("database.auto_migrate", "DB_AUTO_MIGRATE")
	//nolint:errcheck
	viper.BindEnv("database.migrations_path", "DATABASE_MIGRATIONS_PATH")
	//nolint:errcheck
	viper.BindEnv("push.overflow_policy", "PUSH_OVERFLOW_POLICY")
	//nolint:errcheck
	viper.BindEnv("push.queue_capacity", "PUSH_QUEUE_CAPACITY")

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults() {
	viper.SetDefault("app.name", "relayhub")
	viper.SetDefault("app.version", "0.1.0")
	viper.SetDefault("environment", "development")

	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", 15*time.Second)
	viper.SetDefault("server.write_timeout", 15*time.Second)
	viper.SetDefault("server.idle_timeout", 60*time.Second)
	viper.SetDefault("server.shutdown_timeout", 15*time.Second)
	viper.SetDefault("server.max_request_size", 10*1024*1024)
	viper.SetDefault("server.enable_cors", true)
	viper.SetDefault("server.cors_allowed_origins", []string{"*"})
	viper.SetDefault("server.cors_allowed_methods", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"})
	viper.SetDefault("server.cors_allowed_headers", []string{"Origin", "Content-Type", "Authorization"})

	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 10)
	viper.SetDefault("database.conn_max_lifetime", 30*time.Minute)
	viper.SetDefault("database.auto_migrate", false)
	viper.SetDefault("database.migrations_path", "migrations/postgres")

	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.database", 0)
	viper.SetDefault("redis.pool_size", 10)
	viper.SetDefault("redis.min_idle_conns", 2)
	viper.SetDefault("redis.dial_timeout", 5*time.Second)
	viper.SetDefault("redis.read_timeout", 3*time.Second)
	viper.SetDefault("redis.write_timeout", 3*time.Second)
	viper.SetDefault("redis.max_retries", 3)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.output", "stdout")

	viper.SetDefault("monitoring.enabled", true)
	viper.SetDefault("monitoring.metrics_path", "/metrics")
	viper.SetDefault("monitoring.prometheus_port", 9090)
	viper.SetDefault("monitoring.sample_rate", 1.0)

	viper.SetDefault("auth.access_token_ttl", 15*time.Minute)
	viper.SetDefault("auth.refresh_token_ttl", 7*24*time.Hour)
	viper.SetDefault("auth.token_rotation_enabled", true)
	viper.SetDefault("auth.jwt_signing_method", "HS256")
	viper.SetDefault("auth.jwt_issuer", "relayhub")

	viper.SetDefault("outbox.batch_size", 100)
	viper.SetDefault("outbox.poll_interval", 100*time.Millisecond)
	viper.SetDefault("outbox.visibility_timeout", 30*time.Second)
	viper.SetDefault("outbox.max_attempts", 8)
	viper.SetDefault("outbox.retention_period", 24*time.Hour)
	viper.SetDefault("outbox.sweep_interval", 10*time.Minute)

	viper.SetDefault("stream_bus.topic_prefix", "relayhub")
	viper.SetDefault("stream_bus.max_len", 100000)
	viper.SetDefault("stream_bus.read_block", 2*time.Second)
	viper.SetDefault("stream_bus.read_count", 50)
	viper.SetDefault("stream_bus.claim_min_idle", 30*time.Second)
	viper.SetDefault("stream_bus.op_timeout", 2*time.Second)

	viper.SetDefault("dispatcher.idle_grace_period", 5*time.Minute)
	viper.SetDefault("dispatcher.ack_policy", "best_effort")
	viper.SetDefault("dispatcher.reclaim_interval", 30*time.Second)

	viper.SetDefault("push.queue_capacity", 256)
	viper.SetDefault("push.overflow_policy", "disconnect")
	viper.SetDefault("push.sse_heartbeat_default", 30*time.Second)
	viper.SetDefault("push.sse_heartbeat_orders", 45*time.Second)
	viper.SetDefault("push.sse_heartbeat_notifications", 60*time.Second)
	viper.SetDefault("push.ws_ping_interval", 30*time.Second)
	viper.SetDefault("push.ws_pong_timeout", 10*time.Second)
	viper.SetDefault("push.handler_timeout", 10*time.Second)
	viper.SetDefault("push.db_query_timeout", 5*time.Second)
	viper.SetDefault("push.bus_op_timeout", 2*time.Second)

	viper.SetDefault("retry.base_delay", 1*time.Second)
	viper.SetDefault("retry.max_delay", 60*time.Second)
	viper.SetDefault("retry.dlq_alert_depth", 1000)
	viper.SetDefault("retry.dlq_alert_age", 1*time.Hour)

	viper.SetDefault("breaker.failure_threshold", 0.5)
	viper.SetDefault("breaker.min_requests", 20)
	viper.SetDefault("breaker.cooldown_period", 30*time.Second)
	viper.SetDefault("breaker.probe_quota", 5)
}

// GetServerAddress returns the host:port the HTTP server should bind to.
func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// GetDatabaseURL returns the PostgreSQL connection URL.
func (c *Config) GetDatabaseURL() string {
	if c.Database.URL != "" {
		return c.Database.URL
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.User, c.Database.Password, c.Database.Host,
		c.Database.Port, c.Database.Database, c.Database.SSLMode)
}

// GetRedisURL returns the Redis connection URL.
func (c *Config) GetRedisURL() string {
	if c.Redis.URL != "" {
		return c.Redis.URL
	}
	if c.Redis.Password != "" {
		return fmt.Sprintf("redis://:%s@%s:%d/%d",
			c.Redis.Password, c.Redis.Host, c.Redis.Port, c.Redis.Database)
	}
	return fmt.Sprintf("redis://%s:%d/%d", c.Redis.Host, c.Redis.Port, c.Redis.Database)
}

// IsDevelopment returns true if running in development environment.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// IsProduction returns true if running in production environment.
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}
