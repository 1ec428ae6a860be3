package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App           AppConfig          `mapstructure:"app"`
	Server        ServerConfig       `mapstructure:"server"`
	Database      DatabaseConfig     `mapstructure:"database"`
	Redis         RedisConfig        `mapstructure:"redis"`
	NATS          NATSConfig         `mapstructure:"nats"`
	LLM           LLMConfig          `mapstructure:"llm"`
	Council       CouncilConfig      `mapstructure:"council"`
	Engine        EngineConfig       `mapstructure:"engine"`
	Market        MarketConfig       `mapstructure:"market"`
	Notifications NotificationConfig `mapstructure:"notifications"`
	Telegram      TelegramConfig     `mapstructure:"telegram"`
	Monitoring    MonitoringConfig   `mapstructure:"monitoring"`
	Security      SecurityConfig     `mapstructure:"security"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // "json" or "console"
}

// ServerConfig contains REST/WebSocket server settings
type ServerConfig struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	// AuthEnabled turns on hashed-API-key authentication for the REST
	// surface. Off by default so local development needs no key setup.
	AuthEnabled bool `mapstructure:"auth_enabled"`
}

// DatabaseConfig contains PostgreSQL settings
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
	PoolSize int    `mapstructure:"pool_size"`
}

// RedisConfig contains Redis settings
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// NATSConfig contains NATS messaging settings
type NATSConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// LLMConfig contains settings for the OpenAI-compatible gateway
type LLMConfig struct {
	BaseURL         string  `mapstructure:"base_url"`
	APIKey          string  `mapstructure:"api_key"`           // fallback key when an agent has no credential ref
	DefaultModel    string  `mapstructure:"default_model"`     // used when an agent names no model
	Temperature     float64 `mapstructure:"temperature"`       // 0 for reproducible decisions
	MaxTokens       int     `mapstructure:"max_tokens"`        // fallback when the model probe fails
	Timeout         int     `mapstructure:"timeout"`           // per-attempt, ms
	MinCallInterval int     `mapstructure:"min_call_interval"` // process-wide gap between call starts, ms
	MaxRetries      int     `mapstructure:"max_retries"`
	RetryBaseDelay  int     `mapstructure:"retry_base_delay"` // ms
	RetryMaxDelay   int     `mapstructure:"retry_max_delay"`  // ms
	BreakerFailures int     `mapstructure:"breaker_failures"` // consecutive failures before the circuit opens
	BreakerCooldown int     `mapstructure:"breaker_cooldown"` // seconds the circuit stays open
	EmbeddingModel  string  `mapstructure:"embedding_model"`  // empty disables decision embeddings
}

// CouncilConfig contains multi-model deliberation settings
type CouncilConfig struct {
	StageStagger   int    `mapstructure:"stage_stagger"`   // ms between member launches in stage one
	StageCooldown  int    `mapstructure:"stage_cooldown"`  // ms between stages
	GlobalCooldown int    `mapstructure:"global_cooldown"` // ms between whole deliberations, process-wide
	ChairmanModel  string `mapstructure:"chairman_model"`  // empty means the agent's own model
}

// EngineConfig contains session runtime settings
type EngineConfig struct {
	MaxConcurrentSessions int     `mapstructure:"max_concurrent_sessions"`
	ReplayBatchSize       int     `mapstructure:"replay_batch_size"`
	ReplayBatchDelay      int     `mapstructure:"replay_batch_delay"` // ms between replay batches
	HeartbeatInterval     int     `mapstructure:"heartbeat_interval"` // seconds
	ConnMaxAge            int     `mapstructure:"conn_max_age"`       // seconds before an idle conn is reaped
	AutoStopLossPct       float64 `mapstructure:"auto_stop_loss_pct"` // forward sessions stop at this cumulative loss
}

// MarketConfig contains market data gateway settings
type MarketConfig struct {
	Provider   string `mapstructure:"provider"`  // "binance"
	BaseURL    string `mapstructure:"base_url"`  // override for testnets and mocks
	CacheTTL   int    `mapstructure:"cache_ttl"` // seconds, hot cache
	MaxRetries int    `mapstructure:"max_retries"`
}

// NotificationConfig contains push notification settings
type NotificationConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	FCMCredentialsFile string `mapstructure:"fcm_credentials_file"`
	RelaySubject       string `mapstructure:"relay_subject"` // NATS subject for cross-service fan-out
}

// TelegramConfig contains Telegram bot settings
type TelegramConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Token          string `mapstructure:"token"`
	PollingTimeout int    `mapstructure:"polling_timeout"` // long-poll seconds
	Debug          bool   `mapstructure:"debug"`
}

// MonitoringConfig contains monitoring settings
type MonitoringConfig struct {
	PrometheusPort int  `mapstructure:"prometheus_port"`
	EnableMetrics  bool `mapstructure:"enable_metrics"`
}

// SecurityConfig contains secret-material settings
type SecurityConfig struct {
	// EncryptionKey protects stored API credentials at rest. Any length
	// is accepted; it is hashed to the AES key size.
	EncryptionKey string `mapstructure:"encryption_key"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// Enable environment variable overrides
	v.AutomaticEnv()
	v.SetEnvPrefix("AGENTSIM")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; using defaults and environment variables
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "AgentSim")
	v.SetDefault("app.version", "0.1.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "json")

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("server.auth_enabled", false)

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.database", "agentsim")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.pool_size", 10)

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	// NATS defaults
	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.subject_prefix", "agentsim")

	// LLM defaults
	v.SetDefault("llm.base_url", "https://openrouter.ai/api/v1")
	v.SetDefault("llm.default_model", "openai/gpt-4o-mini")
	v.SetDefault("llm.temperature", 0.0)
	v.SetDefault("llm.max_tokens", 4096)
	v.SetDefault("llm.timeout", 120000)
	v.SetDefault("llm.min_call_interval", 2500)
	v.SetDefault("llm.max_retries", 3)
	v.SetDefault("llm.retry_base_delay", 1000)
	v.SetDefault("llm.retry_max_delay", 30000)
	v.SetDefault("llm.breaker_failures", 5)
	v.SetDefault("llm.breaker_cooldown", 60)
	v.SetDefault("llm.embedding_model", "")

	// Council defaults
	v.SetDefault("council.stage_stagger", 2000)
	v.SetDefault("council.stage_cooldown", 3000)
	v.SetDefault("council.global_cooldown", 10000)
	v.SetDefault("council.chairman_model", "")

	// Engine defaults
	v.SetDefault("engine.max_concurrent_sessions", 8)
	v.SetDefault("engine.replay_batch_size", 200)
	v.SetDefault("engine.replay_batch_delay", 50)
	v.SetDefault("engine.heartbeat_interval", 30)
	v.SetDefault("engine.conn_max_age", 300)
	v.SetDefault("engine.auto_stop_loss_pct", 50.0)

	// Market defaults
	v.SetDefault("market.provider", "binance")
	v.SetDefault("market.base_url", "")
	v.SetDefault("market.cache_ttl", 60)
	v.SetDefault("market.max_retries", 3)

	// Notification defaults
	v.SetDefault("notifications.enabled", false)
	v.SetDefault("notifications.fcm_credentials_file", "")
	v.SetDefault("notifications.relay_subject", "agentsim.notifications")

	// Telegram defaults
	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.polling_timeout", 60)
	v.SetDefault("telegram.debug", false)

	// Monitoring defaults
	v.SetDefault("monitoring.prometheus_port", 9100)
	v.SetDefault("monitoring.enable_metrics", true)

	// Security defaults; override outside development
	v.SetDefault("security.encryption_key", "agentsim-dev-encryption-key")
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// GetRedisAddr returns the Redis address
func (c *RedisConfig) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetServerAddr returns the HTTP server listen address
func (c *ServerConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetTimeout returns the per-attempt LLM timeout as time.Duration
func (c *LLMConfig) GetTimeout() time.Duration {
	return time.Duration(c.Timeout) * time.Millisecond
}

// GetMinCallInterval returns the process-wide LLM call spacing
func (c *LLMConfig) GetMinCallInterval() time.Duration {
	return time.Duration(c.MinCallInterval) * time.Millisecond
}

// GetCacheTTL returns the hot cache TTL as time.Duration
func (c *MarketConfig) GetCacheTTL() time.Duration {
	return time.Duration(c.CacheTTL) * time.Second
}
