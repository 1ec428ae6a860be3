package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// getValidConfig returns a valid configuration for testing
func getValidConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:        "AgentSim",
			Version:     "0.1.0",
			Environment: "development",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			AllowedOrigins: []string{"http://localhost:3000"},
		},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "postgres",
			Password: "secure_password",
			Database: "agentsim",
			SSLMode:  "disable",
			PoolSize: 10,
		},
		Redis: RedisConfig{
			Host: "localhost",
			Port: 6379,
			DB:   0,
		},
		NATS: NATSConfig{
			Enabled:       true,
			URL:           "nats://localhost:4222",
			SubjectPrefix: "agentsim",
		},
		LLM: LLMConfig{
			BaseURL:         "https://openrouter.ai/api/v1",
			DefaultModel:    "openai/gpt-4o-mini",
			Temperature:     0,
			MaxTokens:       4096,
			Timeout:         120000,
			MinCallInterval: 2500,
			MaxRetries:      3,
			RetryBaseDelay:  1000,
			RetryMaxDelay:   30000,
			BreakerFailures: 5,
			BreakerCooldown: 60,
		},
		Council: CouncilConfig{
			StageStagger:   2000,
			StageCooldown:  3000,
			GlobalCooldown: 10000,
		},
		Engine: EngineConfig{
			MaxConcurrentSessions: 8,
			ReplayBatchSize:       200,
			ReplayBatchDelay:      50,
			HeartbeatInterval:     30,
			ConnMaxAge:            300,
			AutoStopLossPct:       50.0,
		},
		Market: MarketConfig{
			Provider:   "binance",
			CacheTTL:   60,
			MaxRetries: 3,
		},
		Monitoring: MonitoringConfig{
			PrometheusPort: 9100,
			EnableMetrics:  true,
		},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := getValidConfig()
	assert.NoError(t, cfg.Validate())
}

func TestValidate_MissingAppName(t *testing.T) {
	cfg := getValidConfig()
	cfg.App.Name = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "app.name")
}

func TestValidate_InvalidEnvironment(t *testing.T) {
	cfg := getValidConfig()
	cfg.App.Environment = "qa"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "app.environment")
}

func TestValidate_InvalidLogFormat(t *testing.T) {
	cfg := getValidConfig()
	cfg.App.LogFormat = "xml"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "app.log_format")
}

func TestValidate_InvalidServerPort(t *testing.T) {
	cfg := getValidConfig()
	cfg.Server.Port = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
}

func TestValidate_MissingDatabaseHost(t *testing.T) {
	cfg := getValidConfig()
	cfg.Database.Host = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.host")
}

func TestValidate_InvalidSSLMode(t *testing.T) {
	cfg := getValidConfig()
	cfg.Database.SSLMode = "maybe"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.ssl_mode")
}

func TestValidate_RedisDBOutOfRange(t *testing.T) {
	cfg := getValidConfig()
	cfg.Redis.DB = 42

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis.db")
}

func TestValidate_NATSEnabledWithoutURL(t *testing.T) {
	cfg := getValidConfig()
	cfg.NATS.URL = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nats.url")
}

func TestValidate_LLMBaseURLScheme(t *testing.T) {
	cfg := getValidConfig()
	cfg.LLM.BaseURL = "openrouter.ai/api/v1"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "llm.base_url")
}

func TestValidate_LLMTimeoutTooSmall(t *testing.T) {
	cfg := getValidConfig()
	cfg.LLM.Timeout = 100

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "llm.timeout")
}

func TestValidate_LLMRetryDelayOrdering(t *testing.T) {
	cfg := getValidConfig()
	cfg.LLM.RetryBaseDelay = 60000
	cfg.LLM.RetryMaxDelay = 1000

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "llm.retry_base_delay")
}

func TestValidate_EngineConnMaxAgeBelowHeartbeat(t *testing.T) {
	cfg := getValidConfig()
	cfg.Engine.HeartbeatInterval = 30
	cfg.Engine.ConnMaxAge = 10

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine.conn_max_age")
}

func TestValidate_AutoStopOutOfRange(t *testing.T) {
	cfg := getValidConfig()
	cfg.Engine.AutoStopLossPct = 150

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine.auto_stop_loss_pct")
}

func TestValidate_UnsupportedMarketProvider(t *testing.T) {
	cfg := getValidConfig()
	cfg.Market.Provider = "kraken"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "market.provider")
}

func TestValidate_ProductionRequiresDatabasePassword(t *testing.T) {
	cfg := getValidConfig()
	cfg.App.Environment = "production"
	cfg.Database.Password = ""
	cfg.Database.SSLMode = "require"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.password")
}

func TestValidate_ProductionRejectsDisabledSSL(t *testing.T) {
	cfg := getValidConfig()
	cfg.App.Environment = "production"
	cfg.Database.Password = "Tr0ub4dour&Horse-Battery"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.ssl_mode")
}

func TestValidate_ProductionRejectsWildcardOrigins(t *testing.T) {
	cfg := getValidConfig()
	cfg.App.Environment = "production"
	cfg.Database.Password = "Tr0ub4dour&Horse-Battery"
	cfg.Database.SSLMode = "require"
	cfg.Server.AllowedOrigins = []string{"*"}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.allowed_origins")
}

func TestValidate_MultipleErrorsReported(t *testing.T) {
	cfg := getValidConfig()
	cfg.App.Name = ""
	cfg.Database.Host = ""
	cfg.Market.Provider = ""

	err := cfg.Validate()
	require.Error(t, err)

	verrs, ok := err.(ValidationErrors)
	require.True(t, ok)
	assert.GreaterOrEqual(t, len(verrs), 3)
	assert.True(t, strings.Contains(err.Error(), "error(s)"))
}

func TestGetDSN(t *testing.T) {
	cfg := getValidConfig()
	dsn := cfg.Database.GetDSN()
	assert.Contains(t, dsn, "host=localhost")
	assert.Contains(t, dsn, "dbname=agentsim")
	assert.Contains(t, dsn, "sslmode=disable")
}

func TestGetRedisAddr(t *testing.T) {
	cfg := getValidConfig()
	assert.Equal(t, "localhost:6379", cfg.Redis.GetRedisAddr())
}
