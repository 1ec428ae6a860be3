package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Configuration validation failed with %d error(s):\n\n", len(ve)))
	for i, err := range ve {
		sb.WriteString(fmt.Sprintf("  %d. %s: %s\n", i+1, err.Field, err.Message))
	}
	sb.WriteString("\nPlease fix the above errors and try again.\n")
	return sb.String()
}

// Validate performs comprehensive configuration validation
func (c *Config) Validate() error {
	var errors ValidationErrors

	errors = append(errors, c.validateApp()...)
	errors = append(errors, c.validateServer()...)
	errors = append(errors, c.validateDatabase()...)
	errors = append(errors, c.validateRedis()...)
	errors = append(errors, c.validateNATS()...)
	errors = append(errors, c.validateLLM()...)
	errors = append(errors, c.validateCouncil()...)
	errors = append(errors, c.validateEngine()...)
	errors = append(errors, c.validateMarket()...)
	errors = append(errors, c.validateEnvironmentRequirements()...)

	if len(errors) > 0 {
		return errors
	}

	return nil
}

func (c *Config) validateApp() ValidationErrors {
	var errors ValidationErrors

	if c.App.Name == "" {
		errors = append(errors, ValidationError{
			Field:   "app.name",
			Message: "Application name is required",
		})
	}

	if c.App.Environment == "" {
		errors = append(errors, ValidationError{
			Field:   "app.environment",
			Message: "Environment is required (development, staging, or production)",
		})
	} else {
		validEnvs := []string{"development", "staging", "production"}
		valid := false
		for _, env := range validEnvs {
			if c.App.Environment == env {
				valid = true
				break
			}
		}
		if !valid {
			errors = append(errors, ValidationError{
				Field:   "app.environment",
				Message: fmt.Sprintf("Invalid environment '%s'. Must be one of: %v", c.App.Environment, validEnvs),
			})
		}
	}

	if c.App.LogLevel == "" {
		errors = append(errors, ValidationError{
			Field:   "app.log_level",
			Message: "Log level is required (debug, info, warn, error)",
		})
	}

	if c.App.LogFormat != "" && c.App.LogFormat != "json" && c.App.LogFormat != "console" {
		errors = append(errors, ValidationError{
			Field:   "app.log_format",
			Message: fmt.Sprintf("Invalid log format '%s'. Must be 'json' or 'console'", c.App.LogFormat),
		})
	}

	return errors
}

func (c *Config) validateServer() ValidationErrors {
	var errors ValidationErrors

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errors = append(errors, ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("Invalid port %d. Must be between 1 and 65535", c.Server.Port),
		})
	}

	return errors
}

func (c *Config) validateDatabase() ValidationErrors {
	var errors ValidationErrors

	if c.Database.Host == "" {
		errors = append(errors, ValidationError{
			Field:   "database.host",
			Message: "Database host is required",
		})
	}

	if c.Database.Port < 1 || c.Database.Port > 65535 {
		errors = append(errors, ValidationError{
			Field:   "database.port",
			Message: fmt.Sprintf("Invalid port %d. Must be between 1 and 65535", c.Database.Port),
		})
	}

	if c.Database.User == "" {
		errors = append(errors, ValidationError{
			Field:   "database.user",
			Message: "Database user is required",
		})
	}

	if c.Database.Database == "" {
		errors = append(errors, ValidationError{
			Field:   "database.database",
			Message: "Database name is required",
		})
	}

	if c.Database.PoolSize < 1 {
		errors = append(errors, ValidationError{
			Field:   "database.pool_size",
			Message: "Pool size must be at least 1",
		})
	}

	validSSLModes := []string{"disable", "allow", "prefer", "require", "verify-ca", "verify-full"}
	if c.Database.SSLMode != "" {
		valid := false
		for _, mode := range validSSLModes {
			if c.Database.SSLMode == mode {
				valid = true
				break
			}
		}
		if !valid {
			errors = append(errors, ValidationError{
				Field:   "database.ssl_mode",
				Message: fmt.Sprintf("Invalid SSL mode '%s'. Must be one of: %v", c.Database.SSLMode, validSSLModes),
			})
		}
	}

	return errors
}

func (c *Config) validateRedis() ValidationErrors {
	var errors ValidationErrors

	if c.Redis.Host == "" {
		errors = append(errors, ValidationError{
			Field:   "redis.host",
			Message: "Redis host is required",
		})
	}

	if c.Redis.Port < 1 || c.Redis.Port > 65535 {
		errors = append(errors, ValidationError{
			Field:   "redis.port",
			Message: fmt.Sprintf("Invalid port %d. Must be between 1 and 65535", c.Redis.Port),
		})
	}

	if c.Redis.DB < 0 || c.Redis.DB > 15 {
		errors = append(errors, ValidationError{
			Field:   "redis.db",
			Message: "Redis DB index must be between 0 and 15",
		})
	}

	return errors
}

func (c *Config) validateNATS() ValidationErrors {
	var errors ValidationErrors

	if c.NATS.Enabled && c.NATS.URL == "" {
		errors = append(errors, ValidationError{
			Field:   "nats.url",
			Message: "NATS URL is required when NATS is enabled",
		})
	}

	if c.NATS.Enabled && c.NATS.SubjectPrefix == "" {
		errors = append(errors, ValidationError{
			Field:   "nats.subject_prefix",
			Message: "NATS subject prefix is required when NATS is enabled",
		})
	}

	return errors
}

func (c *Config) validateLLM() ValidationErrors {
	var errors ValidationErrors

	if c.LLM.BaseURL == "" {
		errors = append(errors, ValidationError{
			Field:   "llm.base_url",
			Message: "LLM gateway base URL is required",
		})
	} else if !strings.HasPrefix(c.LLM.BaseURL, "http://") && !strings.HasPrefix(c.LLM.BaseURL, "https://") {
		errors = append(errors, ValidationError{
			Field:   "llm.base_url",
			Message: "LLM gateway base URL must start with http:// or https://",
		})
	}

	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		errors = append(errors, ValidationError{
			Field:   "llm.temperature",
			Message: "Temperature must be between 0 and 2",
		})
	}

	if c.LLM.Timeout < 1000 {
		errors = append(errors, ValidationError{
			Field:   "llm.timeout",
			Message: "Per-attempt timeout must be at least 1000ms",
		})
	}

	if c.LLM.MinCallInterval < 0 {
		errors = append(errors, ValidationError{
			Field:   "llm.min_call_interval",
			Message: "Minimum call interval cannot be negative",
		})
	}

	if c.LLM.MaxRetries < 0 || c.LLM.MaxRetries > 10 {
		errors = append(errors, ValidationError{
			Field:   "llm.max_retries",
			Message: "Max retries must be between 0 and 10",
		})
	}

	if c.LLM.RetryBaseDelay > 0 && c.LLM.RetryMaxDelay > 0 && c.LLM.RetryBaseDelay > c.LLM.RetryMaxDelay {
		errors = append(errors, ValidationError{
			Field:   "llm.retry_base_delay",
			Message: "Retry base delay cannot exceed retry max delay",
		})
	}

	if c.LLM.BreakerFailures < 1 {
		errors = append(errors, ValidationError{
			Field:   "llm.breaker_failures",
			Message: "Breaker failure threshold must be at least 1",
		})
	}

	return errors
}

func (c *Config) validateCouncil() ValidationErrors {
	var errors ValidationErrors

	if c.Council.StageStagger < 0 {
		errors = append(errors, ValidationError{
			Field:   "council.stage_stagger",
			Message: "Stage stagger cannot be negative",
		})
	}

	if c.Council.GlobalCooldown < 0 {
		errors = append(errors, ValidationError{
			Field:   "council.global_cooldown",
			Message: "Global cooldown cannot be negative",
		})
	}

	return errors
}

func (c *Config) validateEngine() ValidationErrors {
	var errors ValidationErrors

	if c.Engine.MaxConcurrentSessions < 1 {
		errors = append(errors, ValidationError{
			Field:   "engine.max_concurrent_sessions",
			Message: "Max concurrent sessions must be at least 1",
		})
	}

	if c.Engine.ReplayBatchSize < 1 {
		errors = append(errors, ValidationError{
			Field:   "engine.replay_batch_size",
			Message: "Replay batch size must be at least 1",
		})
	}

	if c.Engine.HeartbeatInterval < 1 {
		errors = append(errors, ValidationError{
			Field:   "engine.heartbeat_interval",
			Message: "Heartbeat interval must be at least 1 second",
		})
	}

	if c.Engine.ConnMaxAge < c.Engine.HeartbeatInterval {
		errors = append(errors, ValidationError{
			Field:   "engine.conn_max_age",
			Message: "Connection max age must be at least the heartbeat interval",
		})
	}

	if c.Engine.AutoStopLossPct <= 0 || c.Engine.AutoStopLossPct > 100 {
		errors = append(errors, ValidationError{
			Field:   "engine.auto_stop_loss_pct",
			Message: "Auto-stop loss threshold must be between 0 and 100 percent",
		})
	}

	return errors
}

func (c *Config) validateMarket() ValidationErrors {
	var errors ValidationErrors

	if c.Market.Provider == "" {
		errors = append(errors, ValidationError{
			Field:   "market.provider",
			Message: "Market data provider is required",
		})
	} else if c.Market.Provider != "binance" {
		errors = append(errors, ValidationError{
			Field:   "market.provider",
			Message: fmt.Sprintf("Unsupported market data provider '%s'. Supported: binance", c.Market.Provider),
		})
	}

	if c.Market.CacheTTL < 0 {
		errors = append(errors, ValidationError{
			Field:   "market.cache_ttl",
			Message: "Cache TTL cannot be negative",
		})
	}

	return errors
}

// validateEnvironmentRequirements enforces stricter rules in production
func (c *Config) validateEnvironmentRequirements() ValidationErrors {
	var errors ValidationErrors

	if c.App.Environment != "production" {
		return errors
	}

	if c.Database.Password == "" {
		errors = append(errors, ValidationError{
			Field:   "database.password",
			Message: "Database password is required in production",
		})
	} else {
		result := ValidateSecret(c.Database.Password, "Database password", 16, true)
		if !result.IsValid {
			for _, msg := range result.Errors {
				errors = append(errors, ValidationError{
					Field:   "database.password",
					Message: msg,
				})
			}
		}
	}

	if c.Database.SSLMode == "disable" {
		errors = append(errors, ValidationError{
			Field:   "database.ssl_mode",
			Message: "SSL must not be disabled in production",
		})
	}

	if c.LLM.APIKey != "" {
		// Provider keys are long random strings; only reject obvious placeholders
		result := ValidateSecret(c.LLM.APIKey, "LLM gateway API key", 10, false)
		if !result.IsValid {
			for _, msg := range result.Errors {
				errors = append(errors, ValidationError{
					Field:   "llm.api_key",
					Message: msg,
				})
			}
		}
	}

	for _, origin := range c.Server.AllowedOrigins {
		if origin == "*" {
			errors = append(errors, ValidationError{
				Field:   "server.allowed_origins",
				Message: "Wildcard CORS origin is not allowed in production",
			})
		}
	}

	return errors
}
