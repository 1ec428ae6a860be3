package config

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// ValidatorOptions contains options for configuration validation
type ValidatorOptions struct {
	VerifyConnectivity bool // Check database/Redis/NATS connectivity
	VerifyGateway      bool // Probe the LLM gateway (enabled with --verify-gateway flag)
	Timeout            time.Duration
}

// DefaultValidatorOptions returns default validator options for startup
func DefaultValidatorOptions() ValidatorOptions {
	return ValidatorOptions{
		VerifyConnectivity: true,
		VerifyGateway:      false,
		Timeout:            5 * time.Second,
	}
}

// Validator handles configuration validation at startup
type Validator struct {
	config  *Config
	options ValidatorOptions
}

// NewValidator creates a new configuration validator
func NewValidator(config *Config, options ValidatorOptions) *Validator {
	return &Validator{
		config:  config,
		options: options,
	}
}

// ValidateStartup performs comprehensive startup validation.
// This should be called before starting any services.
func (v *Validator) ValidateStartup(ctx context.Context) error {
	log.Info().Msg("Validating configuration...")

	if err := v.validateProductionRequirements(); err != nil {
		return fmt.Errorf("production requirements validation failed: %w", err)
	}

	if err := v.config.Validate(); err != nil {
		return err
	}

	if v.options.VerifyConnectivity {
		if err := v.checkDatabaseConnectivity(ctx); err != nil {
			return fmt.Errorf("database connectivity check failed: %w", err)
		}

		if err := v.checkRedisConnectivity(ctx); err != nil {
			return fmt.Errorf("redis connectivity check failed: %w", err)
		}

		if v.config.NATS.Enabled {
			if err := v.checkNATSConnectivity(); err != nil {
				return fmt.Errorf("nats connectivity check failed: %w", err)
			}
		}
	}

	if v.options.VerifyGateway {
		if err := v.verifyGateway(ctx); err != nil {
			// The gateway is only needed once a session starts; warn and continue
			log.Warn().Err(err).Msg("LLM gateway verification failed")
		}
	}

	log.Info().Msg("Configuration validation completed")
	return nil
}

// validateProductionRequirements checks production-specific security requirements
func (v *Validator) validateProductionRequirements() error {
	if v.config.App.Environment != "production" {
		log.Debug().Str("environment", v.config.App.Environment).Msg("Non-production environment, skipping production requirements")
		return nil
	}

	log.Info().Msg("Production environment detected, enforcing production security requirements")

	var errors []string

	vaultEnabled := strings.ToLower(os.Getenv("VAULT_ENABLED"))
	if vaultEnabled == "true" || vaultEnabled == "1" {
		if os.Getenv("VAULT_ADDR") == "" {
			errors = append(errors, "VAULT_ADDR must be set when Vault is enabled")
		}

		authMethod := os.Getenv("VAULT_AUTH_METHOD")
		switch authMethod {
		case "", "token":
			if os.Getenv("VAULT_TOKEN") == "" {
				errors = append(errors, "VAULT_TOKEN must be set when using token auth method")
			}
		case "kubernetes":
			tokenPath := "/var/run/secrets/kubernetes.io/serviceaccount/token"
			if _, err := os.Stat(tokenPath); os.IsNotExist(err) {
				errors = append(errors, fmt.Sprintf("Kubernetes service account token not found at %s", tokenPath))
			}
		case "approle":
			if os.Getenv("VAULT_ROLE_ID") == "" || os.Getenv("VAULT_SECRET_ID") == "" {
				errors = append(errors, "VAULT_ROLE_ID and VAULT_SECRET_ID must be set when using approle auth method")
			}
		default:
			errors = append(errors, fmt.Sprintf("Unknown VAULT_AUTH_METHOD: %s (must be kubernetes, token, or approle)", authMethod))
		}
	}

	if v.config.Database.SSLMode == "disable" {
		errors = append(errors, "Database SSL cannot be disabled in production (set database.ssl_mode to require or stronger)")
	}

	if v.config.LLM.APIKey != "" && isPlaceholderValue(v.config.LLM.APIKey) {
		errors = append(errors, "LLM gateway API key cannot be a placeholder value in production")
	}

	if len(errors) > 0 {
		var errMsg strings.Builder
		errMsg.WriteString("production security requirements not met:\n")
		for i, err := range errors {
			errMsg.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err))
		}
		return fmt.Errorf("%s", errMsg.String())
	}

	log.Info().Msg("Production security requirements validated")
	return nil
}

// checkDatabaseConnectivity tests the database connection with a timeout
func (v *Validator) checkDatabaseConnectivity(ctx context.Context) error {
	log.Info().Msg("Checking database connectivity...")

	connCtx, cancel := context.WithTimeout(ctx, v.options.Timeout)
	defer cancel()

	var connString string
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		connString = dbURL
	} else {
		connString = v.config.Database.GetDSN()
	}

	pool, err := pgxpool.New(connCtx, connString)
	if err != nil {
		return fmt.Errorf("failed to create database connection pool: %w", err)
	}
	defer pool.Close()

	if err := pool.Ping(connCtx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	var dbName string
	if err := pool.QueryRow(connCtx, "SELECT current_database()").Scan(&dbName); err != nil {
		return fmt.Errorf("failed to verify database: %w", err)
	}

	log.Info().
		Str("database", dbName).
		Str("host", v.config.Database.Host).
		Int("port", v.config.Database.Port).
		Msg("Database connectivity check passed")

	return nil
}

// checkRedisConnectivity tests the Redis connection with a timeout
func (v *Validator) checkRedisConnectivity(ctx context.Context) error {
	log.Info().Msg("Checking Redis connectivity...")

	connCtx, cancel := context.WithTimeout(ctx, v.options.Timeout)
	defer cancel()

	client := redis.NewClient(&redis.Options{
		Addr:     v.config.Redis.GetRedisAddr(),
		Password: v.config.Redis.Password,
		DB:       v.config.Redis.DB,
	})
	defer client.Close()

	if err := client.Ping(connCtx).Err(); err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}

	log.Info().
		Str("addr", v.config.Redis.GetRedisAddr()).
		Int("db", v.config.Redis.DB).
		Msg("Redis connectivity check passed")

	return nil
}

// checkNATSConnectivity tests the NATS connection
func (v *Validator) checkNATSConnectivity() error {
	log.Info().Msg("Checking NATS connectivity...")

	nc, err := nats.Connect(v.config.NATS.URL, nats.Timeout(v.options.Timeout))
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", v.config.NATS.URL, err)
	}
	defer nc.Close()

	log.Info().Str("url", v.config.NATS.URL).Msg("NATS connectivity check passed")
	return nil
}

// verifyGateway probes the LLM gateway models endpoint
func (v *Validator) verifyGateway(ctx context.Context) error {
	modelsURL := strings.TrimSuffix(v.config.LLM.BaseURL, "/") + "/models"

	reqCtx, cancel := context.WithTimeout(ctx, v.options.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, modelsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if v.config.LLM.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+v.config.LLM.APIKey)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach LLM gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("LLM gateway models endpoint returned status %d", resp.StatusCode)
	}

	log.Info().Str("endpoint", modelsURL).Msg("LLM gateway connectivity verified")
	return nil
}

// isPlaceholderValue checks if a value is likely a placeholder
func isPlaceholderValue(value string) bool {
	lowerValue := strings.ToLower(value)
	placeholders := []string{
		"your_api_key",
		"your_secret",
		"changeme",
		"placeholder",
		"example",
		"sample",
		"demo",
	}

	for _, placeholder := range placeholders {
		if strings.Contains(lowerValue, placeholder) {
			return true
		}
	}

	return false
}
