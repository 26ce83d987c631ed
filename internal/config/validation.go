package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"time"
)

// Validate validates configuration values.
// Returns sentinel errors that can be checked with errors.Is().
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	// 1. Provider validation
	validProviders := []string{ProviderOpenAI, ProviderOpenRouter}
	if !slices.Contains(validProviders, c.Provider) {
		return fmt.Errorf("%w: %q is not valid, must be one of: %v",
			ErrInvalidProvider, c.Provider, validProviders)
	}

	if c.APIKey() == "" {
		envVar := "OPENAI_API_KEY"
		if c.Provider == ProviderOpenRouter {
			envVar = "OPENROUTER_API_KEY"
		}
		return fmt.Errorf("%w: %s environment variable is required", ErrMissingAPIKey, envVar)
	}

	if c.ModelName == "" {
		return fmt.Errorf("%w: model_name cannot be empty", ErrInvalidModelName)
	}

	// 2. Agent configuration validation
	validModes := []string{"default", "dynamic", "code"}
	if c.Mode != "" && !slices.Contains(validModes, c.Mode) {
		return fmt.Errorf("%w: %q is not valid, must be one of: %v",
			ErrInvalidMode, c.Mode, validModes)
	}

	if c.MaxIterations < 1 || c.MaxIterations > 100 {
		return fmt.Errorf("%w: must be between 1 and 100, got %d",
			ErrInvalidMaxIterations, c.MaxIterations)
	}

	// 3. Gateway validation
	if c.GatewayEndpoint == "" {
		return fmt.Errorf("%w: gateway_endpoint cannot be empty", ErrInvalidGatewayEndpoint)
	}
	parsed, err := url.Parse(c.GatewayEndpoint)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("%w: %q is not an absolute URL", ErrInvalidGatewayEndpoint, c.GatewayEndpoint)
	}

	// 4. Store validation
	switch c.StoreBackend {
	case StoreMemory:
		return c.validateTTLs()
	case StorePostgres:
		if err := c.validateTTLs(); err != nil {
			return err
		}
		return c.validatePostgres()
	default:
		return fmt.Errorf("%w: %q is not valid, must be %q or %q",
			ErrInvalidStoreBackend, c.StoreBackend, StoreMemory, StorePostgres)
	}
}

func (c *Config) validateTTLs() error {
	if c.GrantTTL < time.Minute {
		return fmt.Errorf("%w: grant_ttl must be at least 1m, got %s", ErrInvalidTTL, c.GrantTTL)
	}
	if c.InterruptTTL < time.Minute {
		return fmt.Errorf("%w: interrupt_ttl must be at least 1m, got %s", ErrInvalidTTL, c.InterruptTTL)
	}
	return nil
}

func (c *Config) validatePostgres() error {
	if c.PostgresHost == "" {
		return fmt.Errorf("%w: host cannot be empty", ErrInvalidPostgresHost)
	}

	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: must be between 1 and 65535, got %d", ErrInvalidPostgresPort, c.PostgresPort)
	}

	if c.PostgresDBName == "" {
		return fmt.Errorf("%w: database name cannot be empty", ErrInvalidPostgresDBName)
	}

	if c.PostgresPassword == "" {
		return fmt.Errorf("%w: postgres_password must be set in config.yaml",
			ErrInvalidPostgresPassword)
	}

	// Warn if using default dev password (but don't block - user might be in dev)
	if c.PostgresPassword == "bridge_dev_password" {
		slog.Warn("Using default development password for PostgreSQL",
			"warning", "Change postgres_password in config.yaml for production deployments")
	}

	if len(c.PostgresPassword) < 8 {
		return fmt.Errorf("%w: postgres_password must be at least 8 characters (got %d)",
			ErrInvalidPostgresPassword, len(c.PostgresPassword))
	}

	// Modern SSL modes only - exclude deprecated allow/prefer (MITM vulnerable)
	// Reference: https://www.postgresql.org/docs/current/libpq-ssl.html
	validSSLModes := []string{"disable", "require", "verify-ca", "verify-full"}
	if !slices.Contains(validSSLModes, c.PostgresSSLMode) {
		return fmt.Errorf("%w: %q is not valid, must be one of: %v",
			ErrInvalidPostgresSSLMode, c.PostgresSSLMode, validSSLModes)
	}

	return nil
}
