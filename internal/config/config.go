// Package config provides application configuration management with multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (~/.mcp-bridge/config.yaml)
//  3. Default values (sensible defaults for quick start)
//
// Main configuration categories:
//   - Provider: chat-completion backend selection and model
//   - Gateway: MCP gateway endpoint and server catalog location
//   - Store: tenant state backend, PostgreSQL connection, TTLs
//   - Tracing: OTLP exporter endpoint (see internal/observability)
//
// Security: API keys and passwords are never logged; config directory uses 0750 permissions.
//
// Error Handling:
//   - Uses sentinel errors for Go-idiomatic error checking with errors.Is()
//   - Wrap with context using fmt.Errorf("%w: details", ErrXxx)
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrMissingAPIKey indicates a required API key is missing.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrInvalidProvider indicates the chat provider is not supported.
	ErrInvalidProvider = errors.New("invalid provider")

	// ErrInvalidModelName indicates the model name is invalid.
	ErrInvalidModelName = errors.New("invalid model name")

	// ErrInvalidMode indicates the agent mode is not recognized.
	ErrInvalidMode = errors.New("invalid agent mode")

	// ErrInvalidMaxIterations indicates the iteration budget is out of range.
	ErrInvalidMaxIterations = errors.New("invalid max iterations")

	// ErrInvalidGatewayEndpoint indicates the gateway endpoint is invalid.
	ErrInvalidGatewayEndpoint = errors.New("invalid gateway endpoint")

	// ErrInvalidStoreBackend indicates the state store backend is not supported.
	ErrInvalidStoreBackend = errors.New("invalid store backend")

	// ErrInvalidTTL indicates a TTL value is out of range.
	ErrInvalidTTL = errors.New("invalid TTL")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is invalid.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates the PostgreSQL database name is invalid.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")

	// ErrInvalidPostgresPassword indicates the PostgreSQL password is invalid.
	ErrInvalidPostgresPassword = errors.New("invalid PostgreSQL password")

	// ErrInvalidPostgresSSLMode indicates the PostgreSQL SSL mode is invalid.
	ErrInvalidPostgresSSLMode = errors.New("invalid PostgreSQL SSL mode")
)

// Chat provider identifiers used in Config.Provider.
const (
	ProviderOpenAI     = "openai"
	ProviderOpenRouter = "openrouter"
)

// State store backend identifiers used in Config.StoreBackend.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Config stores application configuration.
// SECURITY: Sensitive fields are explicitly masked in MarshalJSON().
// When adding new sensitive fields (passwords, API keys, tokens), update MarshalJSON.
type Config struct {
	// Chat provider and model configuration
	Provider      string  `mapstructure:"provider" json:"provider"`       // "openai" (default) or "openrouter"
	ModelName     string  `mapstructure:"model_name" json:"model_name"`   // Model identifier (e.g., "gpt-4o", "anthropic/claude-sonnet-4")
	BaseURL       string  `mapstructure:"base_url" json:"base_url"`       // Optional endpoint override
	RateLimit     float64 `mapstructure:"rate_limit" json:"rate_limit"`   // Requests per second to the provider, 0 disables
	MaxIterations int     `mapstructure:"max_iterations" json:"max_iterations"`
	Mode          string  `mapstructure:"mode" json:"mode"` // "default", "dynamic", or "code"

	// Gateway configuration
	GatewayEndpoint string `mapstructure:"gateway_endpoint" json:"gateway_endpoint"`
	RegistryDir     string `mapstructure:"registry_dir" json:"registry_dir"` // Server catalog YAML directory

	// State store configuration (see storage.go for connection helpers)
	StoreBackend     string        `mapstructure:"store_backend" json:"store_backend"` // "memory" (default) or "postgres"
	GrantTTL         time.Duration `mapstructure:"grant_ttl" json:"grant_ttl"`
	InterruptTTL     time.Duration `mapstructure:"interrupt_ttl" json:"interrupt_ttl"`
	PostgresHost     string        `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int           `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string        `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string        `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE: masked in MarshalJSON
	PostgresDBName   string        `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string        `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	// Logging configuration
	LogLevel string `mapstructure:"log_level" json:"log_level"`
	LogJSON  bool   `mapstructure:"log_json" json:"log_json"`

	// Tracing configuration
	TracingEndpoint    string `mapstructure:"tracing_endpoint" json:"tracing_endpoint"`
	TracingEnvironment string `mapstructure:"tracing_environment" json:"tracing_environment"`
	ServiceName        string `mapstructure:"service_name" json:"service_name"`
}

// Load loads configuration.
// Priority: Environment variables > Configuration file > Default values
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".mcp-bridge")

	// Ensure directory exists (use 0750 permission for better security)
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)
	viper.AddConfigPath(".") // Also support current directory

	setDefaults()
	bindEnvVariables()

	// Read configuration file (if exists)
	if err := viper.ReadInConfig(); err != nil {
		// Configuration file not found is not an error, use default values
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using default values",
			"search_paths", []string{configDir, "."},
			"config_name", "config.yaml")
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	// Parse DATABASE_URL if set (highest priority for PostgreSQL config)
	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	// Validate immediately (fail-fast)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets all default configuration values.
func setDefaults() {
	// Provider defaults
	viper.SetDefault("provider", ProviderOpenAI)
	viper.SetDefault("model_name", "gpt-4o")
	viper.SetDefault("rate_limit", 0)
	viper.SetDefault("max_iterations", 10)
	viper.SetDefault("mode", "default")

	// Gateway defaults (Docker MCP gateway on its standard port)
	viper.SetDefault("gateway_endpoint", "http://localhost:8811/mcp")
	viper.SetDefault("registry_dir", "registry")

	// Store defaults
	viper.SetDefault("store_backend", StoreMemory)
	viper.SetDefault("grant_ttl", 6*time.Hour)
	viper.SetDefault("interrupt_ttl", time.Hour)

	// PostgreSQL defaults (matching docker-compose.yml)
	viper.SetDefault("postgres_host", "localhost")
	viper.SetDefault("postgres_port", 5432)
	viper.SetDefault("postgres_user", "bridge")
	viper.SetDefault("postgres_password", "bridge_dev_password")
	viper.SetDefault("postgres_db_name", "bridge")
	viper.SetDefault("postgres_ssl_mode", "disable")

	// Logging defaults
	viper.SetDefault("log_level", "info")
	viper.SetDefault("log_json", false)

	// Tracing defaults
	viper.SetDefault("tracing_endpoint", "localhost:4318")
	viper.SetDefault("tracing_environment", "dev")
	viper.SetDefault("service_name", "docker-mcp-bridge")
}

// bindEnvVariables binds environment variable overrides explicitly.
// Provider API keys are read directly from the environment at use time
// (OPENAI_API_KEY, OPENROUTER_API_KEY), not through Viper; Validate checks
// their presence based on the selected provider.
func bindEnvVariables() {
	// Helper to panic on unexpected bind errors (hardcoded strings can't fail)
	// If this panics, it's a BUG in our code, not a runtime error
	mustBind := func(key, envVar string) {
		if err := viper.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("provider", "BRIDGE_PROVIDER")
	mustBind("model_name", "BRIDGE_MODEL_NAME")
	mustBind("base_url", "BRIDGE_BASE_URL")
	mustBind("mode", "BRIDGE_MODE")

	mustBind("gateway_endpoint", "MCP_GATEWAY_URL")
	mustBind("registry_dir", "BRIDGE_REGISTRY_DIR")

	mustBind("store_backend", "BRIDGE_STORE_BACKEND")

	mustBind("log_level", "BRIDGE_LOG_LEVEL")
	mustBind("log_json", "BRIDGE_LOG_JSON")

	mustBind("tracing_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
	mustBind("tracing_environment", "BRIDGE_ENVIRONMENT")
}

// APIKey returns the provider API key from the environment. Keys never pass
// through the config file or Viper so they cannot leak into dumps.
func (c *Config) APIKey() string {
	switch c.Provider {
	case ProviderOpenRouter:
		return os.Getenv("OPENROUTER_API_KEY")
	default:
		return os.Getenv("OPENAI_API_KEY")
	}
}

// maskedValue is the placeholder for masked sensitive data.
// Using ████████ (full-width blocks U+2588) to avoid substring matching
const maskedValue = "████████"

// maskSecret masks a secret string for safe logging.
// Shows first 2 and last 2 characters, masks the rest.
// SECURITY: For secrets <=8 chars, fully masks to prevent substring attacks.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	return s[:2] + "<" + maskedValue + ">" + s[len(s)-2:]
}

// MarshalJSON implements json.Marshaler with explicit sensitive field masking.
//
// Sensitive fields masked:
//   - PostgresPassword
//
// When adding new sensitive fields, update this method.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.PostgresPassword = maskSecret(a.PostgresPassword)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// String implements Stringer to prevent accidental printing of secrets.
func (c Config) String() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
