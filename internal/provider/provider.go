// Package provider abstracts chat-completion model backends. The agent loop
// talks to a Provider; concrete implementations adapt the OpenAI wire format
// and compatible endpoints such as OpenRouter.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/Sagnnik/docker-mcp-bridge/internal/chat"
	"github.com/Sagnnik/docker-mcp-bridge/internal/log"
)

// ToolSchema is one function tool offered to the model. Parameters is a JSON
// Schema object in map form.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Request is one generation call.
type Request struct {
	Messages []chat.Message
	Tools    []ToolSchema
}

// Response is the model's answer to one Request.
type Response struct {
	Message      chat.Message
	FinishReason chat.FinishReason
}

// Provider generates assistant turns from a conversation.
type Provider interface {
	Generate(ctx context.Context, req Request) (*Response, error)
	Name() string
	Model() string
}

// RetryConfig configures the retry behavior for model calls.
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryConfig returns sensible defaults for LLM API calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
	}
}

// retryablePatterns groups error substrings by category. Matched
// case-insensitively against err.Error(), because provider SDKs do not
// expose typed errors for transient failures.
var retryablePatterns = [][]string{
	{"rate limit", "quota exceeded", "429"},
	{"500", "502", "503", "504", "unavailable"},
	{"connection reset", "timeout", "temporary"},
}

// retryableError reports whether err is transient and should trigger a retry.
func retryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	for _, group := range retryablePatterns {
		for _, pattern := range group {
			if strings.Contains(errStr, pattern) {
				return true
			}
		}
	}
	return false
}

// Config selects and configures a concrete provider.
type Config struct {
	// Provider is "openai" or "openrouter".
	Provider string
	APIKey   string
	Model    string

	// BaseURL overrides the endpoint. Empty means the provider's default.
	BaseURL string

	// Limiter throttles each attempt, including retries. Nil disables
	// throttling.
	Limiter *rate.Limiter

	Retry  RetryConfig
	Logger log.Logger
}

const openRouterBaseURL = "https://openrouter.ai/api/v1"

// New builds the configured Provider.
func New(cfg Config) (Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("api key is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("model is required")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if cfg.Retry == (RetryConfig{}) {
		cfg.Retry = DefaultRetryConfig()
	}

	switch cfg.Provider {
	case "openai", "":
		return newOpenAI(cfg, "openai"), nil
	case "openrouter":
		if cfg.BaseURL == "" {
			cfg.BaseURL = openRouterBaseURL
		}
		return newOpenAI(cfg, "openrouter"), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}
