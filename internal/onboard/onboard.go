// Package onboard classifies the outcome of adding a remote tool server.
//
// The gateway reports onboarding problems as free text inside otherwise
// successful tool results, so the classifier works over the normalized
// response text. The decision order is fixed and first match wins:
// call error, missing secrets, missing config, success phrase, failure.
package onboard

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/Sagnnik/docker-mcp-bridge/internal/log"
)

// Status is the classified result of an add-server attempt.
type Status string

const (
	StatusAdded           Status = "added"
	StatusSecretsRequired Status = "secrets_required"
	StatusConfigRequired  Status = "config_required"
	StatusFailed          Status = "failed"
)

// ConfigDescriptor describes one configuration key the server needs before
// it can activate.
type ConfigDescriptor struct {
	Key         string `json:"key"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

// Outcome is the full classification of one add-server attempt.
type Outcome struct {
	Status          Status
	Server          string
	Message         string
	RequiredSecrets []string
	RequiredConfigs []ConfigDescriptor
	Tools           []string
	Instructions    string
	RawResponse     string
}

// Discovery holds per-server metadata captured from mcp-find results during
// the session. It fills gaps when the static catalog does not know a server.
type Discovery struct {
	Description string
	Secrets     []string
	Configs     []ConfigDescriptor
}

// Catalog is the slice of the server registry the classifier needs.
type Catalog interface {
	Secrets(server string) []string
	ConfigSchemas(server string) []*jsonschema.Schema
	Description(server string) string
}

var (
	secretsPattern = regexp.MustCompile(`(?i)missing required secrets\s*\(([^)]+)\)`)
	configPattern  = regexp.MustCompile(`(?i)missing required config\s*\(([^)]+)\)`)
)

// The gateway has no structured success signal; these phrases are what it
// actually emits.
var successPhrases = []string{"successfully added", "success", "ready to use"}

// Engine classifies add-server responses, enriching them from the static
// catalog and the session's discovery cache.
type Engine struct {
	catalog Catalog
	logger  log.Logger

	mu         sync.Mutex
	discovered map[string]Discovery
}

// NewEngine creates a classifier over the given catalog.
func NewEngine(catalog Catalog, logger log.Logger) *Engine {
	return &Engine{
		catalog:    catalog,
		logger:     logger.With("component", "onboard"),
		discovered: make(map[string]Discovery),
	}
}

// RecordDiscovery caches metadata found for a server during this session.
func (e *Engine) RecordDiscovery(server string, d Discovery) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.discovered[server] = d
}

// Discovered returns the cached discovery metadata for server, if any.
func (e *Engine) Discovered(server string) (Discovery, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.discovered[server]
	return d, ok
}

// Classify maps one add-server attempt to an Outcome. callErr is the error
// from the gateway call, response the normalized result text, and verified
// the tool names granted after a successful add.
func (e *Engine) Classify(server, response string, callErr error, verified []string) Outcome {
	if callErr != nil {
		e.logger.Warn("add server failed", "server", server, "error", callErr)
		return Outcome{
			Status:      StatusFailed,
			Server:      server,
			Message:     fmt.Sprintf("failed to add server %s: %v", server, callErr),
			RawResponse: response,
		}
	}

	if m := secretsPattern.FindStringSubmatch(response); m != nil {
		secrets := e.requiredSecrets(server, m[1])
		e.logger.Info("server requires secrets", "server", server, "secrets", secrets)
		return Outcome{
			Status:          StatusSecretsRequired,
			Server:          server,
			Message:         fmt.Sprintf("server %s requires secrets before activation", server),
			RequiredSecrets: secrets,
			Instructions: fmt.Sprintf(
				"Ask the user to provide the following secrets for %s: %s. "+
					"Secrets are set outside this conversation and never pass through chat.",
				server, strings.Join(secrets, ", ")),
			RawResponse: response,
		}
	}

	if m := configPattern.FindStringSubmatch(response); m != nil {
		configs := e.requiredConfigs(server, m[1])
		keys := make([]string, len(configs))
		for i, c := range configs {
			keys[i] = c.Key
		}
		e.logger.Info("server requires config", "server", server, "keys", keys)
		return Outcome{
			Status:          StatusConfigRequired,
			Server:          server,
			Message:         fmt.Sprintf("server %s requires configuration before activation", server),
			RequiredConfigs: configs,
			Instructions: fmt.Sprintf(
				"Ask the user for values for %s, then retry adding %s with those values.",
				strings.Join(keys, ", "), server),
			RawResponse: response,
		}
	}

	lowered := strings.ToLower(response)
	for _, phrase := range successPhrases {
		if strings.Contains(lowered, phrase) {
			e.logger.Info("server added", "server", server, "tools", len(verified))
			return Outcome{
				Status:      StatusAdded,
				Server:      server,
				Message:     fmt.Sprintf("server %s added with %d tools", server, len(verified)),
				Tools:       verified,
				RawResponse: response,
			}
		}
	}

	e.logger.Warn("unrecognized add server response", "server", server, "response", response)
	return Outcome{
		Status:      StatusFailed,
		Server:      server,
		Message:     fmt.Sprintf("could not add server %s: %s", server, strings.TrimSpace(response)),
		RawResponse: response,
	}
}

// requiredSecrets resolves the full secret names. The catalog is
// authoritative, the discovery cache second, the gateway's own
// comma-separated list last.
func (e *Engine) requiredSecrets(server, captured string) []string {
	if declared := e.catalog.Secrets(server); len(declared) > 0 {
		return declared
	}
	if d, ok := e.Discovered(server); ok && len(d.Secrets) > 0 {
		return d.Secrets
	}
	return splitList(captured)
}

// requiredConfigs resolves typed config descriptors from the catalog's
// schemas, then the discovery cache, then synthesizes descriptors from the
// gateway's key list. When every source comes up empty a single placeholder
// descriptor is returned so the interrupt always has at least one key the
// caller can satisfy.
func (e *Engine) requiredConfigs(server, captured string) []ConfigDescriptor {
	if schemas := e.catalog.ConfigSchemas(server); len(schemas) > 0 {
		var out []ConfigDescriptor
		for _, schema := range schemas {
			for _, key := range schema.Required {
				d := ConfigDescriptor{Key: key, Type: "string"}
				if schema.Properties != nil {
					if prop, ok := schema.Properties[key]; ok && prop != nil {
						if prop.Type != "" {
							d.Type = prop.Type
						}
						d.Description = prop.Description
					}
				}
				out = append(out, d)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	if d, ok := e.Discovered(server); ok && len(d.Configs) > 0 {
		return d.Configs
	}

	keys := splitList(captured)
	if len(keys) == 0 {
		return []ConfigDescriptor{{
			Key:         "unknown",
			Type:        "string",
			Description: "This MCP server requires configuration, but no config_schema was returned. Refer to MCP documentation.",
		}}
	}
	out := make([]ConfigDescriptor, len(keys))
	for i, key := range keys {
		out[i] = ConfigDescriptor{Key: key, Type: "string", Description: "unknown"}
	}
	return out
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
