// Package state persists per-tenant tool grants, active server lists, and
// suspended-conversation interrupts. Two backends exist: an in-memory store
// for single-process deployments and tests, and a PostgreSQL store for
// anything that must survive a restart.
//
// All entries carry a TTL. Expired entries are purged on read, so callers
// never observe stale grants or resumable interrupts past their window.
package state

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/Sagnnik/docker-mcp-bridge/internal/chat"
	"github.com/Sagnnik/docker-mcp-bridge/internal/onboard"
)

const (
	// DefaultInterruptTTL bounds how long a suspended conversation stays
	// resumable.
	DefaultInterruptTTL = time.Hour

	// DefaultGrantTTL bounds how long a tenant's tool grants live without
	// being rewritten.
	DefaultGrantTTL = 6 * time.Hour
)

// ErrNotFound is returned when an interrupt is absent or already expired.
var ErrNotFound = errors.New("state: not found")

// Kind says why a conversation was suspended.
type Kind string

const (
	KindSecretsRequired Kind = "secrets_required"
	KindConfigRequired  Kind = "config_required"
)

// Interrupt is a suspended conversation awaiting out-of-band input.
type Interrupt struct {
	ID              string                     `json:"id"`
	TenantID        string                     `json:"tenant_id"`
	Kind            Kind                       `json:"kind"`
	Server          string                     `json:"server"`
	RequiredSecrets []string                   `json:"required_secrets,omitempty"`
	RequiredConfigs []onboard.ConfigDescriptor `json:"required_configs,omitempty"`
	Conversation    []chat.Message             `json:"conversation"`
	Iteration       int                        `json:"iteration"`
	MaxIterations   int                        `json:"max_iterations,omitempty"`
	Mode            string                     `json:"mode"`
	Provider        string                     `json:"provider,omitempty"`
	Model           string                     `json:"model,omitempty"`
	ActiveServers   []string                   `json:"active_servers,omitempty"`
	CreatedAt       time.Time                  `json:"created_at"`
	ExpiresAt       time.Time                  `json:"expires_at"`
}

// GenerateID returns a fresh interrupt id.
func GenerateID() string {
	return uuid.NewString()
}

// TenantStore holds per-tenant grants and active server tracking.
type TenantStore interface {
	// GrantTools writes the grant for one server, replacing any previous
	// grant for that server and refreshing its TTL. Empty grants are
	// written too.
	GrantTools(ctx context.Context, tenantID, server string, tools []string) error

	// RevokeGrant deletes the server-keyed grant and reports whether one
	// existed.
	RevokeGrant(ctx context.Context, tenantID, server string) (bool, error)

	// ReplaceTools drops every grant the tenant has and installs tools as
	// the whole effective set.
	ReplaceTools(ctx context.Context, tenantID string, tools []string) error

	// GrantedTools returns the union of the tenant's unexpired grants.
	GrantedTools(ctx context.Context, tenantID string) (map[string]struct{}, error)

	TrackServer(ctx context.Context, tenantID, server string) error
	UntrackServer(ctx context.Context, tenantID, server string) error
	ActiveServers(ctx context.Context, tenantID string) ([]string, error)
}

// InterruptStore holds suspended conversations.
type InterruptStore interface {
	// Save persists the interrupt, replacing any entry with the same id.
	// A zero ExpiresAt is filled from the store's TTL.
	Save(ctx context.Context, it *Interrupt) error

	// Get returns the interrupt, or ErrNotFound when absent or expired.
	Get(ctx context.Context, id string) (*Interrupt, error)

	// Take atomically fetches and deletes the interrupt so it can be
	// consumed exactly once. Returns ErrNotFound when absent or expired.
	Take(ctx context.Context, id string) (*Interrupt, error)

	// Delete removes the interrupt if present.
	Delete(ctx context.Context, id string) error
}

// Store is the combined persistence surface the agent runner wires up.
type Store interface {
	TenantStore
	InterruptStore
}
