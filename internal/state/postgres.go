package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Sagnnik/docker-mcp-bridge/internal/log"
)

const (
	upsertGrantSQL = `INSERT INTO tenant_grants (tenant_id, server, tools, expires_at)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (tenant_id, server) DO UPDATE SET tools = $3, expires_at = $4`

	selectGrantsSQL = `SELECT tools FROM tenant_grants
	WHERE tenant_id = $1 AND expires_at > now()`

	purgeGrantsSQL = `DELETE FROM tenant_grants WHERE tenant_id = $1 AND expires_at <= now()`

	upsertInterruptSQL = `INSERT INTO interrupts (id, tenant_id, kind, server, payload, created_at, expires_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (id) DO UPDATE SET
		tenant_id = $2, kind = $3, server = $4, payload = $5, created_at = $6, expires_at = $7`
)

// PostgresStore is a Store backed by PostgreSQL via pgx. Expired rows are
// purged opportunistically on read.
//
// PostgresStore is safe for concurrent use by multiple goroutines.
type PostgresStore struct {
	pool         *pgxpool.Pool
	logger       log.Logger
	grantTTL     time.Duration
	interruptTTL time.Duration
}

// PostgresOption adjusts a PostgresStore.
type PostgresOption func(*PostgresStore)

// WithPostgresGrantTTL overrides the tenant grant TTL.
func WithPostgresGrantTTL(d time.Duration) PostgresOption {
	return func(s *PostgresStore) { s.grantTTL = d }
}

// WithPostgresInterruptTTL overrides the interrupt TTL.
func WithPostgresInterruptTTL(d time.Duration) PostgresOption {
	return func(s *PostgresStore) { s.interruptTTL = d }
}

// NewPostgresStore creates a Store over the given pool.
func NewPostgresStore(pool *pgxpool.Pool, logger log.Logger, opts ...PostgresOption) (*PostgresStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	s := &PostgresStore{
		pool:         pool,
		logger:       logger.With("component", "state"),
		grantTTL:     DefaultGrantTTL,
		interruptTTL: DefaultInterruptTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *PostgresStore) GrantTools(ctx context.Context, tenantID, server string, tools []string) error {
	if tools == nil {
		tools = []string{}
	}
	_, err := s.pool.Exec(ctx, upsertGrantSQL, tenantID, server, tools, time.Now().Add(s.grantTTL))
	if err != nil {
		return fmt.Errorf("failed to upsert grant: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeGrant(ctx context.Context, tenantID, server string) (bool, error) {
	var unexpired bool
	err := s.pool.QueryRow(ctx,
		`DELETE FROM tenant_grants WHERE tenant_id = $1 AND server = $2
		RETURNING expires_at > now()`,
		tenantID, server,
	).Scan(&unexpired)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to revoke grant: %w", err)
	}
	return unexpired, nil
}

func (s *PostgresStore) ReplaceTools(ctx context.Context, tenantID string, tools []string) error {
	if tools == nil {
		tools = []string{}
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM tenant_grants WHERE tenant_id = $1`, tenantID); err != nil {
		return fmt.Errorf("failed to clear grants: %w", err)
	}
	if _, err := tx.Exec(ctx, upsertGrantSQL, tenantID, "", tools, time.Now().Add(s.grantTTL)); err != nil {
		return fmt.Errorf("failed to write replacement grant: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (s *PostgresStore) GrantedTools(ctx context.Context, tenantID string) (map[string]struct{}, error) {
	if _, err := s.pool.Exec(ctx, purgeGrantsSQL, tenantID); err != nil {
		return nil, fmt.Errorf("failed to purge expired grants: %w", err)
	}

	rows, err := s.pool.Query(ctx, selectGrantsSQL, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query grants: %w", err)
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var tools []string
		if err := rows.Scan(&tools); err != nil {
			return nil, fmt.Errorf("failed to scan grant: %w", err)
		}
		for _, t := range tools {
			out[t] = struct{}{}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read grants: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) TrackServer(ctx context.Context, tenantID, server string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tenant_servers (tenant_id, server) VALUES ($1, $2)
		ON CONFLICT (tenant_id, server) DO NOTHING`,
		tenantID, server)
	if err != nil {
		return fmt.Errorf("failed to track server: %w", err)
	}
	return nil
}

func (s *PostgresStore) UntrackServer(ctx context.Context, tenantID, server string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM tenant_servers WHERE tenant_id = $1 AND server = $2`,
		tenantID, server)
	if err != nil {
		return fmt.Errorf("failed to untrack server: %w", err)
	}
	return nil
}

func (s *PostgresStore) ActiveServers(ctx context.Context, tenantID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT server FROM tenant_servers WHERE tenant_id = $1 ORDER BY added_at`,
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query servers: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var server string
		if err := rows.Scan(&server); err != nil {
			return nil, fmt.Errorf("failed to scan server: %w", err)
		}
		out = append(out, server)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read servers: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Save(ctx context.Context, it *Interrupt) error {
	stored := *it
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	if stored.ExpiresAt.IsZero() {
		stored.ExpiresAt = time.Now().Add(s.interruptTTL)
	}

	payload, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("failed to marshal interrupt: %w", err)
	}

	_, err = s.pool.Exec(ctx, upsertInterruptSQL,
		stored.ID, stored.TenantID, string(stored.Kind), stored.Server,
		payload, stored.CreatedAt, stored.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to save interrupt: %w", err)
	}

	s.logger.Debug("interrupt saved", "id", stored.ID, "kind", stored.Kind, "tenant", stored.TenantID)
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Interrupt, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM interrupts WHERE id = $1 AND expires_at > now()`,
		id).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		// Absent or expired; drop any expired row while we are here.
		_, _ = s.pool.Exec(ctx, `DELETE FROM interrupts WHERE id = $1 AND expires_at <= now()`, id)
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query interrupt: %w", err)
	}
	return unmarshalInterrupt(payload)
}

func (s *PostgresStore) Take(ctx context.Context, id string) (*Interrupt, error) {
	var (
		payload   []byte
		expiresAt time.Time
	)
	err := s.pool.QueryRow(ctx,
		`DELETE FROM interrupts WHERE id = $1 RETURNING payload, expires_at`,
		id).Scan(&payload, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to take interrupt: %w", err)
	}
	if time.Now().After(expiresAt) {
		return nil, ErrNotFound
	}
	return unmarshalInterrupt(payload)
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM interrupts WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete interrupt: %w", err)
	}
	return nil
}

func unmarshalInterrupt(payload []byte) (*Interrupt, error) {
	var it Interrupt
	if err := json.Unmarshal(payload, &it); err != nil {
		return nil, fmt.Errorf("failed to unmarshal interrupt: %w", err)
	}
	return &it, nil
}

var _ Store = (*PostgresStore)(nil)
