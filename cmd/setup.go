package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/time/rate"

	"github.com/Sagnnik/docker-mcp-bridge/db"
	"github.com/Sagnnik/docker-mcp-bridge/internal/agent"
	"github.com/Sagnnik/docker-mcp-bridge/internal/config"
	"github.com/Sagnnik/docker-mcp-bridge/internal/gateway"
	"github.com/Sagnnik/docker-mcp-bridge/internal/log"
	"github.com/Sagnnik/docker-mcp-bridge/internal/observability"
	"github.com/Sagnnik/docker-mcp-bridge/internal/provider"
	"github.com/Sagnnik/docker-mcp-bridge/internal/registry"
	"github.com/Sagnnik/docker-mcp-bridge/internal/state"
)

const shutdownTimeout = 10 * time.Second

// app holds the wired application and its teardown.
type app struct {
	runner *agent.Runner
	logger log.Logger
	cfg    *config.Config

	pool     *pgxpool.Pool
	shutdown func(context.Context) error
}

// setup wires config → logger → tracing → store → registry → provider →
// runner. Call close when done.
func setup(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger := log.New(log.Config{
		Level: parseLogLevel(cfg.LogLevel),
		JSON:  cfg.LogJSON,
	})
	logger.Debug("configuration loaded", "config", cfg)

	a := &app{logger: logger, cfg: cfg}

	a.shutdown, err = observability.Setup(ctx, observability.Config{
		Endpoint:    cfg.TracingEndpoint,
		Environment: cfg.TracingEnvironment,
		ServiceName: cfg.ServiceName,
	})
	if err != nil {
		return nil, fmt.Errorf("setting up tracing: %w", err)
	}

	store, err := a.buildStore(ctx, cfg)
	if err != nil {
		a.close()
		return nil, err
	}

	catalog, err := registry.Load(cfg.RegistryDir)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("loading server registry: %w", err)
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	prov, err := provider.New(provider.Config{
		Provider: cfg.Provider,
		APIKey:   cfg.APIKey(),
		Model:    cfg.ModelName,
		BaseURL:  cfg.BaseURL,
		Limiter:  limiter,
		Logger:   logger,
	})
	if err != nil {
		a.close()
		return nil, fmt.Errorf("building provider: %w", err)
	}

	sessions := func(ctx context.Context, tenantID string) (agent.Session, error) {
		client, err := gateway.New(gateway.Config{
			Endpoint: cfg.GatewayEndpoint,
			TenantID: tenantID,
			State:    store,
			Catalog:  catalog,
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
		if err := client.Initialize(ctx); err != nil {
			return nil, err
		}
		return client, nil
	}

	a.runner, err = agent.NewRunner(agent.RunnerConfig{
		Sessions: sessions,
		Store:    store,
		Provider: prov,
		Catalog:  catalog,
		Logger:   logger,
	})
	if err != nil {
		a.close()
		return nil, fmt.Errorf("building runner: %w", err)
	}

	return a, nil
}

func (a *app) buildStore(ctx context.Context, cfg *config.Config) (state.Store, error) {
	switch cfg.StoreBackend {
	case config.StorePostgres:
		connURL := cfg.PostgresURL()
		if err := db.Migrate(connURL); err != nil {
			return nil, fmt.Errorf("running migrations: %w", err)
		}
		pool, err := pgxpool.New(ctx, cfg.PostgresConnectionString())
		if err != nil {
			return nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("pinging postgres: %w", err)
		}
		a.pool = pool
		return state.NewPostgresStore(pool, a.logger,
			state.WithPostgresGrantTTL(cfg.GrantTTL),
			state.WithPostgresInterruptTTL(cfg.InterruptTTL),
		)
	default:
		return state.NewMemoryStore(a.logger,
			state.WithGrantTTL(cfg.GrantTTL),
			state.WithInterruptTTL(cfg.InterruptTTL),
		), nil
	}
}

func (a *app) close() {
	if a.pool != nil {
		a.pool.Close()
	}
	if a.shutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.shutdown(ctx); err != nil {
			a.logger.Warn("tracing shutdown", "error", err)
		}
	}
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// parseConfigPairs turns repeated key=value flags into the resume config map.
func parseConfigPairs(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	configs := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid config pair %q, want key=value", pair)
		}
		configs[key] = value
	}
	return configs, nil
}
