// Package db owns the bridge schema: embedded migrations for the postgres
// state backend.
package db

import (
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5" // pgx v5 driver
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate brings the schema up to date. Migrations are compiled in and
// applied in order; golang-migrate's schema_migrations table records
// progress. connURL must use the postgres:// or postgresql:// scheme.
//
// A dirty schema (a migration that died halfway) is refused rather than
// repaired: the operator has to inspect it.
func Migrate(connURL string) error {
	m, err := newMigrator(connURL)
	if err != nil {
		return err
	}
	defer closeMigrator(m)

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("checking migration version: %w", err)
	}
	if dirty {
		return fmt.Errorf("schema is dirty at version %d, manual cleanup required", version)
	}

	switch err := m.Up(); {
	case err == nil:
		if v, _, verr := m.Version(); verr == nil {
			slog.Info("schema migrated", "version", v)
		}
		return nil
	case errors.Is(err, migrate.ErrNoChange):
		slog.Debug("schema already current")
		return nil
	default:
		return fmt.Errorf("applying migrations: %w", err)
	}
}

func newMigrator(connURL string) (*migrate.Migrate, error) {
	u, err := url.Parse(connURL)
	if err != nil {
		return nil, fmt.Errorf("parsing database URL: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "postgres" && scheme != "postgresql" {
		return nil, fmt.Errorf("unsupported database URL scheme %q", u.Scheme)
	}
	// golang-migrate selects its driver by scheme; the pgx v5 driver
	// registers as pgx5.
	u.Scheme = "pgx5"

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("opening embedded migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, u.String())
	if err != nil {
		return nil, fmt.Errorf("creating migrator: %w", err)
	}
	return m, nil
}

func closeMigrator(m *migrate.Migrate) {
	srcErr, dbErr := m.Close()
	if srcErr != nil {
		slog.Warn("closing migration source", "error", srcErr)
	}
	if dbErr != nil {
		slog.Warn("closing migration connection", "error", dbErr)
	}
}
