// Package migrate applies embedded SQL schema migrations with version
// tracking.
//
// Migration files live in db/migrate/migrations as NNN_name.sql and are
// compiled into the binary, so the server never depends on schema files on
// disk. Applied versions are recorded in the schema_migrations table and
// each migration runs inside its own transaction.
//
// Call Run after connecting but before starting any services:
//
//	pool, _ := pgxpool.New(ctx, databaseURL)
//	if err := migrate.Run(ctx, pool, logger); err != nil { ... }
package migrate

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// migration is one migration file pending application.
type migration struct {
	version int
	name    string
	sql     string
}

// Run applies all pending migrations in version order.
func Run(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	logger.Info("checking database migrations")

	if _, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return fmt.Errorf("creating migrations table: %w", err)
	}

	appliedSet, err := appliedVersions(ctx, pool)
	if err != nil {
		return fmt.Errorf("listing applied migrations: %w", err)
	}

	available, err := loadMigrations()
	if err != nil {
		return err
	}

	pending := 0
	for _, mig := range available {
		if appliedSet[mig.version] {
			continue
		}
		logger.Info("applying migration", "version", mig.version, "name", mig.name)
		if err := apply(ctx, pool, mig); err != nil {
			return fmt.Errorf("applying migration %03d_%s: %w", mig.version, mig.name, err)
		}
		pending++
	}

	if pending == 0 {
		logger.Info("database schema is up to date", "version", len(appliedSet))
	} else {
		logger.Info("migrations complete", "applied", pending, "total", len(appliedSet)+pending)
	}
	return nil
}

// appliedVersions returns the set of already applied migration versions.
func appliedVersions(ctx context.Context, pool *pgxpool.Pool) (map[int]bool, error) {
	rows, err := pool.Query(ctx, `SELECT version FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

// apply executes a single migration and records it, both in one transaction.
func apply(ctx context.Context, pool *pgxpool.Pool, mig migration) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, mig.sql); err != nil {
		return fmt.Errorf("executing SQL: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO schema_migrations (version, name) VALUES ($1, $2)
	`, mig.version, mig.name); err != nil {
		return fmt.Errorf("recording migration: %w", err)
	}
	return tx.Commit(ctx)
}

// loadMigrations reads and orders the embedded migration files.
func loadMigrations() ([]migration, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("reading migrations directory: %w", err)
	}

	var migrations []migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version, name, err := parseFilename(entry.Name())
		if err != nil {
			return nil, err
		}
		content, err := fs.ReadFile(migrationsFS, "migrations/"+entry.Name())
		if err != nil {
			return nil, fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}
		migrations = append(migrations, migration{version: version, name: name, sql: string(content)})
	}

	sort.Slice(migrations, func(i, j int) bool { return migrations[i].version < migrations[j].version })
	return migrations, nil
}

// parseFilename extracts version and name from NNN_name.sql.
func parseFilename(filename string) (int, string, error) {
	base := strings.TrimSuffix(filename, ".sql")
	parts := strings.SplitN(base, "_", 2)
	if len(parts) != 2 {
		return 0, "", fmt.Errorf("invalid migration filename: %s (expected NNN_name.sql)", filename)
	}
	version, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, "", fmt.Errorf("invalid version number in %s: %w", filename, err)
	}
	return version, parts[1], nil
}
