package db

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"mediaindex/config"

	"github.com/golang-migrate/migrate/v4"
	mgpg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// MigrationConfig drives golang-migrate against the local migrations/
// directory. There is no queue-table migration step here: work dispatch
// is the bespoke asset state machine, not a queue (see DESIGN.md).
type MigrationConfig struct {
	DatabaseConfig config.DatabaseConfig
	MigrationsDir  string
}

func NewMigrationConfig(dbConfig config.DatabaseConfig) *MigrationConfig {
	return &MigrationConfig{DatabaseConfig: dbConfig, MigrationsDir: "migrations"}
}

func (m *MigrationConfig) buildURL() string {
	if m.DatabaseConfig.RawURL != "" {
		return m.DatabaseConfig.RawURL
	}
	return fmt.Sprintf("postgresql://%s:%s@%s:%s/%s?sslmode=%s&search_path=public",
		m.DatabaseConfig.User, m.DatabaseConfig.Password, m.DatabaseConfig.Host,
		m.DatabaseConfig.Port, m.DatabaseConfig.DBName, m.DatabaseConfig.SSL)
}

// RunMigrations applies all pending "up" migrations from MigrationsDir.
func (m *MigrationConfig) RunMigrations(ctx context.Context) error {
	migrationsPath := m.MigrationsDir
	if _, err := os.Stat(migrationsPath); err != nil {
		return fmt.Errorf("migrations dir %q: %w", migrationsPath, err)
	}
	absPath, err := filepath.Abs(migrationsPath)
	if err != nil {
		return fmt.Errorf("resolve migrations path: %w", err)
	}

	sourceURL := fmt.Sprintf("file://%s", absPath)
	dsn := m.buildURL()

	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("sql open (pgx): %w", err)
	}
	defer sqlDB.Close()

	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("db ping: %w", err)
	}

	driver, err := mgpg.WithInstance(sqlDB, &mgpg.Config{})
	if err != nil {
		return fmt.Errorf("postgres driver instance: %w", err)
	}

	log.Printf("applying database migrations (source=%s)", sourceURL)
	migrator, err := migrate.NewWithDatabaseInstance(sourceURL, "postgres", driver)
	if err != nil {
		return fmt.Errorf("init migrator: %w", err)
	}
	defer migrator.Close()

	if err := migrator.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migrate up: %w", err)
	} else if err == migrate.ErrNoChange {
		log.Printf("no migration needed, schema up to date")
	} else {
		log.Printf("database migrations applied successfully")
	}
	return nil
}

// AutoMigrate is a convenience wrapper used by cmd/api at startup.
func AutoMigrate(ctx context.Context, dbConfig config.DatabaseConfig) error {
	return NewMigrationConfig(dbConfig).RunMigrations(ctx)
}
