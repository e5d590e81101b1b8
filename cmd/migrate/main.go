// Command migrate applies or rolls back schema migrations against the
// configured database: golang-migrate with a file source and the pgx
// stdlib driver, resolving the migrations directory to an absolute path.
package main

import (
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"path/filepath"

	"mediaindex/config"

	"github.com/golang-migrate/migrate/v4"
	mgpg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	direction := flag.String("direction", "up", "up|down|force")
	dir := flag.String("dir", "migrations", "path to the migrations directory")
	forceVersion := flag.Int("version", 0, "target version for -direction=force")
	flag.Parse()

	config.LoadEnvironment()
	dbConfig := config.LoadDBConfig()

	absDir, err := filepath.Abs(*dir)
	if err != nil {
		log.Fatalf("migrate: resolve migrations path: %v", err)
	}

	sqlDB, err := sql.Open("pgx", dbConfig.URL())
	if err != nil {
		log.Fatalf("migrate: open database: %v", err)
	}
	defer sqlDB.Close()

	driver, err := mgpg.WithInstance(sqlDB, &mgpg.Config{})
	if err != nil {
		log.Fatalf("migrate: postgres driver instance: %v", err)
	}

	m, err := migrate.NewWithDatabaseInstance(fmt.Sprintf("file://%s", absDir), "postgres", driver)
	if err != nil {
		log.Fatalf("migrate: init migrator: %v", err)
	}
	defer m.Close()

	switch *direction {
	case "up":
		err = m.Up()
	case "down":
		err = m.Down()
	case "force":
		err = m.Force(*forceVersion)
	default:
		log.Fatalf("migrate: unknown direction %q", *direction)
	}

	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		log.Fatalf("migrate: %s failed: %v", *direction, err)
	}
	log.Printf("migrate: %s completed", *direction)
}
