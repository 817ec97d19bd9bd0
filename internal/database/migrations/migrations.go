// Package migrations embeds ChronoShare's SQL schema definitions and
// drives them with golang-migrate, exactly as the teacher's migration
// package does, generalized to the three independent schemas
// ChronoShare keeps (ActionLog, SyncLog, ObjectStore sub-stores).
package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed files/actionlog/*.sql files/synclog/*.sql files/objectstore/*.sql
var migrationFiles embed.FS

// Set names one of ChronoShare's independent schemas.
type Set string

const (
	ActionLog   Set = "actionlog"
	SyncLog     Set = "synclog"
	ObjectStore Set = "objectstore"
)

// CheckStatus verifies that db's schema for the given Set is up-to-date.
// Returns nil if the database is at the latest version for that set.
func CheckStatus(db *sql.DB, set Set) error {
	m, err := newMigrate(db, set)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			return fmt.Errorf("%s database has no schema version (needs migration)", set)
		}
		return fmt.Errorf("failed to get database version: %w", err)
	}

	if dirty {
		return fmt.Errorf("%s database is in dirty state at version %d (migration failed previously)", set, version)
	}

	sourceDriver, err := iofs.New(migrationFiles, "files/"+string(set))
	if err != nil {
		return fmt.Errorf("failed to read migration files: %w", err)
	}
	defer sourceDriver.Close()

	latestVersion, err := getLatestVersion(sourceDriver)
	if err != nil {
		return fmt.Errorf("failed to determine latest version: %w", err)
	}

	if version < latestVersion {
		return fmt.Errorf("%s database is at version %d but latest is %d (%d migrations behind)",
			set, version, latestVersion, latestVersion-version)
	}
	if version > latestVersion {
		return fmt.Errorf("%s database version %d is ahead of binary version %d (binary needs update)",
			set, version, latestVersion)
	}

	return nil
}

// Up runs all pending migrations for the given Set to bring db to its
// latest schema version.
func Up(db *sql.DB, set Set) error {
	m, err := newMigrate(db, set)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return nil
		}
		return fmt.Errorf("migration failed: %w", err)
	}

	return nil
}

func newMigrate(db *sql.DB, set Set) (*migrate.Migrate, error) {
	sourceDriver, err := iofs.New(migrationFiles, "files/"+string(set))
	if err != nil {
		return nil, fmt.Errorf("failed to create source driver: %w", err)
	}

	dbDriver, err := sqlite3.WithInstance(db, &sqlite3.Config{
		MigrationsTable: "schema_migrations_" + string(set),
	})
	if err != nil {
		sourceDriver.Close()
		return nil, fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", dbDriver)
	if err != nil {
		sourceDriver.Close()
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	return m, nil
}

func getLatestVersion(src source.Driver) (uint, error) {
	version, err := src.First()
	if err != nil {
		return 0, err
	}

	latestVersion := version
	for {
		nextVersion, err := src.Next(latestVersion)
		if err != nil {
			break
		}
		latestVersion = nextVersion
	}

	return latestVersion, nil
}
