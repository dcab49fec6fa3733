package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// openMigrator opens the Postgres schema migrator over a directory of
// numbered *.up.sql / *.down.sql files. Callers must close it.
func openMigrator(databaseURL, migrationsPath string) (*migrate.Migrate, error) {
	if err := checkMigrationsDir(migrationsPath); err != nil {
		return nil, err
	}
	m, err := migrate.New("file://"+filepath.ToSlash(migrationsPath), databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open scrobble schema migrator: %w", err)
	}
	return m, nil
}

// checkMigrationsDir fails fast on a wrong -dir before any connection is made
func checkMigrationsDir(migrationsPath string) error {
	info, err := os.Stat(migrationsPath)
	if err != nil {
		return fmt.Errorf("migrations directory %s: %w", migrationsPath, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("migrations path %s is not a directory", migrationsPath)
	}
	ups, err := filepath.Glob(filepath.Join(migrationsPath, "*.up.sql"))
	if err != nil {
		return fmt.Errorf("failed to list migrations in %s: %w", migrationsPath, err)
	}
	if len(ups) == 0 {
		return fmt.Errorf("no *.up.sql migrations in %s", migrationsPath)
	}
	return nil
}

// RunMigrations brings the scrobble, tag and cached_stats tables up to the latest schema
func RunMigrations(databaseURL, migrationsPath string) error {
	m, err := openMigrator(databaseURL, migrationsPath)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = m.Close() // nolint:errcheck // cleanup in defer
	}()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply Postgres schema migrations: %w", err)
	}
	return nil
}

// RollbackMigrations reverts the most recent schema step
func RollbackMigrations(databaseURL, migrationsPath string) error {
	m, err := openMigrator(databaseURL, migrationsPath)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = m.Close() // nolint:errcheck // cleanup in defer
	}()

	if err := m.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to revert last Postgres schema step: %w", err)
	}
	return nil
}

// MigrationVersion reports the applied schema version. A database that has never
// been migrated reports version 0.
func MigrationVersion(databaseURL, migrationsPath string) (uint, bool, error) {
	m, err := openMigrator(databaseURL, migrationsPath)
	if err != nil {
		return 0, false, err
	}
	defer func() {
		_, _ = m.Close() // nolint:errcheck // cleanup in defer
	}()

	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read Postgres schema version: %w", err)
	}
	return version, dirty, nil
}
