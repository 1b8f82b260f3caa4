// Package migration wraps golang-migrate for the usage ledger schema.
// The only tables this service owns are the usage_records ledger and
// the schema_migrations bookkeeping table golang-migrate maintains.
package migration

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"go.uber.org/zap"
)

// Migrator applies SQL migrations from a directory of versioned files.
type Migrator struct {
	m      *migrate.Migrate
	logger *zap.Logger
}

// New builds a Migrator over an existing postgres connection.
func New(db *sql.DB, migrationsPath string, logger *zap.Logger) (*Migrator, error) {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("postgres migrate driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+migrationsPath, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("migrate instance: %w", err)
	}

	return &Migrator{m: m, logger: logger}, nil
}

// Up applies every pending migration.
func (mg *Migrator) Up() error {
	mg.logger.Info("Applying pending migrations")
	if done, err := noChange(mg.m.Up()); err != nil {
		return fmt.Errorf("migrate up: %w", err)
	} else if done {
		mg.logger.Info("Schema already up to date")
		return nil
	}
	return mg.logVersion("Migrations applied")
}

// Down rolls every migration back. Destroys the ledger; the migrate CLI
// asks for confirmation before calling this.
func (mg *Migrator) Down() error {
	mg.logger.Info("Rolling back all migrations")
	if done, err := noChange(mg.m.Down()); err != nil {
		return fmt.Errorf("migrate down: %w", err)
	} else if done {
		mg.logger.Info("Nothing to roll back")
		return nil
	}
	mg.logger.Info("All migrations rolled back")
	return nil
}

// Steps applies n migrations forward, or -n backward.
func (mg *Migrator) Steps(n int) error {
	mg.logger.Info("Stepping migrations", zap.Int("steps", n))
	if done, err := noChange(mg.m.Steps(n)); err != nil {
		return fmt.Errorf("migrate steps: %w", err)
	} else if done {
		mg.logger.Info("Schema already up to date")
		return nil
	}
	return mg.logVersion("Migration steps applied")
}

// GoTo migrates up or down until the schema sits at version.
func (mg *Migrator) GoTo(version uint) error {
	mg.logger.Info("Migrating to version", zap.Uint("target_version", version))
	if done, err := noChange(mg.m.Migrate(version)); err != nil {
		return fmt.Errorf("migrate to %d: %w", version, err)
	} else if done {
		mg.logger.Info("Already at target version")
	}
	return nil
}

// Version reports the current schema version. A database with no applied
// migrations reports version 0, not an error.
func (mg *Migrator) Version() (uint, bool, error) {
	version, dirty, err := mg.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read schema version: %w", err)
	}
	return version, dirty, nil
}

// Force overwrites the recorded version without running migrations.
// Escape hatch for a dirty schema after a half-applied migration.
func (mg *Migrator) Force(version int) error {
	mg.logger.Warn("Forcing schema version", zap.Int("version", version))
	if err := mg.m.Force(version); err != nil {
		return fmt.Errorf("force version %d: %w", version, err)
	}
	return nil
}

// Drop removes every table in the database, ledger included.
func (mg *Migrator) Drop() error {
	mg.logger.Warn("Dropping database schema")
	if err := mg.m.Drop(); err != nil {
		return fmt.Errorf("drop schema: %w", err)
	}
	mg.logger.Info("Schema dropped")
	return nil
}

// Close releases the source and database handles.
func (mg *Migrator) Close() error {
	sourceErr, dbErr := mg.m.Close()
	if sourceErr != nil {
		return fmt.Errorf("close migration source: %w", sourceErr)
	}
	if dbErr != nil {
		return fmt.Errorf("close migration database: %w", dbErr)
	}
	return nil
}

func (mg *Migrator) logVersion(msg string) error {
	version, dirty, err := mg.m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("read schema version: %w", err)
	}
	mg.logger.Info(msg, zap.Uint("version", version), zap.Bool("dirty", dirty))
	return nil
}

// noChange folds migrate.ErrNoChange into a boolean so callers treat an
// up-to-date schema as success.
func noChange(err error) (bool, error) {
	if errors.Is(err, migrate.ErrNoChange) {
		return true, nil
	}
	return false, err
}
