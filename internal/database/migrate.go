package database

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"alphamine/internal/logger"
)

//go:embed migrations/*.sql
var embedded embed.FS

// Migrator handles database migrations
type Migrator struct {
	migrate *migrate.Migrate
	log     logger.Logger
}

// MigrationStatus represents the current status of database migrations
type MigrationStatus struct {
	CurrentVersion uint
	IsDirty        bool
}

// NewMigrator creates a new migrator instance. An empty migrationsPath uses
// the migrations compiled into the binary.
func NewMigrator(db *DB, migrationsPath string) (*Migrator, error) {
	driver, err := postgres.WithInstance(db.DB, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres driver: %w", err)
	}

	var m *migrate.Migrate
	if migrationsPath == "" {
		src, err := iofs.New(embedded, "migrations")
		if err != nil {
			return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", src, "postgres", driver)
		if err != nil {
			return nil, fmt.Errorf("failed to create migrator: %w", err)
		}
	} else {
		m, err = migrate.NewWithDatabaseInstance(
			fmt.Sprintf("file://%s", migrationsPath),
			"postgres", driver)
		if err != nil {
			return nil, fmt.Errorf("failed to create migrator: %w", err)
		}
	}

	return &Migrator{migrate: m, log: logger.GetGlobalLogger().WithField("component", "migrator")}, nil
}

// Up runs all pending migrations
func (m *Migrator) Up() error {
	if err := m.migrate.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	m.log.Info("Database migrations completed successfully")
	return nil
}

// Down rolls back all migrations
func (m *Migrator) Down() error {
	if err := m.migrate.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to rollback migrations: %w", err)
	}
	m.log.Info("Database migrations rolled back successfully")
	return nil
}

// Status returns the current migration version and dirty flag. A database
// without any applied migration reports version 0.
func (m *Migrator) Status() (MigrationStatus, error) {
	version, dirty, err := m.migrate.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return MigrationStatus{}, nil
	}
	if err != nil {
		return MigrationStatus{}, fmt.Errorf("failed to get migration version: %w", err)
	}
	return MigrationStatus{CurrentVersion: version, IsDirty: dirty}, nil
}

// Force sets the migration version without running migrations
func (m *Migrator) Force(version int) error {
	if err := m.migrate.Force(version); err != nil {
		return fmt.Errorf("failed to force migration version: %w", err)
	}
	m.log.Warn("Forced migration version", "version", version)
	return nil
}

// Close closes the migrator
func (m *Migrator) Close() error {
	srcErr, dbErr := m.migrate.Close()
	if srcErr != nil {
		return fmt.Errorf("failed to close migration source: %w", srcErr)
	}
	if dbErr != nil {
		return fmt.Errorf("failed to close migrator: %w", dbErr)
	}
	return nil
}
