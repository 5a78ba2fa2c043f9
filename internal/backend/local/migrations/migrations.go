package migrations

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/slok/pkgworker/internal/log"
)

//go:embed sql/*.sql
var migrationFiles embed.FS

const versionTable = "schema_migrations"

// ErrNotMigrated is returned when a database has never been initialized as a package store.
var ErrNotMigrated = errors.New("store schema not initialized")

// Migrator manages the schema of an installation store database.
//
// Only store initialization changes the schema, opening a store just checks it.
type Migrator struct {
	db     *sql.DB
	logger log.Logger
}

// NewMigrator creates a new migrator instance.
func NewMigrator(db *sql.DB, logger log.Logger) (*Migrator, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if logger == nil {
		logger = log.Noop
	}

	return &Migrator{db: db, logger: logger}, nil
}

// Up brings the store schema to the latest version.
func (m *Migrator) Up(ctx context.Context) error {
	inst, closeSrc, err := m.instance()
	defer closeSrc()
	if err != nil {
		return err
	}

	err = inst.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("could not run migrations: %w", err)
	}

	m.logger.Debugf("Store schema up to date")
	return nil
}

// Version returns the schema version of the store. It never writes, so it's safe on
// read-only connections: a database without the version table is ErrNotMigrated and
// a dirty schema is an error.
func (m *Migrator) Version(ctx context.Context) (uint, error) {
	var n int
	err := m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, versionTable).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("could not read schema: %w", err)
	}
	if n == 0 {
		return 0, ErrNotMigrated
	}

	var (
		version int64
		dirty   bool
	)
	err = m.db.QueryRowContext(ctx, `SELECT version, dirty FROM `+versionTable+` LIMIT 1`).Scan(&version, &dirty)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return 0, ErrNotMigrated
	case err != nil:
		return 0, fmt.Errorf("could not get schema version: %w", err)
	case dirty:
		return 0, fmt.Errorf("schema version %d is dirty", version)
	case version <= 0:
		return 0, ErrNotMigrated
	}

	return uint(version), nil
}

func (m *Migrator) instance() (instance *migrate.Migrate, closeSrc func(), err error) {
	closeSrc = func() {}

	driver, err := sqlite3.WithInstance(m.db, &sqlite3.Config{MigrationsTable: versionTable})
	if err != nil {
		return nil, closeSrc, fmt.Errorf("could not create driver: %w", err)
	}

	src, err := iofs.New(migrationFiles, "sql")
	if err != nil {
		return nil, closeSrc, fmt.Errorf("could not create fs: %w", err)
	}
	closeSrc = func() {
		if err := src.Close(); err != nil {
			m.logger.Errorf("could not close fs: %s", err)
		}
	}

	instance, err = migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return nil, closeSrc, fmt.Errorf("could not create migration instance: %w", err)
	}

	return instance, closeSrc, nil
}
