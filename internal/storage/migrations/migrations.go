// Package migrations applies the embedded extraction_progress schema with
// golang-migrate for both supported SQL backends.
package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
)

//go:embed sql/postgres/*.sql sql/sqlite/*.sql
var migrationFiles embed.FS

// Dialect selects the schema flavour.
type Dialect string

// Supported dialects.
const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// Migrator runs schema migrations against an open database.
type Migrator struct {
	db      *sql.DB
	dialect Dialect
	logger  *zap.Logger
}

// NewMigrator creates a migrator for db.
func NewMigrator(db *sql.DB, dialect Dialect, logger *zap.Logger) (*Migrator, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if dialect != Postgres && dialect != SQLite {
		return nil, fmt.Errorf("unsupported dialect %q", dialect)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Migrator{db: db, dialect: dialect, logger: logger.Named("migrations")}, nil
}

// Up applies every pending migration.
func (m *Migrator) Up() error {
	inst, closeFn, err := m.instance()
	defer closeFn()
	if err != nil {
		return err
	}
	if err := inst.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("could not run migrations: %w", err)
	}
	version, dirty, err := inst.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("read migration version: %w", err)
	}
	m.logger.Info("migrations applied",
		zap.String("dialect", string(m.dialect)),
		zap.Uint("version", version),
		zap.Bool("dirty", dirty),
	)
	return nil
}

// Down reverts every migration.
func (m *Migrator) Down() error {
	inst, closeFn, err := m.instance()
	defer closeFn()
	if err != nil {
		return err
	}
	if err := inst.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("could not revert migrations: %w", err)
	}
	m.logger.Info("migrations reverted", zap.String("dialect", string(m.dialect)))
	return nil
}

func (m *Migrator) instance() (*migrate.Migrate, func(), error) {
	closeFn := func() {}

	var (
		driver database.Driver
		err    error
	)
	switch m.dialect {
	case Postgres:
		driver, err = migratepgx.WithInstance(m.db, &migratepgx.Config{})
	case SQLite:
		driver, err = migratesqlite.WithInstance(m.db, &migratesqlite.Config{})
	}
	if err != nil {
		return nil, closeFn, fmt.Errorf("could not create %s driver: %w", m.dialect, err)
	}

	src, err := iofs.New(migrationFiles, "sql/"+string(m.dialect))
	if err != nil {
		return nil, closeFn, fmt.Errorf("could not create fs: %w", err)
	}
	closeFn = func() {
		if err := src.Close(); err != nil {
			m.logger.Warn("could not close migration source", zap.Error(err))
		}
	}

	inst, err := migrate.NewWithInstance("iofs", src, string(m.dialect), driver)
	if err != nil {
		return nil, closeFn, fmt.Errorf("could not create migration instance: %w", err)
	}
	return inst, closeFn, nil
}
