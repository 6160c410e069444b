package main

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	migrate "github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"

	_ "github.com/golang-migrate/migrate/v4/source/file" // file:// migration source
	_ "github.com/lib/pq"                                // postgres driver
)

// Runner wraps a migrate.Migrate instance and the database connection it
// borrows, closing both together.
type Runner struct {
	migrate *migrate.Migrate
	db      *sql.DB
	logger  *slog.Logger
}

// NewRunner opens a connection to cfg.DatabaseURL, verifies it with a
// ping, and builds a migrate instance over the file-based migration
// source.
func NewRunner(cfg *Config, logger *slog.Logger) (*Runner, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("ping database: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("create postgres migrate driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+cfg.MigrationsPath, "postgres", driver)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("create migrate instance: %w", err)
	}

	return &Runner{migrate: m, db: db, logger: logger}, nil
}

// Up applies every pending migration. An already-current schema is not an
// error.
func (r *Runner) Up() error {
	err := r.migrate.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		r.logger.Info("schema already up to date")

		return nil
	}

	if err != nil {
		return fmt.Errorf("migrate up: %w", err)
	}

	r.logger.Info("all pending migrations applied")

	return nil
}

// Down rolls back the most recent migration only.
func (r *Runner) Down() error {
	err := r.migrate.Steps(-1)
	if errors.Is(err, migrate.ErrNoChange) {
		r.logger.Info("no migrations to roll back")

		return nil
	}

	if err != nil {
		return fmt.Errorf("migrate down: %w", err)
	}

	r.logger.Info("rolled back one migration")

	return nil
}

// Version reports the current schema version and whether it is dirty. A
// database with no applied migrations reports version 0.
func (r *Runner) Version() (uint, bool, error) {
	version, dirty, err := r.migrate.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}

	if err != nil {
		return 0, false, fmt.Errorf("read schema version: %w", err)
	}

	return version, dirty, nil
}

// Force records version as applied without running its migration, the
// recovery path after a migration died half-way and left the schema
// dirty.
func (r *Runner) Force(version int) error {
	if err := r.migrate.Force(version); err != nil {
		return fmt.Errorf("force version %d: %w", version, err)
	}

	r.logger.Warn("schema version forced", "version", version)

	return nil
}

// Drop removes every table in the schema.
func (r *Runner) Drop() error {
	if err := r.migrate.Drop(); err != nil {
		return fmt.Errorf("drop schema: %w", err)
	}

	r.logger.Warn("all tables dropped")

	return nil
}

// Close releases the migrate source and the database connection.
func (r *Runner) Close() error {
	var errs []error

	if r.migrate != nil {
		sourceErr, dbErr := r.migrate.Close()
		if sourceErr != nil {
			errs = append(errs, sourceErr)
		}

		if dbErr != nil {
			errs = append(errs, dbErr)
		}
	}

	if r.db != nil {
		if err := r.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
