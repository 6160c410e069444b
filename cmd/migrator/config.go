package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/racedata/liverc-ingest/internal/config"
)

var (
	errDatabaseURLMissing   = errors.New("DATABASE_URL must be set")
	errMigrationsPathEmpty  = errors.New("MIGRATIONS_PATH cannot be empty")
	errMigrationsPathAbsent = errors.New("migrations directory does not exist")
)

// Config is the migrator's environment-derived configuration.
type Config struct {
	DatabaseURL    string
	MigrationsPath string
}

// LoadConfig reads the migrator configuration from the environment and
// resolves the migrations directory to an absolute path.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		DatabaseURL:    config.GetEnvStr("DATABASE_URL", ""),
		MigrationsPath: config.GetEnvStr("MIGRATIONS_PATH", "./migrations"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration and normalizes MigrationsPath.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return errDatabaseURLMissing
	}

	if c.MigrationsPath == "" {
		return errMigrationsPathEmpty
	}

	abs, err := filepath.Abs(c.MigrationsPath)
	if err != nil {
		return fmt.Errorf("resolve migrations path: %w", err)
	}

	c.MigrationsPath = abs

	if _, err := os.Stat(c.MigrationsPath); os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", errMigrationsPathAbsent, c.MigrationsPath)
	}

	return nil
}
