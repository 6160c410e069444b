package storage

import (
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/racedata/liverc-ingest/internal/config"
)

const (
	defaultPoolSize        = 5
	defaultMaxOverflow     = 10
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 10 * time.Minute
)

// ErrDatabaseURLEmpty is returned when the database url is an empty string.
var ErrDatabaseURLEmpty = errors.New("database URL cannot be empty")

// Config holds the PostgreSQL connection pool configuration. The pool is
// sized as a steady-state PoolSize plus a MaxOverflow of burst
// connections, which maps onto database/sql as
// SetMaxIdleConns(PoolSize) and SetMaxOpenConns(PoolSize + MaxOverflow).
type Config struct {
	databaseURL     string
	PoolSize        int
	MaxOverflow     int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// LoadConfig reads the pool configuration from the environment:
// DATABASE_URL (required), DB_POOL_SIZE and DB_MAX_OVERFLOW (optional
// tuning), and the connection lifetime knobs.
func LoadConfig() *Config {
	return &Config{
		databaseURL:     config.GetEnvStr("DATABASE_URL", ""), // kept unexported so it cannot leak into logs
		PoolSize:        config.GetEnvInt("DB_POOL_SIZE", defaultPoolSize),
		MaxOverflow:     config.GetEnvInt("DB_MAX_OVERFLOW", defaultMaxOverflow),
		ConnMaxLifetime: config.GetEnvDuration("DB_CONN_MAX_LIFETIME", defaultConnMaxLifetime),
		ConnMaxIdleTime: config.GetEnvDuration("DB_CONN_MAX_IDLE_TIME", defaultConnMaxIdleTime),
	}
}

// Validate checks the configuration is usable.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.databaseURL) == "" {
		return ErrDatabaseURLEmpty
	}

	return nil
}

// MaxOpenConns is the hard ceiling handed to database/sql.
func (c *Config) MaxOpenConns() int {
	return c.PoolSize + c.MaxOverflow
}

// MaxIdleConns is the steady-state pool size handed to database/sql.
func (c *Config) MaxIdleConns() int {
	return c.PoolSize
}

// MaskDatabaseURL returns the database URL with any password replaced,
// safe for logging. A string that does not parse as a URL is returned
// with everything after the scheme removed rather than risking a leak.
func (c *Config) MaskDatabaseURL() string {
	if c.databaseURL == "" {
		return ""
	}

	u, err := url.Parse(c.databaseURL)
	if err != nil {
		if scheme, _, ok := strings.Cut(c.databaseURL, "://"); ok {
			return scheme + "://***"
		}

		return "***"
	}

	return u.Redacted()
}
