// Package storage provides the PostgreSQL persistence layer: funnel store,
// analytics repository, user state store, export job store, and API key store.
package storage

import (
	"errors"
	"strings"
	"time"

	"github.com/funneld-io/funneld/internal/config"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 10 * time.Minute
)

// ErrDatabaseURLEmpty is returned when the database url is an empty string.
var ErrDatabaseURLEmpty = errors.New("database URL cannot be empty")

// Config holds PostgreSQL connection configuration with production-ready defaults.
type Config struct {
	databaseURL     string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// DisablePreparedStatements must be set when connecting through a
	// transaction-mode pooler (pgbouncer). Server-side prepared statements
	// leak across pooled sessions and fail with 42P05.
	DisablePreparedStatements bool
}

// LoadConfig loads PostgreSQL configuration from environment variables with fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		databaseURL:               config.GetEnvStr("DATABASE_URL", ""), // databaseURL is private for obvious reasons.
		MaxOpenConns:              config.GetEnvInt("DATABASE_MAX_OPEN_CONNS", defaultMaxOpenConns),
		MaxIdleConns:              config.GetEnvInt("DATABASE_MAX_IDLE_CONNS", defaultMaxIdleConns),
		ConnMaxLifetime:           config.GetEnvDuration("DATABASE_CONN_MAX_LIFETIME", defaultConnMaxLifetime),
		ConnMaxIdleTime:           config.GetEnvDuration("DATABASE_CONN_MAX_IDLE_TIME", defaultConnMaxIdleTime),
		DisablePreparedStatements: config.GetEnvBool("DATABASE_DISABLE_PREPARED_STATEMENTS", false),
	}
}

// NewConfig builds a Config for an explicit database URL with default pool
// settings. Tests and embedded tooling use this; services use LoadConfig.
func NewConfig(databaseURL string) *Config {
	return &Config{
		databaseURL:     databaseURL,
		MaxOpenConns:    defaultMaxOpenConns,
		MaxIdleConns:    defaultMaxIdleConns,
		ConnMaxLifetime: defaultConnMaxLifetime,
		ConnMaxIdleTime: defaultConnMaxIdleTime,
	}
}

// Validate checks if the PostgreSQL configuration is valid.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.databaseURL) == "" {
		return ErrDatabaseURLEmpty
	}

	return nil
}

// ConnectionString returns the DSN to hand to the driver. When prepared
// statements are disabled it appends binary_parameters=yes so lib/pq sends
// unnamed statements compatible with transaction-mode poolers.
func (c *Config) ConnectionString() string {
	if !c.DisablePreparedStatements {
		return c.databaseURL
	}

	sep := "?"
	if strings.Contains(c.databaseURL, "?") {
		sep = "&"
	}

	return c.databaseURL + sep + "binary_parameters=yes"
}

// MaskDatabaseURL returns a masked databaseURL safe for logging.
func (c *Config) MaskDatabaseURL() string {
	if c.databaseURL == "" {
		return ""
	}

	schemeEnd := strings.Index(c.databaseURL, "://")
	if schemeEnd == -1 {
		return c.databaseURL
	}

	afterScheme := c.databaseURL[schemeEnd+3:]

	lastAtIndex := strings.LastIndex(afterScheme, "@")
	if lastAtIndex == -1 {
		return c.databaseURL
	}

	userInfo := afterScheme[:lastAtIndex]

	colonIndex := strings.Index(userInfo, ":")
	if colonIndex == -1 {
		return c.databaseURL
	}

	username := userInfo[:colonIndex]
	password := userInfo[colonIndex+1:]

	if password == "" {
		return c.databaseURL
	}

	scheme := c.databaseURL[:schemeEnd]
	hostAndRest := afterScheme[lastAtIndex:]

	return scheme + "://" + username + ":***" + hostAndRest
}
