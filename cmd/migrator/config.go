package main

import (
	"errors"
	"fmt"

	"github.com/funneld-io/funneld/internal/config"
)

// ErrDatabaseURLRequired is returned when DATABASE_URL is unset.
var ErrDatabaseURLRequired = errors.New("DATABASE_URL is required")

// Config holds migrator settings.
type Config struct {
	// DatabaseURL is the PostgreSQL connection string.
	DatabaseURL string

	// MigrationTable tracks applied migrations.
	MigrationTable string
}

// LoadConfig reads migrator settings from the environment.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		DatabaseURL:    config.GetEnvStr("DATABASE_URL", ""),
		MigrationTable: config.GetEnvStr("MIGRATION_TABLE", "schema_migrations"),
	}

	if cfg.DatabaseURL == "" {
		return nil, ErrDatabaseURLRequired
	}

	return cfg, nil
}

// String renders the configuration with credentials masked.
func (c *Config) String() string {
	return fmt.Sprintf("Config{DatabaseURL: %s, MigrationTable: %s}",
		maskDatabaseURL(c.DatabaseURL), c.MigrationTable)
}

// maskDatabaseURL hides the password portion of a connection URL.
func maskDatabaseURL(url string) string {
	authStart := -1

	for i := 0; i < len(url)-1; i++ {
		if url[i] == '/' && url[i+1] == '/' {
			authStart = i + 2

			break
		}
	}

	if authStart == -1 {
		return url
	}

	atPos := -1

	for i := authStart; i < len(url); i++ {
		if url[i] == '@' {
			atPos = i
		}

		if url[i] == '/' || url[i] == '?' || url[i] == '#' {
			break
		}
	}

	if atPos == -1 {
		return url
	}

	colonPos := -1

	for i := authStart; i < atPos; i++ {
		if url[i] == ':' {
			colonPos = i

			break
		}
	}

	if colonPos == -1 || atPos-(colonPos+1) == 0 {
		return url
	}

	return url[:colonPos+1] + "***" + url[atPos:]
}
