// Package api provides the HTTP surface of the funneld service: funnel
// management, analytics, and export endpoints over JSON.
package api

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/funneld-io/funneld/internal/config"
)

const (
	defaultPort           = 8080
	maxPort               = 65535
	defaultHost           = "0.0.0.0"
	defaultTimeout        = 30 * time.Second
	defaultLogLevel       = slog.LevelInfo
	defaultMaxRequestSize = int64(1 << 20) // 1 MiB
	defaultCORSMaxAge     = 86400
)

// Server configuration validation errors.
var (
	// ErrInvalidPort indicates the port number is outside 1-65535.
	ErrInvalidPort = errors.New("invalid port")

	// ErrEmptyHost indicates the server host address is empty.
	ErrEmptyHost = errors.New("host cannot be empty")

	// ErrInvalidTimeout indicates a timeout is zero or negative.
	ErrInvalidTimeout = errors.New("timeouts must be positive")

	// ErrInvalidMaxRequestSize indicates the max request size is not positive.
	ErrInvalidMaxRequestSize = errors.New("max request size must be positive")
)

type (
	// ServerConfig holds pure HTTP server configuration. Runtime
	// dependencies are injected into NewServer separately.
	ServerConfig struct {
		Port               int
		Host               string
		ReadTimeout        time.Duration
		WriteTimeout       time.Duration
		ShutdownTimeout    time.Duration
		LogLevel           slog.Level
		MaxRequestSize     int64
		AuthEnabled        bool
		CORSAllowedOrigins []string
		CORSAllowedMethods []string
		CORSAllowedHeaders []string
		CORSMaxAge         int
	}

	// CORSConfig adapts server CORS settings to the middleware interface.
	CORSConfig struct {
		AllowedOrigins []string
		AllowedMethods []string
		AllowedHeaders []string
		MaxAge         int
	}
)

// LoadServerConfig loads server configuration from environment variables
// with fallback to defaults.
func LoadServerConfig() *ServerConfig {
	return &ServerConfig{
		Port:            config.GetEnvInt("FUNNELD_SERVER_PORT", defaultPort),
		Host:            config.GetEnvStr("FUNNELD_SERVER_HOST", defaultHost),
		ReadTimeout:     config.GetEnvDuration("FUNNELD_SERVER_READ_TIMEOUT", defaultTimeout),
		WriteTimeout:    config.GetEnvDuration("FUNNELD_SERVER_WRITE_TIMEOUT", defaultTimeout),
		ShutdownTimeout: config.GetEnvDuration("FUNNELD_SERVER_SHUTDOWN_TIMEOUT", defaultTimeout),
		LogLevel:        config.GetEnvLogLevel("FUNNELD_SERVER_LOG_LEVEL", defaultLogLevel),
		MaxRequestSize:  config.GetEnvInt64("FUNNELD_MAX_REQUEST_SIZE", defaultMaxRequestSize),
		AuthEnabled:     config.GetEnvBool("FUNNELD_AUTH_ENABLED", true),
		CORSAllowedOrigins: config.ParseCommaSeparatedList(
			config.GetEnvStr("FUNNELD_CORS_ALLOWED_ORIGINS", "*"),
		),
		CORSAllowedMethods: config.ParseCommaSeparatedList(
			config.GetEnvStr("FUNNELD_CORS_ALLOWED_METHODS", "GET,POST,PATCH,DELETE,OPTIONS"),
		),
		CORSAllowedHeaders: config.ParseCommaSeparatedList(
			config.GetEnvStr("FUNNELD_CORS_ALLOWED_HEADERS",
				"Content-Type,Authorization,X-Correlation-ID,X-API-Key"),
		),
		CORSMaxAge: config.GetEnvInt("FUNNELD_CORS_MAX_AGE", defaultCORSMaxAge),
	}
}

// Validate checks the server configuration.
func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > maxPort {
		return fmt.Errorf("%w: %d", ErrInvalidPort, c.Port)
	}

	if c.Host == "" {
		return ErrEmptyHost
	}

	if c.ReadTimeout <= 0 || c.WriteTimeout <= 0 || c.ShutdownTimeout <= 0 {
		return ErrInvalidTimeout
	}

	if c.MaxRequestSize <= 0 {
		return ErrInvalidMaxRequestSize
	}

	return nil
}

// Address returns the listen address in host:port form.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ToCORSConfig converts the server's CORS fields to the middleware view.
func (c *ServerConfig) ToCORSConfig() *CORSConfig {
	return &CORSConfig{
		AllowedOrigins: c.CORSAllowedOrigins,
		AllowedMethods: c.CORSAllowedMethods,
		AllowedHeaders: c.CORSAllowedHeaders,
		MaxAge:         c.CORSMaxAge,
	}
}

// GetAllowedOrigins returns the allowed CORS origins.
func (c *CORSConfig) GetAllowedOrigins() []string { return c.AllowedOrigins }

// GetAllowedMethods returns the allowed CORS methods.
func (c *CORSConfig) GetAllowedMethods() []string { return c.AllowedMethods }

// GetAllowedHeaders returns the allowed CORS headers.
func (c *CORSConfig) GetAllowedHeaders() []string { return c.AllowedHeaders }

// GetMaxAge returns the CORS preflight cache lifetime in seconds.
func (c *CORSConfig) GetMaxAge() int { return c.MaxAge }
