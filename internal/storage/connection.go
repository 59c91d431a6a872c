package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/lib/pq"

	"github.com/funneld-io/funneld/internal/config"
)

// Sentinel errors for connection management.
var (
	// ErrNoDatabaseConnection is returned when an operation requires a
	// connection that was never established or already closed.
	ErrNoDatabaseConnection = errors.New("no database connection")

	// ErrConnectionFailed is returned when opening or pinging the database fails.
	ErrConnectionFailed = errors.New("database connection failed")
)

const (
	healthCheckTimeout = 5 * time.Second

	// pqPreparedStatementExists is the PostgreSQL error code raised when a
	// pooled session already holds a prepared statement with the same name.
	pqPreparedStatementExists = "42P05"
)

// Connection wraps *sql.DB with pooler-aware retry behavior.
//
// Transaction-mode poolers multiplex sessions, so a server-side prepared
// statement created on one session can collide on another with 42P05. On
// that specific failure the pool's idle connections are reset and the query
// retried exactly once before the error surfaces.
type Connection struct {
	DB     *sql.DB
	logger *slog.Logger
}

// NewConnection opens a PostgreSQL connection pool and verifies connectivity.
func NewConnection(cfg *Config) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))

	logger.Info("Connected to PostgreSQL",
		slog.String("url", cfg.MaskDatabaseURL()),
		slog.Int("max_open_conns", cfg.MaxOpenConns),
		slog.Bool("prepared_statements_disabled", cfg.DisablePreparedStatements),
	)

	return &Connection{DB: db, logger: logger}, nil
}

// Close closes the underlying connection pool.
func (c *Connection) Close() error {
	if c.DB == nil {
		return nil
	}

	return c.DB.Close()
}

// HealthCheck verifies the database is reachable.
func (c *Connection) HealthCheck(ctx context.Context) error {
	if c.DB == nil {
		return ErrNoDatabaseConnection
	}

	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	if err := c.DB.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	return nil
}

// isPreparedStatementConflict reports whether err is the 42P05 duplicate
// prepared statement failure seen behind transaction-mode poolers.
func isPreparedStatementConflict(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pqPreparedStatementExists
	}

	return false
}

// resetPool drops idle connections so the next query gets a fresh session
// without a stale prepared statement.
func (c *Connection) resetPool() {
	c.DB.SetMaxIdleConns(0)
	c.DB.SetMaxIdleConns(defaultMaxIdleConns)

	if c.logger != nil {
		c.logger.Warn("Reset connection pool after prepared statement conflict")
	}
}

// ExecContext runs a statement, retrying once after a 42P05 conflict.
func (c *Connection) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if c.DB == nil {
		return nil, ErrNoDatabaseConnection
	}

	result, err := c.DB.ExecContext(ctx, query, args...)
	if err != nil && isPreparedStatementConflict(err) {
		c.resetPool()

		return c.DB.ExecContext(ctx, query, args...)
	}

	return result, err
}

// QueryContext runs a query, retrying once after a 42P05 conflict.
func (c *Connection) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if c.DB == nil {
		return nil, ErrNoDatabaseConnection
	}

	rows, err := c.DB.QueryContext(ctx, query, args...)
	if err != nil && isPreparedStatementConflict(err) {
		c.resetPool()

		return c.DB.QueryContext(ctx, query, args...)
	}

	return rows, err
}

// QueryRowContext runs a single-row query. Row errors surface on Scan, so
// the 42P05 retry cannot apply here; callers needing it use QueryContext.
func (c *Connection) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return c.DB.QueryRowContext(ctx, query, args...)
}

// BeginTx starts a transaction.
func (c *Connection) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	if c.DB == nil {
		return nil, ErrNoDatabaseConnection
	}

	tx, err := c.DB.BeginTx(ctx, opts)
	if err != nil && isPreparedStatementConflict(err) {
		c.resetPool()

		return c.DB.BeginTx(ctx, opts)
	}

	return tx, err
}
