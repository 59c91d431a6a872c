package main

import (
	"database/sql"
	"errors"
	"fmt"
	"log"

	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "github.com/lib/pq" // PostgreSQL driver

	migrate "github.com/golang-migrate/migrate/v4"

	"github.com/funneld-io/funneld/migrations"
)

// Runner applies the embedded schema migrations.
type Runner struct {
	migrate *migrate.Migrate
	db      *sql.DB
}

// migrateLogger adapts the standard logger to migrate.Logger.
type migrateLogger struct{}

var _ migrate.Logger = (*migrateLogger)(nil)

func (l *migrateLogger) Printf(format string, v ...any) { log.Printf("[MIGRATE] "+format, v...) }
func (l *migrateLogger) Verbose() bool                  { return true }

// NewRunner opens the database and binds the embedded migration source.
func NewRunner(cfg *Config) (*Runner, error) {
	log.Printf("Initializing migrator: %s", cfg.String())

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("ping database: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{
		MigrationsTable: cfg.MigrationTable,
	})
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("create postgres driver: %w", err)
	}

	source, err := iofs.New(migrations.Files, ".")
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("open embedded migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("create migrate instance: %w", err)
	}

	m.Log = &migrateLogger{}

	return &Runner{migrate: m, db: db}, nil
}

// Up applies all pending migrations.
func (r *Runner) Up() error {
	err := r.migrate.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}

	if errors.Is(err, migrate.ErrNoChange) {
		log.Println("No new migrations to apply")
	} else {
		log.Println("All migrations applied")
	}

	return nil
}

// Down rolls back the last migration.
func (r *Runner) Down() error {
	err := r.migrate.Steps(-1)
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate down: %w", err)
	}

	return nil
}

// Version prints the current migration version.
func (r *Runner) Version() error {
	ver, dirty, err := r.migrate.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			fmt.Println("Current version: none applied")

			return nil
		}

		return fmt.Errorf("migration version: %w", err)
	}

	note := ""
	if dirty {
		note = " (dirty)"
	}

	fmt.Printf("Current version: %d%s\n", ver, note)

	return nil
}

// Drop drops every table. Destructive.
func (r *Runner) Drop() error {
	if err := r.migrate.Drop(); err != nil {
		return fmt.Errorf("drop: %w", err)
	}

	log.Println("All tables dropped")

	return nil
}

// Close releases the migration source and database connections.
func (r *Runner) Close() error {
	var errs []error

	if r.migrate != nil {
		if sourceErr, dbErr := r.migrate.Close(); sourceErr != nil || dbErr != nil {
			if sourceErr != nil {
				errs = append(errs, fmt.Errorf("close source: %w", sourceErr))
			}

			if dbErr != nil {
				errs = append(errs, fmt.Errorf("close driver: %w", dbErr))
			}
		}
	}

	if r.db != nil {
		if err := r.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close database: %w", err))
		}
	}

	return errors.Join(errs...)
}
