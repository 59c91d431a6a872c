// Command migrator applies the funneld database schema. Migrations are
// embedded in the binary, so deployment needs nothing but DATABASE_URL.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
)

const (
	version = "1.0.0"
	name    = "migrator"
)

func main() {
	var (
		showHelp    = flag.Bool("help", false, "Show help")
		showVersion = flag.Bool("version", false, "Show version")
	)

	flag.Parse()

	if *showVersion {
		fmt.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	if *showHelp || flag.NArg() < 1 {
		printUsage()
		os.Exit(0)
	}

	cfg, err := LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	runner, err := NewRunner(cfg)
	if err != nil {
		log.Fatalf("Failed to create migration runner: %v", err)
	}
	defer func() { _ = runner.Close() }()

	if err := run(flag.Arg(0), runner); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
}

func run(command string, runner *Runner) error {
	switch command {
	case "up":
		return runner.Up()
	case "down":
		return runner.Down()
	case "version":
		return runner.Version()
	case "drop":
		fmt.Print("WARNING: this drops all tables. Continue? (y/N): ")

		var response string

		_, _ = fmt.Scanln(&response)

		if response == "y" || response == "Y" {
			return runner.Drop()
		}

		fmt.Println("Cancelled.")

		return nil
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage() {
	fmt.Printf(`%s v%s - funneld schema migration tool

USAGE:
    %s [OPTIONS] COMMAND

COMMANDS:
    up       Apply all pending migrations
    down     Roll back the last migration
    version  Show current migration version
    drop     Drop all tables (requires confirmation)

ENVIRONMENT VARIABLES:
    DATABASE_URL     PostgreSQL connection string (required)
    MIGRATION_TABLE  Migration tracking table (default: schema_migrations)
`, name, version, name)
}
