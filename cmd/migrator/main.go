// Package main is the schema migration tool for the LiveRC ingestion
// database. It wraps golang-migrate with the handful of commands an
// operator actually runs: apply everything, roll back one step, inspect
// the version, force a version after a failed migration, and drop the
// schema (with confirmation).
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/racedata/liverc-ingest/internal/config"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	cfg, err := LoadConfig()
	if err != nil {
		logger.Error("invalid migrator configuration", "error", err)
		os.Exit(2)
	}

	runner, err := NewRunner(cfg, logger)
	if err != nil {
		logger.Error("migration runner initialization failed", "error", err)
		os.Exit(2)
	}
	defer func() { _ = runner.Close() }()

	if err := run(runner, os.Args[1], os.Args[2:]); err != nil {
		logger.Error("migration command failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

func run(runner *Runner, command string, args []string) error {
	switch command {
	case "up":
		return runner.Up()
	case "down":
		return runner.Down()
	case "version":
		version, dirty, err := runner.Version()
		if err != nil {
			return err
		}

		if dirty {
			fmt.Printf("%d (dirty)\n", version)
		} else {
			fmt.Printf("%d\n", version)
		}

		return nil
	case "force":
		if len(args) != 1 {
			return fmt.Errorf("force requires exactly one version argument")
		}

		version, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("force version must be an integer: %w", err)
		}

		return runner.Force(version)
	case "drop":
		fmt.Print("This drops every table in the ingestion schema. Continue? (y/N): ")

		var answer string

		_, _ = fmt.Scanln(&answer)

		if answer != "y" && answer != "Y" {
			fmt.Println("cancelled")

			return nil
		}

		return runner.Drop()
	default:
		printUsage()

		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `usage: migrator COMMAND

commands:
  up         apply all pending migrations
  down       roll back the most recent migration
  version    print the current schema version
  force N    mark version N as applied without running it
  drop       drop all tables (asks for confirmation)

environment:
  DATABASE_URL     Postgres connection string (required)
  MIGRATIONS_PATH  migration files directory (default: ./migrations)
  LOG_LEVEL        debug | info | warn | error (default: info)
`)
}
