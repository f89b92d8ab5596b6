// Package main provides the database migration CLI tool for Cartographer.
//
// Migrations are embedded in the binary, so the tool needs nothing but a
// DATABASE_URL to bring a fresh PostgreSQL instance up to the current schema.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
)

// Build-time version information, set with -ldflags.
var (
	Version   = "1.0.0-dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
	name      = "migrator"
)

func main() {
	showHelp := flag.Bool("help", false, "Show help information")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	switch {
	case *showVersion:
		fmt.Printf("%s v%s (commit %s, built %s)\n", name, Version, GitCommit, BuildTime)

		return
	case *showHelp, flag.NArg() < 1:
		printUsage()

		return
	}

	if err := run(flag.Arg(0)); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)
		os.Exit(1)
	}
}

// run loads configuration, opens the runner, and dispatches one command.
func run(command string) error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}

	runner, err := NewMigrationRunner(cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = runner.Close()
	}()

	switch command {
	case "up":
		return runner.Up()
	case "down":
		return runner.Down()
	case "status":
		return runner.Status()
	case "version":
		return runner.Version()
	case "drop":
		ok, err := confirmDrop(os.Stdin, os.Stdout)
		if err != nil {
			return err
		}

		if !ok {
			fmt.Println("Operation cancelled.")

			return nil
		}

		return runner.Drop()
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// confirmDrop asks before the only destructive command.
func confirmDrop(in io.Reader, out io.Writer) (bool, error) {
	fmt.Fprint(out, "WARNING: This will drop all tables. Are you sure? (y/N): ")

	answer, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, fmt.Errorf("failed to read confirmation: %w", err)
	}

	return strings.EqualFold(strings.TrimSpace(answer), "y"), nil
}

func printUsage() {
	fmt.Printf(`%s v%s - database migration tool for Cartographer

USAGE:
    %s [OPTIONS] COMMAND

COMMANDS:
    up      Apply all pending migrations
    down    Roll back the last migration
    status  Show migration status
    version Show current migration version
    drop    Drop all tables (requires confirmation)

OPTIONS:
    --help     Show this help message
    --version  Show version information

ENVIRONMENT VARIABLES:
    DATABASE_URL    PostgreSQL connection string (REQUIRED)

    MIGRATION_TABLE Name of the migration tracking table
                    (default: schema_migrations)

EXAMPLES:
    %s up        # Apply all pending migrations
    %s status    # Show current migration status
    %s down      # Roll back last migration
`, name, Version, name, name, name, name)
}
