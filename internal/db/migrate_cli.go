package db

import (
	"errors"
	"fmt"
	"io"
	"strconv"
)

// RunMigrateCommand handles the 'migrate' subcommand against the database
// at dbPath using the embedded migrations. Output goes to w.
func RunMigrateCommand(w io.Writer, args []string, dbPath string) error {
	if len(args) < 1 {
		PrintMigrateHelp(w)
		return errors.New("missing migrate action")
	}
	action := args[0]
	if action == "help" {
		PrintMigrateHelp(w)
		return nil
	}

	// The schema is managed by the migrations, so open without applying them.
	database, err := OpenDB(dbPath)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()
	migrationsFS := MigrationsFS()

	switch action {
	case "up":
		if err := database.MigrateUp(migrationsFS); err != nil {
			return err
		}
		fmt.Fprintln(w, "All migrations applied")
		return printVersion(w, database)

	case "down":
		if err := database.MigrateDown(migrationsFS); err != nil {
			return err
		}
		fmt.Fprintln(w, "Rolled back one migration")
		return printVersion(w, database)

	case "status":
		status, err := database.GetMigrationStatus(migrationsFS)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, "=== Migration Status ===")
		fmt.Fprintf(w, "Current version: %d\n", status.Current)
		fmt.Fprintf(w, "Latest available: %d\n", status.Latest)
		fmt.Fprintf(w, "Dirty: %v\n", status.Dirty)
		switch {
		case status.Dirty:
			fmt.Fprintln(w, "A migration failed mid-execution. Inspect the database, then run: migrate force <version>")
		case status.Pending() > 0:
			fmt.Fprintf(w, "%d migration(s) pending. Run: migrate up\n", status.Pending())
		default:
			fmt.Fprintln(w, "Database is up to date")
		}
		return nil

	case "version":
		if len(args) < 2 {
			return errors.New("usage: migrate version <version_number>")
		}
		target, err := strconv.ParseUint(args[1], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid version number %q", args[1])
		}
		if err := database.MigrateTo(migrationsFS, uint(target)); err != nil {
			return err
		}
		fmt.Fprintf(w, "Migrated to version %d\n", target)
		return nil

	case "force":
		if len(args) < 2 {
			return errors.New("usage: migrate force <version_number>")
		}
		target, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid version number %q", args[1])
		}
		if err := database.MigrateForce(migrationsFS, target); err != nil {
			return err
		}
		fmt.Fprintf(w, "Migration version forced to %d\n", target)
		return nil

	default:
		PrintMigrateHelp(w)
		return fmt.Errorf("unknown migrate action %q", action)
	}
}

func printVersion(w io.Writer, database *DB) error {
	version, dirty, err := database.MigrateVersion(MigrationsFS())
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Current version: %d (dirty: %v)\n", version, dirty)
	return nil
}

// PrintMigrateHelp writes the migrate subcommand usage to w.
func PrintMigrateHelp(w io.Writer) {
	fmt.Fprint(w, `Database Migration Commands

Usage: velocity-pilot migrate <command> [options]

Commands:
  up              Apply all pending migrations
  down            Roll back one migration
  status          Show current and latest migration versions
  version <N>     Migrate up or down to version N
  force <N>       Force the recorded version to N (recovery only)
  help            Show this help message

Options:
  --db-path <path>    Path to the tick database (default: pilot.db)
`)
}
