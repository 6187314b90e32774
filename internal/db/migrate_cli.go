package db

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strconv"
)

// ErrUnknownMigrateAction is returned for an unrecognised migrate subcommand.
var ErrUnknownMigrateAction = errors.New("unknown migrate action")

// RunMigrateCommand dispatches `migrate <action>` against the database at
// dbPath, writing human readable progress to out.
func RunMigrateCommand(out io.Writer, args []string, dbPath string) error {
	if len(args) < 1 {
		PrintMigrateHelp(out)
		return fmt.Errorf("%w: none given", ErrUnknownMigrateAction)
	}

	// The schema is left to the migrations, so open without NewDB.
	database, err := OpenDB(dbPath)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	return database.runMigrateAction(out, MigrationsFS(), args)
}

func (db *DB) runMigrateAction(out io.Writer, migrations fs.FS, args []string) error {
	switch action := args[0]; action {
	case "up":
		fmt.Fprintln(out, "Running migrations...")
		if err := db.MigrateUp(migrations); err != nil {
			return err
		}
		fmt.Fprintln(out, "All migrations applied")
		return db.printVersion(out, migrations)

	case "down":
		fmt.Fprintln(out, "Rolling back one migration...")
		if err := db.MigrateDown(migrations); err != nil {
			return err
		}
		return db.printVersion(out, migrations)

	case "status":
		return db.printStatus(out, migrations)

	case "force":
		if len(args) < 2 {
			return errors.New("usage: migrate force <version>")
		}
		v, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", args[1], err)
		}
		if err := db.MigrateForce(migrations, v); err != nil {
			return err
		}
		return db.printVersion(out, migrations)

	case "help":
		PrintMigrateHelp(out)
		return nil

	default:
		PrintMigrateHelp(out)
		return fmt.Errorf("%w: %s", ErrUnknownMigrateAction, action)
	}
}

func (db *DB) printVersion(out io.Writer, migrations fs.FS) error {
	version, dirty, err := db.MigrateVersion(migrations)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Current version: %d (dirty: %v)\n", version, dirty)
	return nil
}

func (db *DB) printStatus(out io.Writer, migrations fs.FS) error {
	version, dirty, err := db.MigrateVersion(migrations)
	if err != nil {
		return fmt.Errorf("failed to get migration status: %w", err)
	}
	latest, err := LatestMigrationVersion(migrations)
	if err != nil {
		return err
	}
	exists, err := db.SchemaMigrationsExists()
	if err != nil {
		return err
	}

	fmt.Fprintln(out, "=== Migration Status ===")
	fmt.Fprintf(out, "Current version: %d\n", version)
	fmt.Fprintf(out, "Latest version: %d\n", latest)
	fmt.Fprintf(out, "Dirty: %v\n", dirty)
	fmt.Fprintf(out, "Schema migrations table exists: %v\n", exists)
	switch {
	case dirty:
		fmt.Fprintln(out, "WARNING: a migration failed mid-execution; inspect the database, then run 'migrate force <version>'")
	case version < latest:
		fmt.Fprintf(out, "%d migration(s) pending; run 'migrate up'\n", latest-version)
	}
	return nil
}

// PrintMigrateHelp writes usage for the migrate subcommand.
func PrintMigrateHelp(out io.Writer) {
	fmt.Fprint(out, `Usage: accelspeed migrate <action>

Actions:
  up               apply all pending migrations
  down             roll back the most recent migration
  status           show the current and latest schema versions
  force <version>  record <version> without running migrations (recovery only)
  help             show this message
`)
}
