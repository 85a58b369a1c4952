package main

import (
	"database/sql"
	"flag"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/secil-uns/canary-sync/internal/config"
)

const migrationsDir = "migrations"

// runMigrate implements `migrate apply|rollback [--dry-run] [--target N]`,
// driving goose against the conninfo in the resolved config file rather
// than interpreting DDL by hand (§6, §10).
func runMigrate(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: migrate apply|rollback [--dry-run] [--target <version>]")
	}
	direction := args[0]
	args = args[1:]

	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	configFile := fs.String("config", "", "path to configuration file")
	dryRun := fs.Bool("dry-run", false, "print pending migrations instead of applying them")
	target := fs.Int64("target", 0, "target schema version (0 = latest for apply, 0 = roll back one version for rollback)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(resolveConfigFile(*configFile))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.DB.ConnInfo == "" {
		return fmt.Errorf("db.conninfo is required to run migrations")
	}

	db, err := sql.Open("pgx", cfg.DB.ConnInfo)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}

	if *dryRun {
		fmt.Println("dry-run: listing current migration status, no changes applied")
		return goose.Status(db, migrationsDir)
	}

	switch direction {
	case "apply":
		if *target > 0 {
			return goose.UpTo(db, migrationsDir, *target)
		}
		return goose.Up(db, migrationsDir)
	case "rollback":
		if *target > 0 {
			return goose.DownTo(db, migrationsDir, *target)
		}
		return goose.Down(db, migrationsDir)
	default:
		return fmt.Errorf("unknown migrate direction %q (want apply|rollback)", direction)
	}
}
