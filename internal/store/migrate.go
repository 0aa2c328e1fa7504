package store

import (
	"embed"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver for goose
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// Migrate runs pending SQL migrations. When migrationsDir exists on
// disk it takes precedence; otherwise the embedded migrations ship
// with the binary.
func Migrate(dsn, migrationsDir string) error {
	db, err := goose.OpenDBWithDriver("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer db.Close()

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	dir := "migrations"
	if migrationsDir != "" {
		if _, statErr := os.Stat(migrationsDir); statErr == nil {
			goose.SetBaseFS(nil)
			dir = migrationsDir
		} else {
			goose.SetBaseFS(embeddedMigrations)
		}
	} else {
		goose.SetBaseFS(embeddedMigrations)
	}

	if err := goose.Up(db, dir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("migrations complete", "dir", dir)
	return nil
}
