// Command migrate applies the embedded goose migrations.
//
// Usage:
//
//	go run ./cmd/migrate up          # Apply all pending migrations
//	go run ./cmd/migrate down        # Roll back the last migration
//	go run ./cmd/migrate status      # Show migration status
//	go run ./cmd/migrate version     # Show current schema version
//	go run ./cmd/migrate redo        # Roll back and re-apply last migration
//
// It reads the same environment as cmd/server. DATABASE_URL is required.
// Set MIGRATIONS_DIR to run migrations from disk instead of the copies built
// into the binary.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/mbd888/geoanomaly/internal/config"
	"github.com/mbd888/geoanomaly/internal/logging"
	"github.com/mbd888/geoanomaly/migrations"
)

const usage = "Commands: up, down, status, version, redo, up-to <version>, down-to <version>"

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: migrate <command>")
		fmt.Println(usage)
		os.Exit(1)
	}
	logger := logging.New("info", "text")
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger = logging.New(cfg.LogLevel, cfg.LogFormat)

	if err := run(cfg, logger, os.Args[1], os.Args[2:]); err != nil {
		logger.Error("migration failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger, command string, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL environment variable is required")
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}

	var source fs.FS = migrations.FS
	dir := "."
	if cfg.MigrationsDir != "" {
		source, dir = nil, cfg.MigrationsDir
	}
	goose.SetBaseFS(source)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}

	logger.Info("running migrations", "command", command, "dir", dir, "embedded", source != nil)
	return goose.RunContext(ctx, command, db, dir, args...)
}
