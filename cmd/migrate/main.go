// Package main applies or rolls back the database schema.
//
// Usage: migrate [up|down]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"corebank.io/platform/internal/config"
	"corebank.io/platform/internal/infrastructure"
	"corebank.io/platform/internal/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [up|down]\n", os.Args[0])
	}
	flag.Parse()

	direction := "up"
	if flag.NArg() > 0 {
		direction = flag.Arg(0)
	}
	if direction != "up" && direction != "down" {
		flag.Usage()
		return fmt.Errorf("unknown direction %q", direction)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Database.Backend != config.BackendPostgres {
		return fmt.Errorf("migrations need the %s backend, got %q", config.BackendPostgres, cfg.Database.Backend)
	}

	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	pool, err := infrastructure.NewPool(context.Background(), cfg.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	logger.Info("Running migrations", zap.String("direction", direction))
	if direction == "down" {
		return infrastructure.MigrateDown(pool)
	}
	return infrastructure.Migrate(pool)
}
