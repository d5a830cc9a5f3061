package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"cms_migrator_syncer/internal/config"
	"cms_migrator_syncer/internal/db"
	"cms_migrator_syncer/internal/diff"
	httpserver "cms_migrator_syncer/internal/http"
	"cms_migrator_syncer/internal/logging"
	"cms_migrator_syncer/internal/migrate"
	"cms_migrator_syncer/internal/registry"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default $CMSDB_CONFIG)")
	migrateOnStart := flag.Bool("migrate", false, "apply pending units before serving")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.LogLevel, "json")

	var reg *registry.Registry
	if cfg.MigrationsDir == "" {
		reg, err = registry.Embedded()
	} else {
		reg, err = registry.Load(os.DirFS(cfg.MigrationsDir), ".")
	}
	if err != nil {
		logger.Error().Err(err).Msg("load migration units failed")
		os.Exit(1)
	}

	adapter, err := db.Open(cfg.Database)
	if err != nil {
		logger.Error().Err(err).Msg("db open failed")
		os.Exit(1)
	}
	defer adapter.Close()

	if err := adapter.Ping(ctx); err != nil {
		logger.Error().Err(err).Msg("db connection failed")
		os.Exit(1)
	}

	runner := migrate.New(adapter, reg, logger)
	if *migrateOnStart {
		if _, err := runner.Up(ctx); err != nil {
			logger.Error().Err(err).Msg("migrations failed")
			os.Exit(1)
		}
	}

	opts := httpserver.Options{
		Addr:       cfg.HTTPAddress,
		AdminToken: cfg.AdminToken,
	}
	if cfg.HasCompare() {
		compareCfg := cfg.Compare
		opts.Compare = func(ctx context.Context) (*diff.Report, error) {
			return diff.RunConfigured(ctx, compareCfg, logger)
		}
	}

	server := httpserver.New(opts, adapter, runner, logger)
	if err := server.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		os.Exit(1)
	}
}
