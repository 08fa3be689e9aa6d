// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/olegiv/trackhook/internal/cache"
	"github.com/olegiv/trackhook/internal/carrier"
	"github.com/olegiv/trackhook/internal/config"
	"github.com/olegiv/trackhook/internal/logging"
	"github.com/olegiv/trackhook/internal/queue"
	"github.com/olegiv/trackhook/internal/store"
	"github.com/olegiv/trackhook/internal/webhook"
)

// Version information, injected at build time via ldflags.
var (
	appVersion   = "dev"
	appGitCommit = "unknown"
	appBuildTime = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "Show version information")
	flag.BoolVar(showVersion, "v", false, "Show version information (shorthand)")
	showHelp := flag.Bool("help", false, "Show help information")
	flag.BoolVar(showHelp, "h", false, "Show help information (shorthand)")

	flag.Usage = func() {
		_, _ = fmt.Fprintf(os.Stderr, "webhookd - package-tracking webhook notification daemon\n\n")
		_, _ = fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		_, _ = fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		_, _ = fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		_, _ = fmt.Fprintf(os.Stderr, "  WEBHOOK_DATABASE_URL     SQLite database path (default: file:./webhook.db)\n")
		_, _ = fmt.Fprintf(os.Stderr, "  REDIS_HOST / REDIS_PORT  Redis connection for the delivery/cleanup queues\n")
		_, _ = fmt.Fprintf(os.Stderr, "  TRACKING_MONITOR_INTERVAL  Per-registration poll period, in ms (default: 3600000)\n")
		_, _ = fmt.Fprintf(os.Stderr, "  CACHE_TTL / CACHE_MAX_SIZE Tracking cache sizing, in ms / entry count\n")
		_, _ = fmt.Fprintf(os.Stderr, "  NODE_ENV                 development|production (enables private-host rejection)\n")
		_, _ = fmt.Fprintf(os.Stderr, "  WEBHOOK_LOG_LEVEL        debug|info|warn|error (default: info)\n")
	}

	flag.Parse()

	if *showHelp {
		flag.Usage()
		os.Exit(0)
	}
	if *showVersion {
		_, _ = fmt.Printf("webhookd %s (commit: %s, built: %s)\n", appVersion, appGitCommit, appBuildTime)
		os.Exit(0)
	}

	if err := run(); err != nil {
		slog.Error("application error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.New(cfg.LogLevel, cfg.IsProduction())
	slog.SetDefault(logger)

	logger.Info("initializing database", "url", cfg.DatabaseURL)
	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			logger.Error("error closing database connection", "error", cerr)
		}
	}()

	logger.Info("running database migrations")
	if err := store.Migrate(db); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	queries := store.NewQueries(db)
	trackingCache := cache.New(cache.Options{TTL: cfg.CacheTTL(), MaxSize: cfg.CacheMaxSize})

	// Carrier adapters are out of scope for this daemon (Design Notes: carrier
	// scrapers/integrations are a pluggable concern left to the deployer); the
	// registry starts empty and is populated by whatever build wires in real
	// carrier.Carrier implementations before Init is called.
	carriers := carrier.NewRegistry()

	redisOpts := &redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
	deliveryClient := redis.NewClient(redisOpts)
	defer func() {
		if cerr := deliveryClient.Close(); cerr != nil {
			logger.Error("error closing delivery redis client", "error", cerr)
		}
	}()
	cleanupClient := redis.NewClient(redisOpts)
	defer func() {
		if cerr := cleanupClient.Close(); cerr != nil {
			logger.Error("error closing cleanup redis client", "error", cerr)
		}
	}()

	deliveryQueue := queue.NewRedisQueue(deliveryClient, "webhook-delivery", queue.DefaultDeliveryPolicy(), logging.Component(logger, "webhook-delivery"))
	cleanupQueue := queue.NewRedisQueue(cleanupClient, "expiration-cleanup", queue.DefaultCleanupPolicy(), logging.Component(logger, "expiration-cleanup"))

	cronInst := cron.New()

	svc := webhook.NewService(
		queries,
		trackingCache,
		carriers,
		cronInst,
		deliveryQueue,
		cleanupQueue,
		cfg.TrackingMonitorInterval(),
		cfg.IsProduction(),
		logger,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Init(ctx); err != nil {
		return fmt.Errorf("initializing webhook service: %w", err)
	}
	logger.Info("webhookd ready", "monitor_interval", cfg.TrackingMonitorInterval(), "production", cfg.IsProduction())

	<-ctx.Done()
	logger.Info("shutting down...")
	svc.Close()
	logger.Info("webhookd stopped")
	return nil
}
