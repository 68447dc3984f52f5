package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/ostrand/backupd/internal/api"
	"github.com/ostrand/backupd/internal/backup"
	"github.com/ostrand/backupd/internal/config"
	"github.com/ostrand/backupd/internal/core"
	"github.com/ostrand/backupd/internal/crypto"
	"github.com/ostrand/backupd/internal/db"
	"github.com/ostrand/backupd/internal/logging"
	"github.com/ostrand/backupd/internal/metrics"
	"github.com/ostrand/backupd/internal/model"
	"github.com/ostrand/backupd/internal/notify"
	"github.com/ostrand/backupd/internal/platform"
	"github.com/ostrand/backupd/internal/retention"
	"github.com/ostrand/backupd/internal/storage"
	"github.com/ostrand/backupd/internal/store"
)

func main() {
	migrateFlag := flag.Bool("migrate", false, "Run database migrations before starting")
	migrateDirFlag := flag.String("migrate-dir", "migrations", "Migration files directory")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.DatabaseURL == "" {
		fmt.Fprintln(os.Stderr, "DATABASE_URL is required")
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg)

	if *migrateFlag {
		logger.Info().Str("dir", *migrateDirFlag).Msg("running database migrations")
		if err := db.RunMigrations(cfg.DatabaseURL, *migrateDirFlag); err != nil {
			logger.Fatal().Err(err).Msg("migration failed")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	metrics.RegisterPgxPoolMetrics(pool)

	services := core.NewServices(pool)

	var key []byte
	if cfg.EncryptionKey != "" {
		key = crypto.DeriveKey(cfg.EncryptionKey, cfg.EncryptionSalt)
	}

	storeBaseURL := cfg.StoreBaseURL
	if storeBaseURL == "" {
		storeBaseURL = cfg.DatabaseURL
	}

	opts := backup.Options{
		Configs:       services.Configuration,
		Executions:    services.Execution,
		Connector:     store.NewPostgresConnector(storeBaseURL),
		Sweeper:       retention.NewSweeper(services.Execution, logger),
		StorageRoot:   cfg.StorageRoot,
		EncryptionKey: key,
		MaxConcurrent: int64(cfg.MaxConcurrentBackups),
		Logger:        logger,
	}
	if cfg.WebhookURL != "" {
		opts.Notifier = notify.NewWebhookNotifier(cfg.WebhookURL, logger)
	}
	if cfg.S3Endpoint != "" || cfg.S3AccessKey != "" {
		opts.Replicator = storage.NewS3Replicator(logger, cfg.S3Endpoint, cfg.S3Region, cfg.S3AccessKey, cfg.S3SecretKey)
	}

	scheduler := backup.NewScheduler(opts)

	if cfg.SeedFile != "" {
		if err := applySeedFile(ctx, logger, services.Configuration, cfg.SeedFile); err != nil {
			logger.Fatal().Err(err).Str("file", cfg.SeedFile).Msg("failed to apply seed file")
		}
	}

	if err := scheduler.RegisterAll(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to register schedules")
	}

	srv := api.NewServer(logger, pool, scheduler)

	httpServer := &http.Server{
		Addr:         cfg.HTTPListenAddr,
		Handler:      srv,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.HTTPListenAddr).Msg("starting backup API server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	metricsServer := metrics.NewServer(cfg.MetricsAddr)
	go func() {
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("starting metrics server")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	httpServer.Shutdown(shutdownCtx)
	metricsServer.Shutdown(shutdownCtx)
	if err := scheduler.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("scheduler shutdown incomplete")
	}
}

// applySeedFile creates any seeded configuration that does not exist
// yet. Existing configurations are left alone so operator edits made
// through the API survive restarts.
func applySeedFile(ctx context.Context, logger zerolog.Logger, svc *core.ConfigurationService, path string) error {
	configs, err := config.LoadSeedFile(path)
	if err != nil {
		return err
	}

	var created int
	for i := range configs {
		seed := &configs[i]
		if _, err := svc.GetByName(ctx, seed.Name); err == nil {
			continue
		} else if !errors.Is(err, core.ErrNotFound) {
			return err
		}

		now := time.Now()
		seed.ID = platform.NewID()
		seed.IsActive = true
		seed.Stats = model.Statistics{}
		seed.CreatedAt = now
		seed.UpdatedAt = now
		if err := svc.Create(ctx, seed); err != nil {
			return err
		}
		created++
	}

	logger.Info().Int("seeded", len(configs)).Int("created", created).Msg("seed file applied")
	return nil
}
