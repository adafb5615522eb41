package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"accession/internal/server/api"
	"accession/internal/server/config"
	"accession/internal/server/database"
	"accession/internal/server/jobs"
	"accession/internal/server/packaging"
	"accession/internal/server/scan"
	"accession/internal/server/service"
	"accession/internal/server/storage"
	"accession/internal/server/sweeper"

	"github.com/redis/go-redis/v9"
)

// jobQueueSize bounds how many submissions may wait for a packaging worker.
const jobQueueSize = 64

func main() {
	// Structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	slog.Info("configuration loaded",
		"port", cfg.Port,
		"storage_backend", cfg.StorageBackend,
		"max_file_count", cfg.Limits.MaxFileCount,
		"max_file_size", cfg.Limits.MaxFileSize,
		"max_total_size", cfg.Limits.MaxTotalSize,
		"inactivity_threshold", cfg.InactivityThreshold,
		"checksum_algorithms", cfg.ChecksumAlgorithms,
	)

	ctx := context.Background()

	// Connect to database
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	// Initialize storage
	temp, archive, err := openBlobStores(ctx, cfg)
	if err != nil {
		return err
	}
	for _, s := range []storage.Store{temp, archive} {
		if err := s.Init(ctx); err != nil {
			return fmt.Errorf("failed to initialize storage: %w", err)
		}
	}
	slog.Info("blob storage initialized", "backend", cfg.StorageBackend)

	var scanner scan.Scanner = scan.NopScanner{}
	if cfg.ScanEnabled {
		scanner = scan.NewContentScanner(cfg.Limits.MaxFileSize)
	}

	packager := packaging.New(temp, archive, cfg.ChecksumAlgorithms)
	svc := service.NewSessionService(store, temp, packager, scanner, cfg)

	// Optional Redis for job status and the sweep lease
	var (
		jobStore jobs.Store = jobs.NewMemoryStore()
		lease    *sweeper.Lease
	)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		jobStore = jobs.NewRedisStore(client, 7*24*time.Hour)
		lease = sweeper.NewLease(client, cfg.SweepInterval)
		slog.Info("redis connected", "addr", opts.Addr)
	}

	// Background workers
	workerCtx, workerCancel := context.WithCancel(context.Background())
	runner := jobs.NewRunner(svc, jobStore, cfg.PackagingWorkers, jobQueueSize)
	runner.Start(workerCtx)
	sw := sweeper.New(svc, cfg.SweepInterval, lease)
	sw.Start(workerCtx)

	// Setup HTTP router
	handler := api.NewHandler(svc, runner, packager, sw, cfg)
	e := api.SetupRouter(handler, cfg)

	// Start server in a goroutine
	go func() {
		addr := fmt.Sprintf(":%s", cfg.Port)
		slog.Info("starting server", "addr", addr, "base_url", cfg.BaseURL)
		if err := e.Start(addr); err != nil {
			slog.Info("server stopped", "reason", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	slog.Info("shutting down", "signal", sig)

	// Stop accepting new requests, finish in-flight with 30s timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	// Stop workers and sweeper
	workerCancel()
	runner.Wait()
	sw.Wait()

	slog.Info("server exited cleanly")
	return nil
}

// openStore returns the session store named by DATABASE_URL and a func
// that releases it.
func openStore(ctx context.Context, cfg *config.Config) (database.Store, func(), error) {
	if cfg.DatabaseURL == config.MemoryDatabaseURL {
		slog.Warn("using in-memory session store, state is lost on restart")
		return database.NewMemory(), func() {}, nil
	}

	db, err := database.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Run migrations
	if err := db.RunMigrations(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Info("database migrations complete")

	return database.NewRepository(db), db.Close, nil
}

// openBlobStores returns the temporary and archival stores.
func openBlobStores(ctx context.Context, cfg *config.Config) (storage.Store, storage.Store, error) {
	if cfg.StorageBackend != config.BackendS3 {
		return storage.NewFileSystemStore(cfg.TempStoragePath),
			storage.NewFileSystemStore(cfg.ArchiveStoragePath), nil
	}

	client, err := storage.NewS3Client(ctx, storage.S3Config{
		Bucket:          cfg.S3Bucket,
		Region:          cfg.S3Region,
		Endpoint:        cfg.S3Endpoint,
		AccessKeyID:     cfg.S3AccessKeyID,
		SecretAccessKey: cfg.S3SecretAccessKey,
	})
	if err != nil {
		return nil, nil, err
	}
	return storage.NewS3Store(client, cfg.S3Bucket, cfg.S3TempPrefix),
		storage.NewS3Store(client, cfg.S3Bucket, cfg.S3ArchivePrefix), nil
}
