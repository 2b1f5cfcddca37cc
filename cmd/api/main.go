package main

import (
	"context"
	"log"
	"log/slog"
	nethttp "net/http"
	"os"
	"os/signal"
	"syscall"

	"mirrorsync/internal/blob"
	"mirrorsync/internal/config"
	"mirrorsync/internal/downstream"
	"mirrorsync/internal/http"
	"mirrorsync/internal/provider"
	"mirrorsync/internal/storage"
	"mirrorsync/internal/sync"
	"mirrorsync/internal/vault"
)

func main() {
	// Load configuration first (needed for log level)
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Configure structured logging with configurable level and format
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}
	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	slog.Debug("Logging configured", "level", cfg.LogLevel.String(), "format", cfg.LogFormat)

	// Initialize database
	db, err := storage.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer func() {
		_ = db.Close()
	}()

	if err := storage.Migrate(db); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	slog.Info("Database initialized", "path", cfg.DBPath)

	// Create repository instances
	connRepo := storage.NewConnectionRepo(db)
	eventRepo := storage.NewSyncEventRepo(db)
	fileRepo := storage.NewFileRepo(db)

	// Credential vault
	credentialVault, err := vault.New(cfg.EncryptionKey)
	if err != nil {
		log.Fatalf("Failed to initialize credential vault: %v", err)
	}

	// Blob store for synced file content
	blobStore, err := blob.NewStore(cfg.BlobRoot)
	if err != nil {
		log.Fatalf("Failed to initialize blob store: %v", err)
	}
	slog.Info("Blob store initialized", "root", cfg.BlobRoot)

	// Provider client and downstream processing hand-off
	providerClient := provider.NewHTTPClient(cfg.ProviderBaseURL)
	notifier := downstream.NewHTTPNotifier(cfg.DownstreamURL)

	// Ingestion engine + retry scheduler
	engine := sync.NewEngine(
		sync.Deps{
			Connections: connRepo,
			Events:      eventRepo,
			Files:       fileRepo,
			Vault:       credentialVault,
			Provider:    providerClient,
			Blobs:       blobStore,
			Notifier:    notifier,
		},
		sync.Options{
			MaxFileSize:      cfg.MaxFileSize,
			MimeAllowed:      cfg.MimeAllowed,
			MaxRetryAttempts: cfg.MaxRetryAttempts,
		},
	)
	scheduler := sync.NewScheduler(eventRepo, cfg.BackoffSchedule, engine.RunJob)
	engine.SetScheduler(scheduler)

	// Re-arm retries that were pending when the previous process stopped.
	if err := scheduler.RecoverScheduledRetries(context.Background()); err != nil {
		log.Fatalf("Failed to recover scheduled retries: %v", err)
	}
	slog.Info("Sync engine initialized", "max_file_size", cfg.MaxFileSize, "max_retry_attempts", cfg.MaxRetryAttempts)

	// Channel renewal sweep
	renewalJob := sync.NewRenewalJob(
		connRepo,
		eventRepo,
		credentialVault,
		providerClient,
		cfg.WebhookCallbackURL,
		cfg.ChannelLifetime,
		cfg.RenewalMargin,
		cfg.RenewalInterval,
	)
	renewalJob.Start()

	// Create router with dependencies
	router := http.NewRouter(&http.Deps{
		DB:          db,
		Connections: connRepo,
		Events:      eventRepo,
		Engine:      engine,
	})

	// Stop background work cleanly on SIGINT/SIGTERM. Persisted retry state
	// survives; the next process re-arms it at startup.
	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigs
		slog.Info("Shutting down", "signal", sig.String())
		renewalJob.Stop()
		scheduler.ClearScheduledRetries()
		os.Exit(0)
	}()

	// Start API server
	addr := ":" + cfg.APIPort
	slog.Info("Starting API server", "addr", addr)
	if err := nethttp.ListenAndServe(addr, router); err != nil {
		log.Fatalf("API server failed to start: %v", err)
	}
}
