package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/brojonat/carbonmove/service/aptos"
	"github.com/brojonat/carbonmove/service/config"
	"github.com/brojonat/carbonmove/service/db"
	"github.com/brojonat/carbonmove/service/market"
	"github.com/brojonat/carbonmove/service/metrics"
	natspkg "github.com/brojonat/carbonmove/service/nats"
	"github.com/brojonat/carbonmove/service/temporal"
)

func main() {
	// Load and validate configuration from environment
	cfg := config.MustLoad()

	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting temporal worker",
		"temporal_host", cfg.TemporalHost,
		"namespace", cfg.TemporalNamespace,
		"task_queue", cfg.TemporalTaskQueue,
		"log_level", cfg.LogLevel,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbPool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()
	logger.Info("connected to database")

	metricsCollector := metrics.NewMetrics(nil) // nil uses default registry
	logger.Info("Prometheus metrics collector initialized")

	store := db.NewStore(dbPool, metricsCollector)

	// Start metrics HTTP server
	metricsAddr := getEnv("METRICS_ADDR", ":9091")
	metricsServer := &http.Server{
		Addr:    metricsAddr,
		Handler: promhttp.Handler(),
	}

	go func() {
		logger.Info("starting metrics HTTP server", "addr", metricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown metrics server", "error", err)
		}
	}()

	opts := []aptos.ClientOption{aptos.WithRateLimit(cfg.RPCRateLimit, 4)}
	if cfg.AptosAPIKey != "" {
		opts = append(opts, aptos.WithAPIKey(cfg.AptosAPIKey))
	}
	rpc, err := aptos.NewSDKClient(cfg.AptosNodeURL, cfg.AptosIndexerURL, opts...)
	if err != nil {
		logger.Error("failed to create aptos client", "error", err)
		os.Exit(1)
	}
	chain := aptos.NewClient(rpc, metricsCollector, logger)
	logger.Info("initialized aptos client",
		"node_url", cfg.AptosNodeURL,
		"indexer_url", cfg.AptosIndexerURL,
	)

	contract, err := market.NewContract(cfg.ModuleAddress, cfg.ModuleName, cfg.CollectionName)
	if err != nil {
		logger.Error("invalid contract configuration", "error", err)
		os.Exit(1)
	}

	catalog, err := market.LoadCatalog(cfg.CatalogFile)
	if err != nil {
		logger.Error("failed to load catalog", "path", cfg.CatalogFile, "error", err)
		os.Exit(1)
	}

	aggregator := market.NewAggregator(chain, contract, cfg.ViewConcurrency, metricsCollector, logger)
	svc := market.NewService(aggregator, contract, metricsCollector, logger)

	dispatcher := market.NewDispatcher(chain, contract, catalog, logger,
		market.WithRefreshDelay(cfg.RefreshDelay),
		market.WithFinalityTimeout(cfg.FinalityTimeout),
		market.WithMetrics(metricsCollector),
	)

	signer, err := aptos.LoadSigner(cfg.SignerPrivateKey, cfg.SignerMnemonic, cfg.SignerDerivationPath)
	if err != nil {
		logger.Error("failed to load signer", "error", err)
		os.Exit(1)
	}
	if signer != nil {
		logger.Info("loaded signer",
			"address", signer.Address(),
			"is_admin", contract.IsAdmin(signer.Address()),
		)
	} else {
		logger.Warn("no signer configured, credit actions will fail")
	}

	natsPublisher, err := natspkg.NewPublisher(cfg.NATSURL, metricsCollector, logger)
	if err != nil {
		logger.Error("failed to create NATS publisher", "error", err)
		os.Exit(1)
	}
	defer natsPublisher.Close()
	logger.Info("connected to NATS", "url", cfg.NATSURL)

	// Temporal client for schedule management
	temporalClient, err := temporal.NewClient(
		cfg.TemporalHost,
		cfg.TemporalNamespace,
		cfg.TemporalTaskQueue,
		cfg.RefreshDelay,
		metricsCollector,
		logger,
	)
	if err != nil {
		logger.Error("failed to create temporal client", "error", err)
		os.Exit(1)
	}
	defer temporalClient.Close()

	// Keep the marketplace view warm between actions.
	if err := temporalClient.UpsertRefreshSchedule(ctx, "", cfg.RefreshInterval); err != nil {
		logger.Error("failed to upsert marketplace refresh schedule", "error", err)
		os.Exit(1)
	}

	workerConfig := temporal.WorkerConfig{
		TemporalHost:      cfg.TemporalHost,
		TemporalNamespace: cfg.TemporalNamespace,
		TaskQueue:         cfg.TemporalTaskQueue,
		Dispatcher:        dispatcher,
		Refresher:         svc,
		Store:             store,
		Publisher:         natsPublisher,
		Signer:            signer,
		Metrics:           metricsCollector,
		Logger:            logger,
	}

	worker, err := temporal.NewWorker(workerConfig)
	if err != nil {
		logger.Error("failed to create temporal worker", "error", err)
		os.Exit(1)
	}

	logger.Info("temporal worker initialized, all dependencies ready",
		"module_address", contract.Address,
		"collection", contract.Collection,
		"refresh_interval", cfg.RefreshInterval,
		"task_queue", cfg.TemporalTaskQueue,
	)

	// Start worker in background
	workerErrors := make(chan error, 1)
	go func() {
		workerErrors <- worker.Start()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-workerErrors:
		logger.Error("temporal worker error", "error", err)
		os.Exit(1)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		worker.Stop()

		logger.Info("shutdown complete")
	}
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// getEnv returns the value of an environment variable or a default if not set.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
