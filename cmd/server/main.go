package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/carbonmove/service/aptos"
	"github.com/brojonat/carbonmove/service/config"
	"github.com/brojonat/carbonmove/service/db"
	"github.com/brojonat/carbonmove/service/market"
	"github.com/brojonat/carbonmove/service/metrics"
	"github.com/brojonat/carbonmove/service/server"
	"github.com/brojonat/carbonmove/service/temporal"
)

func main() {
	// Load and validate configuration from environment
	// This fails fast if any required config is missing or invalid
	cfg := config.MustLoad()

	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting server",
		"addr", cfg.ServerAddr,
		"log_level", cfg.LogLevel,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metricsCollector := metrics.NewMetrics(nil) // nil uses default registry

	dbPool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()
	logger.Info("connected to database")

	store := db.NewStore(dbPool, metricsCollector)

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
		"rate_limit", cfg.RPCRateLimit,
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

	// The server never signs; it only needs the worker's address for the
	// account endpoint and the admin pre-check.
	var signerAddr string
	signer, err := aptos.LoadSigner(cfg.SignerPrivateKey, cfg.SignerMnemonic, cfg.SignerDerivationPath)
	if err != nil {
		logger.Error("failed to load signer", "error", err)
		os.Exit(1)
	}
	if signer != nil {
		signerAddr = signer.Address()
	} else {
		logger.Warn("no signer configured, action endpoints will reject listings")
	}

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

	ssePublisher, err := server.NewSSEPublisher(cfg.NATSURL, logger)
	if err != nil {
		logger.Warn("failed to connect SSE publisher, streaming and cache invalidation disabled", "error", err)
	} else {
		// The worker refreshes after every action; drop our cached views when
		// it reports one so reads re-aggregate instead of waiting out
		// SNAPSHOT_MAX_AGE.
		go func() {
			if err := ssePublisher.InvalidateOnEvents(ctx, svc); err != nil {
				logger.Error("cache invalidation stopped", "error", err)
			}
		}()
	}

	httpServer := server.New(
		cfg.ServerAddr,
		cfg,
		svc,
		catalog,
		store,
		temporalClient,
		temporalClient,
		ssePublisher,
		signerAddr,
		metricsCollector,
		logger,
	)

	logger.Info("server initialized, all dependencies ready",
		"module_address", contract.Address,
		"module", contract.Module,
		"collection", contract.Collection,
		"signer", signerAddr,
		"nats_url", cfg.NATSURL,
		"temporal_host", cfg.TemporalHost,
	)

	// Start HTTP server in background
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- httpServer.Start()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("server error", "error", err)
		os.Exit(1)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown server gracefully", "error", err)
			os.Exit(1)
		}

		logger.Info("server shutdown complete")
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
