package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/brojonat/carbonmove/service/config"
	"github.com/brojonat/carbonmove/service/db"
	"github.com/brojonat/carbonmove/service/market"
	"github.com/brojonat/carbonmove/service/metrics"
	"github.com/brojonat/carbonmove/service/temporal"
)

// MarketReader serves cached marketplace and portfolio views.
type MarketReader interface {
	Market(ctx context.Context, maxAge time.Duration) ([]market.CreditRecord, time.Time, error)
	Portfolio(ctx context.Context, account string, maxAge time.Duration) ([]market.CreditRecord, time.Time, error)
	IsAdmin(account string) bool
}

// ActionStarter starts credit action workflows.
type ActionStarter interface {
	StartCreditAction(ctx context.Context, action market.Action) (string, error)
}

// ActionStore reads the action ledger.
type ActionStore interface {
	GetAction(ctx context.Context, workflowID string) (*db.Action, error)
	ListActions(ctx context.Context, params db.ListActionsParams) ([]*db.Action, error)
}

// Server represents the HTTP server for the marketplace service.
type Server struct {
	addr         string
	cfg          *config.Config
	market       MarketReader
	catalog      *market.Catalog
	store        ActionStore
	starter      ActionStarter
	scheduler    temporal.Scheduler
	ssePublisher *SSEPublisher
	signer       string
	metrics      *metrics.Metrics
	logger       *slog.Logger
	server       *http.Server
}

// New creates a new HTTP server with the given dependencies.
// signer is the address the worker signs with; it is reported by /api/v1/account
// and used for the admin pre-check on listings.
// The ssePublisher is optional - if nil, the SSE endpoint won't be available.
// The metrics is optional - if nil, the metrics endpoint won't be available.
func New(
	addr string,
	cfg *config.Config,
	reader MarketReader,
	catalog *market.Catalog,
	store ActionStore,
	starter ActionStarter,
	scheduler temporal.Scheduler,
	ssePublisher *SSEPublisher,
	signer string,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:         addr,
		cfg:          cfg,
		market:       reader,
		catalog:      catalog,
		store:        store,
		starter:      starter,
		scheduler:    scheduler,
		ssePublisher: ssePublisher,
		signer:       signer,
		metrics:      m,
		logger:       logger,
	}
}

// Handler builds the routed handler. It is separate from Start so tests can
// drive the full mux through httptest.
func (s *Server) Handler() http.Handler {
	maxAge := s.snapshotMaxAge()
	mux := http.NewServeMux()

	instrument := metrics.HTTPMetricsMiddleware(s.metrics)
	route := func(pattern string, h http.Handler) {
		mux.Handle(pattern, instrument(h))
	}

	// Read routes
	route("GET /api/v1/market", handleGetMarket(s.market, maxAge, s.logger))
	route("GET /api/v1/portfolio/{address}", handleGetPortfolio(s.market, maxAge, s.logger))
	route("GET /api/v1/catalog", handleGetCatalog(s.catalog))
	route("GET /api/v1/account", handleGetAccount(s.market, s.signer))

	// Action routes
	route("POST /api/v1/listings", handleCreateListing(s.starter, s.market, s.catalog, s.signer, s.logger))
	route("POST /api/v1/listings/{token_id}/buy", handleTokenAction(s.starter, market.ActionBuy, s.logger))
	route("POST /api/v1/credits/{token_id}/retire", handleTokenAction(s.starter, market.ActionRetire, s.logger))

	// Ledger routes
	if s.store != nil {
		route("GET /api/v1/actions/{workflow_id}", handleGetAction(s.store, s.logger))
		route("GET /api/v1/actions", handleListActions(s.store, s.logger))
	} else {
		s.logger.Warn("action store not configured, ledger endpoints disabled")
	}

	// Watch schedules
	if s.scheduler != nil {
		route("PUT /api/v1/watches/{address}", handleWatch(s.scheduler, s.refreshInterval(), s.logger))
		route("DELETE /api/v1/watches/{address}", handleUnwatch(s.scheduler, s.logger))
	}

	// SSE streaming endpoint (if SSE publisher is configured)
	if s.ssePublisher != nil {
		mux.Handle("GET /api/v1/stream/events", handleStreamEvents(s.ssePublisher, s.metrics, s.logger))
		s.logger.Info("SSE streaming endpoint enabled")
	} else {
		s.logger.Warn("SSE publisher not configured, streaming endpoint disabled")
	}

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint (if metrics collector is configured)
	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
		s.logger.Info("Prometheus metrics endpoint enabled")
	}

	return corsMiddleware(mux)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:        s.addr,
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		// The SSE stream holds the response open; handlers bound their own work.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.addr, "signer", s.signer)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	// Close SSE publisher first (disconnects all clients)
	if s.ssePublisher != nil {
		s.ssePublisher.Close()
	}

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) snapshotMaxAge() time.Duration {
	if s.cfg == nil || s.cfg.SnapshotMaxAge <= 0 {
		return 15 * time.Second
	}
	return s.cfg.SnapshotMaxAge
}

func (s *Server) refreshInterval() time.Duration {
	if s.cfg == nil || s.cfg.RefreshInterval <= 0 {
		return time.Minute
	}
	return s.cfg.RefreshInterval
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
