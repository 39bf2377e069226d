// Package server exposes the ledger, positions and metrics over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/tradekit/internal/domain"
	"github.com/alanyoungcy/tradekit/internal/server/handler"
	"github.com/alanyoungcy/tradekit/internal/server/middleware"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	// APIKey guards every route except health and metrics. Empty disables
	// authentication.
	APIKey string
	// RateLimit is the number of requests per minute allowed per client.
	// Zero or a nil limiter disables limiting.
	RateLimit int
	// TrustedProxies lists the IPs or CIDR ranges whose forwarding headers
	// identify the client. Other peers are limited by their own address.
	TrustedProxies []string
}

// Handlers aggregates the HTTP handlers the server registers.
type Handlers struct {
	Health    *handler.HealthHandler
	Ledger    *handler.LedgerHandler
	Positions *handler.PositionHandler
	// Metrics serves the Prometheus exposition format. Optional.
	Metrics http.Handler
}

// Server is the headless HTTP API.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in the middleware chain.
func NewServer(cfg Config, handlers Handlers, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           newHandler(cfg, handlers, limiter, logger),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return &Server{httpServer: srv, logger: logger}
}

func newHandler(cfg Config, handlers Handlers, limiter domain.RateLimiter, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	mux.HandleFunc("GET /api/ledger", handlers.Ledger.GetAccount)
	mux.HandleFunc("POST /api/ledger/deposit", handlers.Ledger.Deposit)
	mux.HandleFunc("POST /api/ledger/fund", handlers.Ledger.FundAssets)

	mux.HandleFunc("GET /api/positions/closed", handlers.Positions.ListClosed)
	mux.HandleFunc("GET /api/positions/{bot}/{ticker}", handlers.Positions.GetLast)
	mux.HandleFunc("GET /api/events", handlers.Positions.ListEvents)
	mux.HandleFunc("GET /api/audit", handlers.Positions.ListAudit)

	if handlers.Metrics != nil {
		mux.Handle("GET /metrics", handlers.Metrics)
	}

	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey, "/api/health", "/metrics")(h)
	if limiter != nil && cfg.RateLimit > 0 {
		trusted, err := middleware.ParseTrustedProxies(cfg.TrustedProxies)
		if err != nil {
			logger.Warn("server: ignoring trusted proxies", slog.String("error", err.Error()))
			trusted = nil
		}
		h = middleware.RateLimit(limiter, cfg.RateLimit, time.Minute, trusted, logger)(h)
	}
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// Start listens until the server fails or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown waits for in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
