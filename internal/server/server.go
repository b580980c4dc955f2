// Package server exposes the relayer API over HTTP and WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/fusionrelay/internal/domain"
	"github.com/alanyoungcy/fusionrelay/internal/server/handler"
	"github.com/alanyoungcy/fusionrelay/internal/server/middleware"
	"github.com/alanyoungcy/fusionrelay/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port          int
	CORSOrigins   []string
	APIKeys       []string // empty disables authentication
	Limiter       domain.RateLimiter
	RequestLimit  int
	RequestWindow time.Duration
}

// Handlers aggregates the HTTP handlers the server registers.
type Handlers struct {
	Health *handler.HealthHandler
	Orders *handler.OrderHandler
	Bids   *handler.BidHandler
}

// Server is the HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in the middleware chain
// (rate limit, auth, logging, CORS from innermost to outermost).
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/audit", handlers.Health.ListAudit)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /api/orders", handlers.Orders.SubmitOrder)
	mux.HandleFunc("GET /api/orders/{id}", handlers.Orders.GetOrder)
	mux.HandleFunc("DELETE /api/orders/{id}", handlers.Orders.CancelOrder)
	mux.HandleFunc("POST /api/orders/{id}/bids", handlers.Bids.SubmitBid)

	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	if cfg.Limiter != nil && cfg.RequestLimit > 0 {
		h = middleware.RateLimit(cfg.Limiter, cfg.RequestLimit, cfg.RequestWindow)(h)
	}
	h = middleware.Auth(cfg.APIKeys, "/api/health", "/metrics")(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           h,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger,
	}
}

// Handler returns the root handler, for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start blocks serving requests until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown waits for in-flight requests within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
