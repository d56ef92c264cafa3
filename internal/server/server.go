// Package server exposes the bot's HTTP API: order management, arbitrage
// control, health, metrics and a websocket event stream.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/sdexbot/internal/domain"
	"github.com/alanyoungcy/sdexbot/internal/server/handler"
	"github.com/alanyoungcy/sdexbot/internal/server/middleware"
	"github.com/alanyoungcy/sdexbot/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled
	RateLimit   int    // requests per RateWindow per client; 0 disables
	RateWindow  time.Duration
}

// Handlers aggregates the HTTP handlers the server registers. Orders, Arb
// and Audit may be nil when the running mode does not serve them.
type Handlers struct {
	Health  *handler.HealthHandler
	Orders  *handler.OrderHandler
	Arb     *handler.ArbHandler
	Audit   *handler.AuditHandler
	Metrics http.Handler
}

// Server is the headless HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in the middleware
// chain. hub and limiter are optional.
func NewServer(cfg Config, handlers Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	if handlers.Metrics != nil {
		mux.Handle("GET /metrics", handlers.Metrics)
	}

	if o := handlers.Orders; o != nil {
		mux.HandleFunc("GET /api/orders", o.ListOrders)
		mux.HandleFunc("POST /api/orders", o.PlaceOrder)
		mux.HandleFunc("GET /api/orders/{id}", o.GetOrder)
		mux.HandleFunc("DELETE /api/orders/{id}", o.CancelOrder)
	}

	if a := handlers.Arb; a != nil {
		mux.HandleFunc("POST /api/arbitrage/scan", a.Scan)
		mux.HandleFunc("GET /api/arbitrage/opportunities", a.ListOpportunities)
		mux.HandleFunc("GET /api/arbitrage/opportunities/{id}", a.GetOpportunity)
		mux.HandleFunc("POST /api/arbitrage/opportunities/{id}/execute", a.Execute)
	}

	if handlers.Audit != nil {
		mux.HandleFunc("GET /api/audit", handlers.Audit.ListEntries)
	}

	if hub != nil {
		mux.HandleFunc("GET /ws", hub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey, "/api/health", "/metrics")(h)
	if limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow, logger)(h)
	}
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		handler:    h,
		logger:     logger.With(slog.String("component", "server")),
	}
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
