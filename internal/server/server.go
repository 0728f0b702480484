// Package server exposes the HTTP and WebSocket surface: webhook ingress,
// the REST API for accounts, orders, funded accounts, paper trading and
// strategies, and the multiplexed event stream.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/grimmolf/traderterminal/internal/config"
	"github.com/grimmolf/traderterminal/internal/engine"
)

// Server runs the HTTP/WebSocket API.
type Server struct {
	cfg    config.ServerConfig
	engine *engine.Engine
	mux    *http.ServeMux
	server *http.Server
	logger *slog.Logger
}

// NewServer wires the routes. Method-qualified patterns keep dispatch in the
// mux instead of per-handler switches.
func NewServer(cfg config.ServerConfig, eng *engine.Engine, logger *slog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		engine: eng,
		mux:    http.NewServeMux(),
		logger: logger.With("component", "api-server"),
	}

	s.mux.Handle("POST /webhook/tradingview", eng.Webhook())
	s.mux.HandleFunc("GET /webhook/test", s.handleWebhookTest)

	s.mux.HandleFunc("GET /api/accounts", s.handleAccounts)
	s.mux.HandleFunc("GET /api/accounts/{feed}/{account}/positions", s.handlePositions)

	s.mux.HandleFunc("GET /api/orders", s.handleListOrders)
	s.mux.HandleFunc("POST /api/orders", s.handlePlaceOrder)
	s.mux.HandleFunc("GET /api/orders/{id}", s.handleGetOrder)
	s.mux.HandleFunc("DELETE /api/orders/{id}", s.handleCancelOrder)

	s.mux.HandleFunc("GET /api/funded-accounts", s.handleFundedAccounts)
	s.mux.HandleFunc("POST /api/funded-accounts/{provider}/{account}/flatten-positions", s.handleFlatten)
	s.mux.HandleFunc("POST /api/funded-accounts/{account}/pause", s.handlePause)
	s.mux.HandleFunc("POST /api/funded-accounts/{account}/resume", s.handleResume)

	s.mux.HandleFunc("POST /api/paper-trading/accounts/{id}/reset", s.handlePaperReset)

	s.mux.HandleFunc("GET /api/strategies/summaries", s.handleStrategySummaries)
	s.mux.HandleFunc("POST /api/strategies/{id}/mode", s.handleSetMode)

	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("GET /stream", s.handleStream)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the route mux, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.mux }

// Start serves until the listener fails or Stop is called.
func (s *Server) Start() error {
	s.logger.Info("api server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop() error {
	s.logger.Info("stopping api server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
