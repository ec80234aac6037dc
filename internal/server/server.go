// Package server exposes the safety layer over HTTP: position and risk
// views, operator controls, Prometheus metrics and a WebSocket stream.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/legsafe/internal/domain"
	"github.com/alanyoungcy/legsafe/internal/server/handler"
	"github.com/alanyoungcy/legsafe/internal/server/middleware"
	"github.com/alanyoungcy/legsafe/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // empty disables authentication
	// RateLimit is requests per second per client IP; zero disables it.
	RateLimit int
	// AcceptIntents registers POST /api/intents.
	AcceptIntents bool
}

// Handlers aggregates the route handlers.
type Handlers struct {
	Health    *handler.HealthHandler
	Positions *handler.PositionHandler
	Risk      *handler.RiskHandler
	Ops       *handler.OpsHandler
	Metrics   http.Handler // may be nil
}

// Server is the HTTP + WebSocket API.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in CORS, logging, rate
// limiting and auth. limiter and hub may be nil.
func NewServer(cfg Config, h Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	var routes []string
	handle := func(pattern string, hf http.Handler) {
		mux.Handle(pattern, hf)
		routes = append(routes, pattern)
	}

	handle("GET /api/health", http.HandlerFunc(h.Health.HealthCheck))

	handle("GET /api/positions", http.HandlerFunc(h.Positions.ListPositions))
	handle("GET /api/positions/{id}", http.HandlerFunc(h.Positions.GetPosition))
	handle("POST /api/positions/{id}/close", http.HandlerFunc(h.Positions.ClosePosition))
	if cfg.AcceptIntents {
		handle("POST /api/intents", http.HandlerFunc(h.Positions.SubmitIntent))
	}

	handle("GET /api/risk-events", http.HandlerFunc(h.Risk.ListRiskEvents))
	handle("GET /api/discrepancies", http.HandlerFunc(h.Risk.ListDiscrepancies))

	handle("GET /api/queue/stats", http.HandlerFunc(h.Ops.QueueStats))
	handle("GET /api/breaker", http.HandlerFunc(h.Ops.BreakerStatus))
	handle("POST /api/breaker/reset", http.HandlerFunc(h.Ops.ResetBreaker))
	handle("POST /api/reconcile", http.HandlerFunc(h.Ops.Reconcile))
	handle("GET /api/halts", http.HandlerFunc(h.Ops.ListHalts))
	handle("POST /api/halts/{symbol}/resume", http.HandlerFunc(h.Ops.ResumeSymbol))
	handle("GET /api/assignments", http.HandlerFunc(h.Ops.AssignmentStates))

	if h.Metrics != nil {
		handle("GET /metrics", h.Metrics)
	}
	if hub != nil {
		handle("GET /ws", http.HandlerFunc(hub.HandleWS))
	}

	var root http.Handler = mux
	root = middleware.Auth(cfg.APIKey, "/api/health", "/metrics")(root)
	if limiter != nil && cfg.RateLimit > 0 {
		root = middleware.RateLimit(limiter, cfg.RateLimit, time.Second)(root)
	}
	root = middleware.Logging(logger)(root)
	root = middleware.CORS(cfg.CORSOrigins, routes)(root)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      root,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 2 * time.Minute, // emergency close can outlast a normal request
			IdleTimeout:  60 * time.Second,
		},
		logger: logger.With(slog.String("component", "server")),
	}
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting", slog.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server: listen: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
