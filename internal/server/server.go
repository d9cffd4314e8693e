// Package server exposes the clearing service over HTTP and websocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/dayahead/internal/domain"
	"github.com/alanyoungcy/dayahead/internal/server/handler"
	"github.com/alanyoungcy/dayahead/internal/server/middleware"
	"github.com/alanyoungcy/dayahead/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // empty disables authentication
	RateLimit   int    // requests per RateWindow per client, 0 disables
	RateWindow  time.Duration
}

// Handlers aggregates the HTTP handlers the server registers.
type Handlers struct {
	Health *handler.HealthHandler
	Status *handler.StatusHandler
	Days   *handler.DayHandler
	Audit  *handler.AuditHandler // optional
}

// Server is the HTTP + websocket API of the clearing service.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers all routes and wraps them in the middleware chain.
// limiter and hub may be nil.
func NewServer(cfg Config, handlers Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "http"))
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/ready", handlers.Health.Ready)
	mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)

	mux.HandleFunc("GET /api/days", handlers.Days.ListDays)
	mux.HandleFunc("GET /api/days/{date}", handlers.Days.GetDay)
	mux.HandleFunc("POST /api/days/{date}/clear", handlers.Days.ClearDay)
	mux.HandleFunc("GET /api/days/{date}/prices", handlers.Days.GetPrices)
	mux.HandleFunc("GET /api/days/{date}/hours/{hour}", handlers.Days.GetHour)
	mux.HandleFunc("GET /api/days/{date}/startup-costs", handlers.Days.GetStartupCosts)
	mux.HandleFunc("GET /api/days/{date}/archive", handlers.Days.ListArchives)
	mux.HandleFunc("GET /api/events", handlers.Days.ListEvents)
	mux.HandleFunc("POST /api/clear-period", handlers.Days.ClearPeriod)

	if handlers.Audit != nil {
		mux.HandleFunc("GET /api/audit", handlers.Audit.List)
	}
	if hub != nil {
		mux.HandleFunc("GET /ws", hub.HandleWS)
	}

	// Outermost first: CORS, logging, rate limit, auth.
	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey)(h)
	if limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow, logger)(h)
	}
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           h,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       60 * time.Second,
			// Clearing a large book can take a while.
			WriteTimeout: 5 * time.Minute,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// Handler returns the root handler, middleware included.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens until the server fails or is shut down.
func (s *Server) Start() error {
	s.logger.Info("starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
