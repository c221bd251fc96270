// Package server provides the HTTP server and routing for the rotation engine.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/aristath/rotation/internal/config"
	"github.com/aristath/rotation/internal/di"
	allocationhandlers "github.com/aristath/rotation/internal/modules/allocation/handlers"
	ledgerhandlers "github.com/aristath/rotation/internal/modules/ledger/handlers"
	markethourshandlers "github.com/aristath/rotation/internal/modules/market_hours/handlers"
	opportunitieshandlers "github.com/aristath/rotation/internal/modules/opportunities/handlers"
	preferenceshandlers "github.com/aristath/rotation/internal/modules/preferences/handlers"
	rebalancinghandlers "github.com/aristath/rotation/internal/modules/rebalancing/handlers"
	tradinghandlers "github.com/aristath/rotation/internal/modules/trading/handlers"
)

// Config holds server configuration
type Config struct {
	Log       zerolog.Logger
	Config    *config.Config
	Container *di.Container // DI container with all services
	Jobs      *di.JobInstances
}

// Server represents the HTTP server
type Server struct {
	router         *chi.Mux
	server         *http.Server
	log            zerolog.Logger
	cfg            *config.Config
	container      *di.Container
	systemHandlers *SystemHandlers
	limiter        *ipRateLimiter
}

// New creates a new HTTP server
func New(cfg Config) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		log:       cfg.Log.With().Str("component", "server").Logger(),
		cfg:       cfg.Config,
		container: cfg.Container,
		systemHandlers: NewSystemHandlers(
			cfg.Container,
			cfg.Jobs,
			cfg.Log,
		),
		limiter: newIPRateLimiter(ipRequestsPerSecond, ipBurst),
	}

	s.setupMiddleware(cfg.Config.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Config.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // rotation execution is bounded by EXECUTION_TIMEOUT
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware(devMode bool) {
	// Recovery from panics
	s.router.Use(middleware.Recoverer)

	// Request ID
	s.router.Use(middleware.RequestID)

	// Real IP
	s.router.Use(middleware.RealIP)

	// Logging
	s.router.Use(s.loggingMiddleware)

	// CORS
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigin,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Per-IP rate limiting
	s.router.Use(s.limiter.Middleware)

	// Compress responses
	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	c := s.container

	s.router.Route("/api", func(r chi.Router) {
		// Event streams hold the connection open, so they skip the request timeout
		streams := NewEventsStreamHandler(c.EventBus, s.log)
		r.Get("/events/stream", streams.ServeHTTP)
		r.Get("/events/ws", streams.ServeWebSocket)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))

			s.systemHandlers.RegisterRoutes(r)

			preferenceshandlers.NewHandler(c.PreferencesService, s.log).RegisterRoutes(r)
			allocationhandlers.NewHandler(c.AllocationRepo, c.EventManager, s.log).RegisterRoutes(r)
			markethourshandlers.NewHandler(c.MarketHours, c.Quotes, s.log).RegisterRoutes(r)
			opportunitieshandlers.NewHandler(c.Detector, c.PreferencesService, s.log).RegisterRoutes(r)
			rebalancinghandlers.NewHandler(c.CycleManager, c.Detector, s.log).RegisterRoutes(r)
			tradinghandlers.NewHandler(c.TradingManager, s.log).RegisterRoutes(r)
			ledgerhandlers.NewHandler(c.LedgerStore, c.EventManager, s.log).RegisterRoutes(r)
		})
	})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.log.Info().Int("port", s.cfg.Port).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
