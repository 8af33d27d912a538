package web

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/kozaktomas/polling-kiosk/internal/config"
	"github.com/kozaktomas/polling-kiosk/internal/kiosk"
	"github.com/kozaktomas/polling-kiosk/internal/web/middleware"
)

// Options configures the web server.
type Options struct {
	Port           int
	Host           string
	KioskSecret    string
	AllowedOrigins string // comma-separated
	Logger         *slog.Logger
}

// Server represents the web server
type Server struct {
	config     *config.Config
	router     *chi.Mux
	httpServer *http.Server
	registry   *kiosk.Registry
	kiosks     *middleware.KioskManager
	logger     *slog.Logger
}

// NewServer creates a new web server
func NewServer(cfg *config.Config, registry *kiosk.Registry, opts Options) *Server {
	r := chi.NewRouter()
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:   cfg,
		router:   r,
		registry: registry,
		kiosks:   middleware.NewKioskManager(opts.KioskSecret),
		logger:   logger,
	}

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(middleware.ParseAllowedOrigins(opts.AllowedOrigins)))
	r.Use(middleware.SecurityHeaders())

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", opts.Host, opts.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// No write timeout: the event stream stays open for the whole session.
		IdleTimeout: 60 * time.Second,
	}

	return s
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting web server", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server and destroys every kiosk session.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down web server")

	// Ending the sessions closes their event streams, so Shutdown does not wait on them.
	s.registry.Stop()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	return nil
}

// Router returns the chi router for testing
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Kiosks returns the kiosk manager.
func (s *Server) Kiosks() *middleware.KioskManager {
	return s.kiosks
}
