package web

import (
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/kozaktomas/polling-kiosk/internal/web/handlers"
	"github.com/kozaktomas/polling-kiosk/internal/web/middleware"
)

const requestTimeout = 30 * time.Second

func (s *Server) setupRoutes() {
	kioskHandler := handlers.NewKioskHandler(s.kiosks, &s.config.Messages, s.logger)
	sessionsHandler := handlers.NewSessionsHandler(s.registry, &s.config.Messages, s.logger)
	ballotsHandler := handlers.NewBallotsHandler(s.registry, &s.config.Messages, s.logger)

	// Health check (no kiosk required)
	s.router.Get("/api/v1/health", handlers.HealthCheck)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(chiMiddleware.Timeout(requestTimeout))
			r.Post("/kiosk/register", kioskHandler.Register)
			r.Get("/messages", kioskHandler.Messages)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireKiosk(s.kiosks))

			// Long-lived event stream, outside the request timeout.
			r.Get("/sessions/current/events", sessionsHandler.Events)

			r.Group(func(r chi.Router) {
				r.Use(chiMiddleware.Timeout(requestTimeout))

				r.Post("/sessions", sessionsHandler.Start)
				r.Get("/sessions/current", sessionsHandler.Current)
				r.Delete("/sessions/current", sessionsHandler.End)
				r.Post("/sessions/current/frames", sessionsHandler.Frame)
				r.Post("/sessions/current/security-monitor/retry", sessionsHandler.RetrySecurityMonitor)

				r.Post("/ballots", ballotsHandler.Submit)
			})
		})
	})
}
