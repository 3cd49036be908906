package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeNotFound(w, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, ErrCodeMethodNotAllow, "method not allowed")
	})

	r.Route("/api/v1", func(r chi.Router) {
		// No auth: used by supervisors and load balancers.
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)
		r.Post("/auth/token", s.handleToken)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Post("/auth/ws-ticket", s.handleWSTicket)

			r.Route("/devices", func(r chi.Router) {
				r.Get("/", s.handleListDevices)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetDevice)
					r.Get("/events", s.handleListDeviceEvents)
					r.Post("/resubscribe", s.handleResubscribe)
				})
			})

			r.Get("/subscriptions", s.handleListSubscriptions)
			r.Get("/audit", s.handleListAudit)
		})

		// Auth via ticket, validated in the handler.
		r.Get("/ws", s.handleWebSocket)
	})

	return r
}

// handleHealth reports whether the hub is receiving events.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	stats := s.registry.Stats()

	status, code := "ok", http.StatusOK
	if !stats.Running {
		status, code = "degraded", http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]any{
		"status":        status,
		"version":       s.version,
		"listener_port": stats.Port,
		"devices":       stats.Devices,
		"subscriptions": stats.Subscriptions,
	})
}
