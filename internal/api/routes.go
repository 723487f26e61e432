package api

import (
	"github.com/go-chi/chi/v5"
)

// setupAPIRoutes sets up API v1 routes
func (s *RESTServer) setupAPIRoutes(r chi.Router) {
	r.Get("/health", s.HandleHealth)
	r.Post("/login", s.HandleLogin)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/devices/{dev_eui}", s.HandleGetDevice)
		r.Delete("/cache", s.HandleResetCache)
	})
}
