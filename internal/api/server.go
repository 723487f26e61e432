// Package api serves the admin HTTP interface of the network server.
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-network-core/internal/auth"
	"github.com/lorawan-server/lorawan-network-core/internal/device"
	"github.com/lorawan-server/lorawan-network-core/internal/metrics"
	"github.com/lorawan-server/lorawan-network-core/pkg/lorawan"
)

// DeviceCache is the part of the device cache the API exposes
type DeviceCache interface {
	TryGetByDevEUI(devEUI lorawan.EUI64) (*device.Device, bool)
	Len() int
	Reset()
}

// LoadTracker reports addresses currently being loaded
type LoadTracker interface {
	Loading() int
}

type ctxKey struct{}

// RESTServer represents the REST API server
type RESTServer struct {
	auth    *auth.JWTManager
	cache   DeviceCache
	loads   LoadTracker
	metrics *metrics.Collector
	router  chi.Router
	server  *http.Server
	started time.Time
}

// NewRESTServer creates a new REST API server
func NewRESTServer(jwt *auth.JWTManager, cache DeviceCache, loads LoadTracker, m *metrics.Collector) *RESTServer {
	s := &RESTServer{
		auth:    jwt,
		cache:   cache,
		loads:   loads,
		metrics: m,
		router:  chi.NewRouter(),
		started: time.Now(),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// setupRoutes configures all routes
func (s *RESTServer) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	s.router.Handle("/metrics", s.metrics.Handler())
	s.router.Route("/api/v1", s.setupAPIRoutes)
}

// ServeHTTP lets the server be mounted or tested directly
func (s *RESTServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe starts the server
func (s *RESTServer) ListenAndServe(addr string) error {
	s.server.Addr = addr
	log.Info().Str("addr", addr).Msg("starting admin API")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *RESTServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// authMiddleware is the authentication middleware
func (s *RESTServer) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			s.respondError(w, http.StatusUnauthorized, "missing authorization header")
			return
		}

		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			s.respondError(w, http.StatusUnauthorized, "invalid authorization header")
			return
		}

		claims, err := s.auth.ValidateToken(token)
		if err != nil {
			s.respondError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), ctxKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func claimsFrom(ctx context.Context) *auth.Claims {
	c, _ := ctx.Value(ctxKey{}).(*auth.Claims)
	return c
}
