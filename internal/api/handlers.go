package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-network-core/internal/auth"
	"github.com/lorawan-server/lorawan-network-core/pkg/lorawan"
)

// HandleLogin exchanges the admin credentials for a bearer token
func (s *RESTServer) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, expires, err := s.auth.Login(req.Username, req.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		s.respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("issuing token failed")
		s.respondError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"access_token": token,
		"expires_in":   int(time.Until(expires).Seconds()),
		"token_type":   "Bearer",
	})
}

// HandleHealth reports liveness and cache occupancy
func (s *RESTServer) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "healthy",
		"time":           time.Now(),
		"uptime":         time.Since(s.started).String(),
		"cached_devices": s.cache.Len(),
		"loading":        s.loads.Loading(),
	})
}

// HandleGetDevice returns the cached state of one device
func (s *RESTServer) HandleGetDevice(w http.ResponseWriter, r *http.Request) {
	devEUI, err := lorawan.ParseEUI64(chi.URLParam(r, "dev_eui"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid DevEUI")
		return
	}

	d, ok := s.cache.TryGetByDevEUI(devEUI)
	if !ok {
		s.respondError(w, http.StatusNotFound, "device not cached")
		return
	}
	s.respondJSON(w, http.StatusOK, d.Snapshot())
}

// HandleResetCache drops every cached device
func (s *RESTServer) HandleResetCache(w http.ResponseWriter, r *http.Request) {
	n := s.cache.Len()
	s.cache.Reset()

	user := ""
	if c := claimsFrom(r.Context()); c != nil {
		user = c.Username
	}
	log.Info().Str("user", user).Int("devices", n).Msg("device cache reset")

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"removed": n,
	})
}

// respondJSON responds with JSON
func (s *RESTServer) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(response)
}

// respondError responds with error
func (s *RESTServer) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{
		"error": message,
	})
}
