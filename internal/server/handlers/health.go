package handlers

import (
	"net/http"

	"github.com/openportal/webssh/internal/config"
	"github.com/openportal/webssh/internal/terminal"
)

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

type ReadyResponse struct {
	Status         string `json:"status"`
	ActiveSessions int    `json:"active_sessions"`
}

// Health returns the health status of the server
func Health(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Version: cfg.Version})
	}
}

// Ready reports readiness plus the live session count for probes
func Ready(reg *terminal.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, ReadyResponse{
			Status:         "ready",
			ActiveSessions: reg.TotalSessions(),
		})
	}
}
