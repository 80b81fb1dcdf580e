package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/openportal/webssh/internal/terminal"
)

type SessionsRequest struct {
	PortalUserID string `json:"portal_user_id,omitempty"`
}

type SessionSummary struct {
	SessionID    string `json:"session_id"`
	PortalUserID string `json:"portal_user_id"`
	DeviceID     string `json:"device_id"`
	SSHUsername  string `json:"ssh_username"`
	LastActivity string `json:"last_activity"`
}

type SessionsResponse struct {
	ActiveSessions int              `json:"active_sessions"`
	Sessions       []SessionSummary `json:"sessions"`
}

type SessionStatusResponse struct {
	Exists  bool   `json:"exists"`
	Ready   bool   `json:"ready"`
	Message string `json:"message"`
}

type TerminateResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// ListSessions reports live sessions, optionally scoped to one portal
// user. An empty body lists everything.
func ListSessions(reg *terminal.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SessionsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}

		var ids []string
		if req.PortalUserID != "" {
			ids = reg.GetPortalUserSessions(req.PortalUserID)
		} else {
			ids = reg.GetAllSessions()
		}

		sessions := make([]SessionSummary, 0, len(ids))
		for _, id := range ids {
			info, ok := reg.GetSession(id)
			if !ok {
				continue
			}
			sessions = append(sessions, SessionSummary{
				SessionID:    id,
				PortalUserID: info.PortalUserID,
				DeviceID:     info.DeviceID,
				SSHUsername:  info.SSHUsername,
				LastActivity: info.LastActivity.Format(time.RFC3339),
			})
		}

		writeJSON(w, http.StatusOK, SessionsResponse{
			ActiveSessions: len(sessions),
			Sessions:       sessions,
		})
	}
}

// SessionStatus reports whether a session id is live and attachable.
func SessionStatus(reg *terminal.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(chi.URLParam(r, "id"))
		if _, ok := reg.GetSession(id); !ok {
			writeJSON(w, http.StatusOK, SessionStatusResponse{
				Exists:  false,
				Ready:   false,
				Message: "Session not found",
			})
			return
		}
		writeJSON(w, http.StatusOK, SessionStatusResponse{
			Exists:  true,
			Ready:   true,
			Message: "Session is active",
		})
	}
}

// TerminateSession closes a session and removes it from the registry.
func TerminateSession(reg *terminal.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(chi.URLParam(r, "id"))
		if !reg.Remove(id) {
			writeJSON(w, http.StatusOK, TerminateResponse{
				Success: false,
				Message: "Session not found",
			})
			return
		}
		writeJSON(w, http.StatusOK, TerminateResponse{
			Success: true,
			Message: "Session terminated",
		})
	}
}
