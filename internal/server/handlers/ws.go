package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/openportal/webssh/internal/terminal"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin policy is enforced by the CORS layer in front of the
	// portal; the gateway accepts any upgrade for a known session id.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type wsNotFoundResponse struct {
	Error             string   `json:"error"`
	Message           string   `json:"message"`
	SessionID         string   `json:"session_id"`
	AvailableSessions []string `json:"available_sessions"`
}

// Terminal upgrades the connection and bridges it to the named
// session. The bridge runs on a clone of the registered session so a
// dropped browser tab does not tear down the registry entry's handle
// state; when the bridge ends the session is removed.
func Terminal(reg *terminal.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(chi.URLParam(r, "id"))

		info, ok := reg.GetSession(id)
		if !ok {
			log.Warn().Str("session_id", id).Msg("websocket attach to unknown session")
			writeJSON(w, http.StatusNotFound, wsNotFoundResponse{
				Error:             "session_not_found",
				Message:           fmt.Sprintf("Session %s not found. It may have expired or been terminated.", id),
				SessionID:         id,
				AvailableSessions: reg.GetAllSessions(),
			})
			return
		}

		clone, err := info.Session.Clone()
		if err != nil {
			log.Error().Err(err).Str("session_id", id).Msg("session clone failed")
			writeJSON(w, http.StatusBadGateway, map[string]string{
				"error":   "session_attach_failed",
				"message": fmt.Sprintf("Failed to attach to session: %v", err),
			})
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Error().Err(err).Str("session_id", id).Msg("websocket upgrade failed")
			_ = clone.Close()
			return
		}

		log.Info().Str("session_id", id).Str("portal_user_id", info.PortalUserID).Msg("websocket attached")
		terminal.NewBridge(conn, clone, id, info.PortalUserID).Run()
		reg.Remove(id)
	}
}
