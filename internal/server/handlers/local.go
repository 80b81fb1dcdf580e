package handlers

import (
	"net/http"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/openportal/webssh/internal/config"
	"github.com/openportal/webssh/internal/terminal"
)

// openLocalFn is swapped out in tests to avoid spawning a shell.
var openLocalFn = func() (terminal.Session, error) {
	return terminal.OpenLocal()
}

// LocalConnect opens a shell on the gateway host itself. Off by
// default; the deploy must opt in because it exposes the box the
// gateway runs on.
func LocalConnect(cfg *config.Config, reg *terminal.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !cfg.LocalShellEnabled {
			writeJSON(w, http.StatusForbidden, ConnectResponse{
				Success:   false,
				Message:   "Local shell sessions are disabled",
				ErrorCode: "LOCAL_DISABLED",
			})
			return
		}

		sess, err := openLocalFn()
		if err != nil {
			log.Error().Err(err).Msg("local shell start failed")
			writeJSON(w, http.StatusOK, ConnectResponse{
				Success:   false,
				Message:   "Failed to start local shell: " + err.Error(),
				ErrorCode: "UNKNOWN_ERROR",
			})
			return
		}

		username := os.Getenv("USER")
		if username == "" {
			username = "local"
		}

		id := reg.AddSession("local-admin", "local", username, sess)
		writeJSON(w, http.StatusOK, ConnectResponse{
			Success:      true,
			Message:      "Local shell started",
			SessionID:    id,
			WebsocketURL: websocketURL(cfg, id, nil),
		})
	}
}
