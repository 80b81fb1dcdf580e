package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/openportal/webssh/internal/config"
	"github.com/openportal/webssh/internal/terminal"
)

type ConnectRequest struct {
	Hostname   string `json:"hostname"`
	Port       uint16 `json:"port"`
	Username   string `json:"username"`
	Password   string `json:"password,omitempty"`
	PrivateKey string `json:"private_key,omitempty"`
	DeviceType string `json:"device_type,omitempty"`
	AuthType   string `json:"auth_type,omitempty"`

	// Portal integration fields. EnablePassword is accepted for
	// network devices but privilege escalation is left to the user
	// at the prompt.
	PortalUserID   string `json:"portal_user_id,omitempty"`
	DeviceID       string `json:"device_id,omitempty"`
	DeviceName     string `json:"device_name,omitempty"`
	EnablePassword string `json:"enable_password,omitempty"`
	SessionID      string `json:"session_id,omitempty"`
}

type ConnectResponse struct {
	Success      bool   `json:"success"`
	Message      string `json:"message"`
	SessionID    string `json:"session_id,omitempty"`
	WebsocketURL string `json:"websocket_url,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
}

// openSSHFn is swapped out in tests to avoid real dials.
var openSSHFn = func(hostname string, port uint16, username, password, privateKey, deviceType string, settings config.SSHSettings) (terminal.Session, error) {
	return terminal.Open(hostname, port, username, password, privateKey, deviceType, settings)
}

// Connect opens an SSH session for the portal UI and returns the
// WebSocket URL to attach to it. An existing session is reused when
// the request names one, or when the same portal user already has a
// session to the same device and account.
func Connect(cfg *config.Config, reg *terminal.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ConnectRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}

		if req.Hostname == "" || req.Username == "" {
			writeJSON(w, http.StatusOK, ConnectResponse{
				Success:   false,
				Message:   "hostname and username are required",
				ErrorCode: "UNKNOWN_ERROR",
			})
			return
		}
		if req.Port == 0 {
			req.Port = 22
		}

		portalUserID := req.PortalUserID
		if portalUserID == "" {
			portalUserID = "anonymous-" + uuid.New().String()
		}
		deviceID := req.DeviceID
		if deviceID == "" {
			deviceID = req.Hostname
		}

		// Reconnect paths: an explicit session id wins, then the
		// (portal user, device, ssh user) composite.
		if id := strings.TrimSpace(req.SessionID); id != "" {
			if _, ok := reg.GetSession(id); ok {
				writeJSON(w, http.StatusOK, ConnectResponse{
					Success:      true,
					Message:      "Reusing existing session",
					SessionID:    id,
					WebsocketURL: websocketURL(cfg, id, nil),
				})
				return
			}
		}
		if req.PortalUserID != "" {
			if id, _, ok := reg.GetByCompositeKey(portalUserID, deviceID, req.Username); ok {
				writeJSON(w, http.StatusOK, ConnectResponse{
					Success:      true,
					Message:      "Reusing existing session",
					SessionID:    id,
					WebsocketURL: websocketURL(cfg, id, nil),
				})
				return
			}
		}

		sess, err := openSSHFn(req.Hostname, req.Port, req.Username, req.Password, req.PrivateKey, req.DeviceType, cfg.SSH)
		if err != nil {
			log.Error().Err(err).Str("hostname", req.Hostname).Str("username", req.Username).Msg("ssh connect failed")
			writeJSON(w, http.StatusOK, ConnectResponse{
				Success:   false,
				Message:   fmt.Sprintf("Failed to connect: %v", err),
				ErrorCode: errorCode(err),
			})
			return
		}

		id := reg.AddSession(portalUserID, deviceID, req.Username, sess)
		writeJSON(w, http.StatusOK, ConnectResponse{
			Success:      true,
			Message:      "Connected successfully",
			SessionID:    id,
			WebsocketURL: websocketURL(cfg, id, nil),
		})
	}
}

// APIConnect is the programmatic variant used by device-management
// callers: auth method is chosen by auth_type, and connection context
// is echoed back as query parameters on the WebSocket URL so the
// client can label its tab.
func APIConnect(cfg *config.Config, reg *terminal.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ConnectRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}

		if req.Hostname == "" || req.Username == "" {
			writeJSON(w, http.StatusOK, ConnectResponse{
				Success:   false,
				Message:   "hostname and username are required",
				ErrorCode: "UNKNOWN_ERROR",
			})
			return
		}
		if req.Port == 0 {
			req.Port = 22
		}

		password, privateKey := req.Password, ""
		if req.AuthType == "private-key" {
			password, privateKey = "", req.PrivateKey
		}

		portalUserID := req.PortalUserID
		if portalUserID == "" {
			if req.DeviceName != "" {
				portalUserID = req.DeviceName
			} else {
				portalUserID = "device-" + uuid.New().String()
			}
		}
		deviceID := req.DeviceID
		if deviceID == "" {
			deviceID = req.Hostname
		}

		sess, err := openSSHFn(req.Hostname, req.Port, req.Username, password, privateKey, req.DeviceType, cfg.SSH)
		if err != nil {
			log.Error().Err(err).Str("hostname", req.Hostname).Str("username", req.Username).Msg("ssh connect failed")
			writeJSON(w, http.StatusOK, ConnectResponse{
				Success:   false,
				Message:   fmt.Sprintf("Failed to connect: %v", err),
				ErrorCode: errorCode(err),
			})
			return
		}

		id := reg.AddSession(portalUserID, deviceID, req.Username, sess)

		q := url.Values{}
		q.Set("hostname", req.Hostname)
		q.Set("username", req.Username)
		if req.DeviceName != "" {
			q.Set("device_name", req.DeviceName)
		}

		writeJSON(w, http.StatusOK, ConnectResponse{
			Success:      true,
			Message:      "Connected successfully",
			SessionID:    id,
			WebsocketURL: websocketURL(cfg, id, q),
		})
	}
}

// websocketURL builds the attach URL for a session id, pointing at
// this server's advertised address.
func websocketURL(cfg *config.Config, sessionID string, q url.Values) string {
	scheme := "ws"
	if cfg.TLSEnabled {
		scheme = "wss"
	}
	u := fmt.Sprintf("%s://%s:%d/ws/%s", scheme, cfg.Address, cfg.Port, sessionID)
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

// errorCode buckets connect failures for the client: bad credentials
// are distinguished from unreachable hosts, everything else is
// unknown.
func errorCode(err error) string {
	switch {
	case errors.Is(err, terminal.ErrAuthentication):
		return "AUTH_FAILED"
	case errors.Is(err, terminal.ErrConnection), errors.Is(err, terminal.ErrHandshake):
		return "CONNECTION_FAILED"
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "authentication"), strings.Contains(msg, "permission denied"):
		return "AUTH_FAILED"
	case strings.Contains(msg, "connection"), strings.Contains(msg, "connect"), strings.Contains(msg, "timeout"):
		return "CONNECTION_FAILED"
	}
	return "UNKNOWN_ERROR"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
