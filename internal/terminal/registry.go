package terminal

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// SessionInfo is one live session entry. The Session handle stays
// live for the lifetime of the entry; removal from the registry and
// close of the handle happen as one step inside Remove.
type SessionInfo struct {
	PortalUserID string
	DeviceID     string
	SSHUsername  string
	Session      Session
	LastActivity time.Time
}

type compositeKey struct {
	portalUserID string
	deviceID     string
	sshUsername  string
}

// Registry is the process-wide directory of live sessions, indexed by
// session id, portal user, device, and the (user, device, ssh user)
// composite. All methods serialize on one lock; operations are short
// in-memory map work, except that Remove closes the owned session
// while holding the lock, trading registry-wide contention for strict
// remove/close ordering.
type Registry struct {
	mu                 sync.Mutex
	sessions           map[string]*SessionInfo
	portalUserSessions map[string]map[string]struct{}
	deviceSessions     map[string]map[string]struct{}
	compositeSessions  map[compositeKey]string

	// now is replaceable so reaper behavior is testable without
	// sleeping.
	now func() time.Time
}

// NewRegistry returns an initialised, empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions:           make(map[string]*SessionInfo),
		portalUserSessions: make(map[string]map[string]struct{}),
		deviceSessions:     make(map[string]map[string]struct{}),
		compositeSessions:  make(map[compositeKey]string),
		now:                time.Now,
	}
}

// AddSession inserts sess into all four indices and returns the
// generated session id. The id embeds the identifying fields for
// inspectability; the trailing UUID keeps it unique when they collide.
func (r *Registry) AddSession(portalUserID, deviceID, sshUsername string, sess Session) string {
	sessionID := fmt.Sprintf("portal-%s-device-%s-ssh-%s-%s",
		portalUserID, deviceID, sshUsername, uuid.New())

	r.mu.Lock()
	defer r.mu.Unlock()

	r.sessions[sessionID] = &SessionInfo{
		PortalUserID: portalUserID,
		DeviceID:     deviceID,
		SSHUsername:  sshUsername,
		Session:      sess,
		LastActivity: r.now(),
	}

	if r.portalUserSessions[portalUserID] == nil {
		r.portalUserSessions[portalUserID] = make(map[string]struct{})
	}
	r.portalUserSessions[portalUserID][sessionID] = struct{}{}

	if r.deviceSessions[deviceID] == nil {
		r.deviceSessions[deviceID] = make(map[string]struct{})
	}
	r.deviceSessions[deviceID][sessionID] = struct{}{}

	r.compositeSessions[compositeKey{portalUserID, deviceID, sshUsername}] = sessionID

	log.Info().Str("session_id", sessionID).Str("portal_user_id", portalUserID).
		Str("device_id", deviceID).Str("ssh_username", sshUsername).Msg("session registered")

	return sessionID
}

// GetSession returns a snapshot of the entry and stamps its
// last-activity time.
func (r *Registry) GetSession(sessionID string) (SessionInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.sessions[sessionID]
	if !ok {
		return SessionInfo{}, false
	}
	info.LastActivity = r.now()
	return *info, true
}

// GetByCompositeKey looks up the session for (portal user, device,
// ssh user), stamping last activity on a hit.
func (r *Registry) GetByCompositeKey(portalUserID, deviceID, sshUsername string) (string, SessionInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessionID, ok := r.compositeSessions[compositeKey{portalUserID, deviceID, sshUsername}]
	if !ok {
		return "", SessionInfo{}, false
	}
	info, ok := r.sessions[sessionID]
	if !ok {
		return "", SessionInfo{}, false
	}
	info.LastActivity = r.now()
	return sessionID, *info, true
}

// GetPortalUserSessions returns a snapshot of the session ids for one
// portal user.
func (r *Registry) GetPortalUserSessions(portalUserID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return keysOf(r.portalUserSessions[portalUserID])
}

// GetDeviceSessions returns a snapshot of the session ids for one
// device.
func (r *Registry) GetDeviceSessions(deviceID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return keysOf(r.deviceSessions[deviceID])
}

// GetAllSessions returns a snapshot of every session id.
func (r *Registry) GetAllSessions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	return out
}

// GetAllPortalUserIDs returns a snapshot of portal users with at
// least one live session.
func (r *Registry) GetAllPortalUserIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.portalUserSessions))
	for id := range r.portalUserSessions {
		out = append(out, id)
	}
	return out
}

// Remove closes the owned session and deletes the entry from all four
// indices, evicting secondary-index buckets that become empty. Close
// errors are logged, not propagated. Returns whether the id was
// present.
func (r *Registry) Remove(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(sessionID)
}

func (r *Registry) removeLocked(sessionID string) bool {
	info, ok := r.sessions[sessionID]
	if !ok {
		return false
	}

	if err := info.Session.Close(); err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("error closing session")
	}

	delete(r.sessions, sessionID)

	if bucket := r.portalUserSessions[info.PortalUserID]; bucket != nil {
		delete(bucket, sessionID)
		if len(bucket) == 0 {
			delete(r.portalUserSessions, info.PortalUserID)
		}
	}
	if bucket := r.deviceSessions[info.DeviceID]; bucket != nil {
		delete(bucket, sessionID)
		if len(bucket) == 0 {
			delete(r.deviceSessions, info.DeviceID)
		}
	}
	delete(r.compositeSessions, compositeKey{info.PortalUserID, info.DeviceID, info.SSHUsername})

	log.Info().Str("session_id", sessionID).Msg("session removed")
	return true
}

// CleanupStaleSessions removes every session idle longer than maxIdle
// and returns the number removed.
func (r *Registry) CleanupStaleSessions(maxIdle time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var stale []string
	for id, info := range r.sessions {
		if now.Sub(info.LastActivity) > maxIdle {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		r.removeLocked(id)
	}
	if len(stale) > 0 {
		log.Info().Int("count", len(stale)).Msg("cleaned up stale sessions")
	}
	return len(stale)
}

// TotalSessions returns the size of the primary index.
func (r *Registry) TotalSessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// TotalPortalUsers returns the number of portal users with sessions.
func (r *Registry) TotalPortalUsers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.portalUserSessions)
}

// TotalDevices returns the number of devices with sessions.
func (r *Registry) TotalDevices() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.deviceSessions)
}

func keysOf(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}
