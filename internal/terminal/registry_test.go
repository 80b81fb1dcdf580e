package terminal

import (
	"strings"
	"sync"
	"testing"
	"time"
)

// stubSession satisfies Session for registry tests. Only Close does
// anything observable.
type stubSession struct {
	mu     sync.Mutex
	closes int
}

func (s *stubSession) StartIO(input <-chan []byte, output chan<- []byte) error {
	close(output)
	return nil
}
func (s *stubSession) SetResizeChannel(<-chan Resize) {}
func (s *stubSession) ResizePTY(rows, cols uint32) error { return nil }
func (s *stubSession) Clone() (Session, error) { return s, nil }
func (s *stubSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}
func (s *stubSession) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

func TestRegistry_AddAndGet(t *testing.T) {
	r := NewRegistry()
	id := r.AddSession("alice", "web-01", "root", &stubSession{})

	for _, part := range []string{"portal-alice", "device-web-01", "ssh-root"} {
		if !strings.Contains(id, part) {
			t.Errorf("session id %q missing %q", id, part)
		}
	}

	info, ok := r.GetSession(id)
	if !ok {
		t.Fatal("GetSession: expected true, got false")
	}
	if info.PortalUserID != "alice" || info.DeviceID != "web-01" || info.SSHUsername != "root" {
		t.Errorf("GetSession = %+v, want alice/web-01/root", info)
	}
}

func TestRegistry_GetMissing(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.GetSession("nonexistent"); ok {
		t.Error("GetSession on missing id should return false")
	}
}

func TestRegistry_UniqueIDs(t *testing.T) {
	r := NewRegistry()
	a := r.AddSession("alice", "web-01", "root", &stubSession{})
	b := r.AddSession("alice", "web-01", "root", &stubSession{})
	if a == b {
		t.Error("identical identifying fields must still yield distinct session ids")
	}
}

func TestRegistry_CompositeKey(t *testing.T) {
	r := NewRegistry()
	first := r.AddSession("alice", "web-01", "root", &stubSession{})
	second := r.AddSession("alice", "web-01", "root", &stubSession{})

	// The composite index tracks the most recent session for the triple.
	id, info, ok := r.GetByCompositeKey("alice", "web-01", "root")
	if !ok {
		t.Fatal("GetByCompositeKey: expected hit")
	}
	if id != second {
		t.Errorf("composite id = %q, want most recent %q", id, second)
	}
	if info.SSHUsername != "root" {
		t.Errorf("SSHUsername = %q, want root", info.SSHUsername)
	}

	if _, _, ok := r.GetByCompositeKey("alice", "web-01", "admin"); ok {
		t.Error("composite lookup with wrong username should miss")
	}
	_ = first
}

func TestRegistry_SecondaryIndices(t *testing.T) {
	r := NewRegistry()
	a := r.AddSession("alice", "web-01", "root", &stubSession{})
	b := r.AddSession("alice", "db-01", "root", &stubSession{})
	c := r.AddSession("bob", "web-01", "admin", &stubSession{})

	if got := r.GetPortalUserSessions("alice"); len(got) != 2 {
		t.Errorf("alice sessions = %d, want 2", len(got))
	}
	if got := r.GetDeviceSessions("web-01"); len(got) != 2 {
		t.Errorf("web-01 sessions = %d, want 2", len(got))
	}
	if got := r.GetAllSessions(); len(got) != 3 {
		t.Errorf("all sessions = %d, want 3", len(got))
	}
	if got := r.GetAllPortalUserIDs(); len(got) != 2 {
		t.Errorf("portal users = %d, want 2", len(got))
	}
	if r.TotalSessions() != 3 || r.TotalPortalUsers() != 2 || r.TotalDevices() != 2 {
		t.Errorf("totals = %d/%d/%d, want 3/2/2",
			r.TotalSessions(), r.TotalPortalUsers(), r.TotalDevices())
	}
	_, _, _ = a, b, c
}

func TestRegistry_RemoveClosesAndCleansIndices(t *testing.T) {
	r := NewRegistry()
	sess := &stubSession{}
	id := r.AddSession("alice", "web-01", "root", sess)

	if !r.Remove(id) {
		t.Fatal("Remove: expected true")
	}
	if sess.closeCount() != 1 {
		t.Errorf("close count = %d, want 1", sess.closeCount())
	}
	if _, ok := r.GetSession(id); ok {
		t.Error("session still resolvable after Remove")
	}
	if got := r.GetPortalUserSessions("alice"); len(got) != 0 {
		t.Errorf("alice sessions after remove = %d, want 0", len(got))
	}
	if got := r.GetDeviceSessions("web-01"); len(got) != 0 {
		t.Errorf("device sessions after remove = %d, want 0", len(got))
	}
	if _, _, ok := r.GetByCompositeKey("alice", "web-01", "root"); ok {
		t.Error("composite key still resolvable after Remove")
	}
	if r.TotalPortalUsers() != 0 || r.TotalDevices() != 0 {
		t.Error("empty index buckets should be evicted")
	}
}

func TestRegistry_RemoveTwice(t *testing.T) {
	r := NewRegistry()
	sess := &stubSession{}
	id := r.AddSession("alice", "web-01", "root", sess)

	r.Remove(id)
	if r.Remove(id) {
		t.Error("second Remove should return false")
	}
	if sess.closeCount() != 1 {
		t.Errorf("close count = %d, want 1 (no double close)", sess.closeCount())
	}
}

func TestRegistry_GetStampsActivity(t *testing.T) {
	r := NewRegistry()
	now := time.Unix(1000, 0)
	r.now = func() time.Time { return now }

	id := r.AddSession("alice", "web-01", "root", &stubSession{})

	now = now.Add(10 * time.Minute)
	info, _ := r.GetSession(id)
	if !info.LastActivity.Equal(now) {
		t.Errorf("LastActivity = %v, want %v", info.LastActivity, now)
	}
}

func TestRegistry_CleanupStaleSessions(t *testing.T) {
	r := NewRegistry()
	now := time.Unix(1000, 0)
	r.now = func() time.Time { return now }

	stale := &stubSession{}
	staleID := r.AddSession("alice", "web-01", "root", stale)

	now = now.Add(2 * time.Hour)
	fresh := &stubSession{}
	freshID := r.AddSession("bob", "db-01", "admin", fresh)

	removed := r.CleanupStaleSessions(time.Hour)
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, ok := r.GetSession(staleID); ok {
		t.Error("stale session survived cleanup")
	}
	if _, ok := r.GetSession(freshID); !ok {
		t.Error("fresh session was removed")
	}
	if stale.closeCount() != 1 {
		t.Errorf("stale close count = %d, want 1", stale.closeCount())
	}
	if fresh.closeCount() != 0 {
		t.Errorf("fresh close count = %d, want 0", fresh.closeCount())
	}
}

func TestRegistry_CleanupActivityResets(t *testing.T) {
	r := NewRegistry()
	now := time.Unix(1000, 0)
	r.now = func() time.Time { return now }

	id := r.AddSession("alice", "web-01", "root", &stubSession{})

	// A lookup stamps activity, so the session survives the sweep.
	now = now.Add(50 * time.Minute)
	r.GetSession(id)
	now = now.Add(50 * time.Minute)

	if removed := r.CleanupStaleSessions(time.Hour); removed != 0 {
		t.Errorf("removed = %d, want 0", removed)
	}
}

func TestRegistry_ConcurrentSafe(t *testing.T) {
	r := NewRegistry()
	const workers = 50
	var wg sync.WaitGroup
	wg.Add(workers * 3)

	ids := make(chan string, workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			ids <- r.AddSession("alice", "web-01", "root", &stubSession{})
		}()
	}
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			r.GetAllSessions()
			r.TotalSessions()
		}()
	}
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			r.Remove(<-ids)
		}()
	}
	wg.Wait()

	if r.TotalSessions() != 0 {
		t.Errorf("sessions after add/remove churn = %d, want 0", r.TotalSessions())
	}
}
