package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/openportal/webssh/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Address:            "127.0.0.1",
		Port:               8888,
		Version:            "test",
		CORSAllowedOrigins: []string{"*"},
		ConnectRatePerSec:  100,
		ConnectBurst:       100,
	}
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestServer_Health(t *testing.T) {
	s := New(testConfig())

	w := get(t, s.Router(), "/health")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["status"] != "ok" || resp["version"] != "test" {
		t.Errorf("health = %v", resp)
	}
}

func TestServer_Ready(t *testing.T) {
	s := New(testConfig())

	w := get(t, s.Router(), "/ready")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp struct {
		Status         string `json:"status"`
		ActiveSessions int    `json:"active_sessions"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ready" || resp.ActiveSessions != 0 {
		t.Errorf("ready = %+v", resp)
	}
}

func TestServer_Index(t *testing.T) {
	s := New(testConfig())

	w := get(t, s.Router(), "/")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.Contains(ct, "text/html") {
		t.Errorf("content type = %q", ct)
	}
	if !strings.Contains(w.Body.String(), "WebSSH Terminal") {
		t.Error("index page content missing")
	}
}

func TestServer_UnknownSessionStatus(t *testing.T) {
	s := New(testConfig())

	w := get(t, s.Router(), "/api/session/ghost/status")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp struct {
		Exists bool `json:"exists"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Exists {
		t.Error("ghost session should not exist")
	}
}

func TestServer_ConnectRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.ConnectRatePerSec = 0.001
	cfg.ConnectBurst = 1
	s := New(cfg)

	do := func() int {
		req := httptest.NewRequest(http.MethodPost, "/connect", strings.NewReader("{}"))
		req.RemoteAddr = "10.1.1.1:4000"
		w := httptest.NewRecorder()
		s.Router().ServeHTTP(w, req)
		return w.Code
	}

	if code := do(); code == http.StatusTooManyRequests {
		t.Fatal("first request should pass the limiter")
	}
	if code := do(); code != http.StatusTooManyRequests {
		t.Errorf("second request status = %d, want 429", code)
	}
}
