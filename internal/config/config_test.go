package config

import (
	"reflect"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Address != "127.0.0.1" {
		t.Errorf("Address = %q, want 127.0.0.1", cfg.Address)
	}
	if cfg.Port != 8888 {
		t.Errorf("Port = %d, want 8888", cfg.Port)
	}
	if cfg.TLSEnabled {
		t.Error("TLSEnabled should default to false")
	}
	if cfg.LocalShellEnabled {
		t.Error("LocalShellEnabled should default to false")
	}
	if cfg.ConnectRatePerSec != 1 || cfg.ConnectBurst != 5 {
		t.Errorf("rate limit = %v/%d, want 1/5", cfg.ConnectRatePerSec, cfg.ConnectBurst)
	}
	if cfg.SSH.TimeoutSeconds != 10 {
		t.Errorf("SSH.TimeoutSeconds = %d, want 10", cfg.SSH.TimeoutSeconds)
	}
	if cfg.SSH.KeepaliveSeconds != 30 {
		t.Errorf("SSH.KeepaliveSeconds = %d, want 30", cfg.SSH.KeepaliveSeconds)
	}
	if cfg.SSH.KexAlgorithms != nil {
		t.Errorf("SSH.KexAlgorithms = %v, want nil (library defaults)", cfg.SSH.KexAlgorithms)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("WEBSSH_SERVER_ADDRESS", "0.0.0.0")
	t.Setenv("WEBSSH_SERVER_PORT", "9000")
	t.Setenv("LOCAL_SHELL_ENABLED", "true")
	t.Setenv("CONNECT_RATE_PER_SEC", "2.5")
	t.Setenv("SSH_TIMEOUT_SECONDS", "5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Address != "0.0.0.0" {
		t.Errorf("Address = %q, want 0.0.0.0", cfg.Address)
	}
	if cfg.Port != 9000 {
		t.Errorf("Port = %d, want 9000", cfg.Port)
	}
	if !cfg.LocalShellEnabled {
		t.Error("LocalShellEnabled should be true")
	}
	if cfg.ConnectRatePerSec != 2.5 {
		t.Errorf("ConnectRatePerSec = %v, want 2.5", cfg.ConnectRatePerSec)
	}
	if cfg.SSH.DialTimeout() != 5*time.Second {
		t.Errorf("DialTimeout = %v, want 5s", cfg.SSH.DialTimeout())
	}
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("WEBSSH_SERVER_PORT", "not-a-number")
	t.Setenv("LOCAL_SHELL_ENABLED", "maybe")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 8888 {
		t.Errorf("Port = %d, want default 8888", cfg.Port)
	}
	if cfg.LocalShellEnabled {
		t.Error("unparseable bool should fall back to default false")
	}
}

func TestGetEnvAsSlice(t *testing.T) {
	cases := []struct {
		name  string
		value string
		want  []string
	}{
		{"commas", "aes128-ctr,aes256-ctr", []string{"aes128-ctr", "aes256-ctr"}},
		{"colons", "curve25519-sha256:ecdh-sha2-nistp256", []string{"curve25519-sha256", "ecdh-sha2-nistp256"}},
		{"whitespace and empties", " a , ,b, ", []string{"a", "b"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("TEST_SLICE_KEY", tc.value)
			got := getEnvAsSlice("TEST_SLICE_KEY", nil)
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("getEnvAsSlice(%q) = %v, want %v", tc.value, got, tc.want)
			}
		})
	}

	if got := getEnvAsSlice("TEST_SLICE_UNSET", []string{"fallback"}); !reflect.DeepEqual(got, []string{"fallback"}) {
		t.Errorf("unset key = %v, want fallback", got)
	}
}
