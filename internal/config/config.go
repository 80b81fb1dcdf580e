package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime settings for the gateway.
// Every field is sourced from environment variables (with a .env file
// loaded first when present) so the binary needs no config file.
type Config struct {
	// Server
	Address    string
	Port       int
	TLSEnabled bool
	Env        string
	Version    string
	LogLevel   string
	LogFormat  string

	// CORS
	CORSAllowedOrigins []string

	// Connect endpoint rate limiting (per client IP)
	ConnectRatePerSec float64
	ConnectBurst      int

	// Gateway-local shell sessions (disabled unless explicitly enabled)
	LocalShellEnabled bool

	// SSH
	SSH SSHSettings
}

// SSHSettings carries the connection and crypto preferences applied to
// every outbound SSH session.
type SSHSettings struct {
	TimeoutSeconds        int
	ReadTimeoutSeconds    int
	WriteTimeoutSeconds   int
	ChannelTimeoutSeconds int
	KeepaliveSeconds      int
	Compress              bool

	// Comma-separated preference lists, empty = library defaults.
	KexAlgorithms            []string
	HostKeyAlgorithms        []string
	EncryptionClientToServer []string
	EncryptionServerToClient []string
	MACClientToServer        []string
	MACServerToClient        []string
}

// DialTimeout returns the TCP connect timeout.
func (s SSHSettings) DialTimeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// KeepaliveInterval returns the keepalive send interval.
func (s SSHSettings) KeepaliveInterval() time.Duration {
	return time.Duration(s.KeepaliveSeconds) * time.Second
}

// ReadTimeout returns the per-read transport deadline.
func (s SSHSettings) ReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeoutSeconds) * time.Second
}

// WriteTimeout returns the per-write transport deadline.
func (s SSHSettings) WriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeoutSeconds) * time.Second
}

// ChannelTimeout bounds channel setup (open, pty request, shell).
func (s SSHSettings) ChannelTimeout() time.Duration {
	return time.Duration(s.ChannelTimeoutSeconds) * time.Second
}

func Load() (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	cfg := &Config{
		Address:            getEnv("WEBSSH_SERVER_ADDRESS", "127.0.0.1"),
		Port:               getEnvAsInt("WEBSSH_SERVER_PORT", 8888),
		TLSEnabled:         getEnvAsBool("WEBSSH_TLS_ENABLED", false),
		Env:                getEnv("ENV", "development"),
		Version:            getEnv("VERSION", "0.1.0"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		LogFormat:          getEnv("LOG_FORMAT", "json"),
		CORSAllowedOrigins: getEnvAsSlice("CORS_ALLOWED_ORIGINS", []string{"*"}),
		ConnectRatePerSec:  getEnvAsFloat("CONNECT_RATE_PER_SEC", 1),
		ConnectBurst:       getEnvAsInt("CONNECT_BURST", 5),
		LocalShellEnabled:  getEnvAsBool("LOCAL_SHELL_ENABLED", false),
		SSH: SSHSettings{
			TimeoutSeconds:        getEnvAsInt("SSH_TIMEOUT_SECONDS", 10),
			ReadTimeoutSeconds:    getEnvAsInt("SSH_READ_TIMEOUT_SECONDS", 30),
			WriteTimeoutSeconds:   getEnvAsInt("SSH_WRITE_TIMEOUT_SECONDS", 30),
			ChannelTimeoutSeconds: getEnvAsInt("SSH_CHANNEL_TIMEOUT_SECONDS", 60),
			KeepaliveSeconds:      getEnvAsInt("SSH_KEEPALIVE_SECONDS", 30),
			Compress:              getEnvAsBool("SSH_COMPRESS", false),

			KexAlgorithms:            getEnvAsSlice("SSH_KEX_ALGORITHMS", nil),
			HostKeyAlgorithms:        getEnvAsSlice("SSH_HOST_KEY_ALGORITHMS", nil),
			EncryptionClientToServer: getEnvAsSlice("SSH_ENCRYPTION_CLIENT_TO_SERVER", nil),
			EncryptionServerToClient: getEnvAsSlice("SSH_ENCRYPTION_SERVER_TO_CLIENT", nil),
			MACClientToServer:        getEnvAsSlice("SSH_MAC_CLIENT_TO_SERVER", nil),
			MACServerToClient:        getEnvAsSlice("SSH_MAC_SERVER_TO_CLIENT", nil),
		},
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsSlice splits a comma-separated list, trimming whitespace and
// dropping empty entries. Algorithm preference lists also accept the
// colon separator some SSH tooling emits.
func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	valueStr = strings.ReplaceAll(valueStr, ":", ",")

	var result []string
	for _, part := range strings.Split(valueStr, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			result = append(result, part)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}
