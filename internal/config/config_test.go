package config

import (
	"strings"
	"testing"
	"time"
)

// TestLoadDefaults is not t.Parallel because it mutates process-wide environment variables.
func TestLoadDefaults(t *testing.T) {
	keys := []string{
		"SERVER_ENV", "SERVER_PORT",
		"DATABASE_URL", "DATABASE_MAX_CONNS", "DATABASE_MIN_CONNS",
		"VALKEY_URL", "VALKEY_DIAL_TIMEOUT",
		"JWT_SECRET", "JWT_ISSUER",
		"GATEWAY_HEARTBEAT_INTERVAL", "GATEWAY_RESUME_TOKEN_TTL", "GATEWAY_REPLAY_BUFFER_SIZE",
		"GATEWAY_MAX_CONNECTIONS",
		"PRESENCE_STATUS_CACHE_TTL", "PRESENCE_AWAY_TIMEOUT",
		"CHANNEL_MAX_MEMBERS", "CHANNEL_NAME_MIN", "CHANNEL_NAME_MAX",
		"RATE_LIMIT_COUNT", "RATE_LIMIT_WINDOW_SECONDS",
		"CORS_ALLOW_ORIGINS", "METRICS_ENABLED",
	}
	for _, k := range keys {
		t.Setenv(k, "")
	}

	t.Setenv("JWT_SECRET", "test-secret-for-defaults-minimum-32")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned unexpected error: %v", err)
	}

	if cfg.ServerPort != 8080 {
		t.Errorf("ServerPort = %d, want 8080", cfg.ServerPort)
	}
	if cfg.ServerEnv != "production" {
		t.Errorf("ServerEnv = %q, want %q", cfg.ServerEnv, "production")
	}
	if cfg.DatabaseMaxConn != 20 {
		t.Errorf("DatabaseMaxConn = %d, want 20", cfg.DatabaseMaxConn)
	}
	if cfg.DatabaseMinConn != 2 {
		t.Errorf("DatabaseMinConn = %d, want 2", cfg.DatabaseMinConn)
	}
	if cfg.HeartbeatInterval != 30*time.Second {
		t.Errorf("HeartbeatInterval = %v, want 30s", cfg.HeartbeatInterval)
	}
	if cfg.ResumeTokenTTL != 60*time.Second {
		t.Errorf("ResumeTokenTTL = %v, want 60s", cfg.ResumeTokenTTL)
	}
	if cfg.StatusCacheTTL != time.Hour {
		t.Errorf("StatusCacheTTL = %v, want 1h", cfg.StatusCacheTTL)
	}
	if cfg.AwayTimeout != 5*time.Minute {
		t.Errorf("AwayTimeout = %v, want 5m", cfg.AwayTimeout)
	}
	if cfg.MaxChannelMembers != 50 {
		t.Errorf("MaxChannelMembers = %d, want 50", cfg.MaxChannelMembers)
	}
	if cfg.ChannelNameMin != 3 || cfg.ChannelNameMax != 30 {
		t.Errorf("ChannelName bounds = [%d,%d], want [3,30]", cfg.ChannelNameMin, cfg.ChannelNameMax)
	}
	if !cfg.MetricsEnabled {
		t.Error("MetricsEnabled = false, want true")
	}
}

func TestLoadValidationRequiresJWTSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")

	_, err := Load()
	if err == nil {
		t.Fatal("Load() returned nil error, want validation error for missing JWT_SECRET")
	}
	if !strings.Contains(err.Error(), "JWT_SECRET") {
		t.Errorf("error %q does not mention JWT_SECRET", err.Error())
	}
}

func TestLoadValidationJWTSecretTooShort(t *testing.T) {
	t.Setenv("JWT_SECRET", "short")

	_, err := Load()
	if err == nil {
		t.Fatal("Load() returned nil error, want validation error for short JWT_SECRET")
	}
	if !strings.Contains(err.Error(), "JWT_SECRET must be at least 32 characters") {
		t.Errorf("error %q does not mention minimum length", err.Error())
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("SERVER_ENV", "development")
	t.Setenv("DATABASE_MAX_CONNS", "50")
	t.Setenv("GATEWAY_HEARTBEAT_INTERVAL", "15s")
	t.Setenv("CHANNEL_MAX_MEMBERS", "10")
	t.Setenv("JWT_SECRET", "test-secret-key-that-is-32-chars!")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned unexpected error: %v", err)
	}

	if cfg.ServerPort != 9090 {
		t.Errorf("ServerPort = %d, want 9090", cfg.ServerPort)
	}
	if cfg.ServerEnv != "development" {
		t.Errorf("ServerEnv = %q, want %q", cfg.ServerEnv, "development")
	}
	if cfg.DatabaseMaxConn != 50 {
		t.Errorf("DatabaseMaxConn = %d, want 50", cfg.DatabaseMaxConn)
	}
	if cfg.HeartbeatInterval != 15*time.Second {
		t.Errorf("HeartbeatInterval = %v, want 15s", cfg.HeartbeatInterval)
	}
	if cfg.MaxChannelMembers != 10 {
		t.Errorf("MaxChannelMembers = %d, want 10", cfg.MaxChannelMembers)
	}
	if cfg.JWTSecret != "test-secret-key-that-is-32-chars!" {
		t.Errorf("JWTSecret = %q, want %q", cfg.JWTSecret, "test-secret-key-that-is-32-chars!")
	}
}

func TestLoadInvalidInt(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret-for-defaults-minimum-32")
	t.Setenv("SERVER_PORT", "not-a-number")

	_, err := Load()
	if err == nil {
		t.Fatal("Load() returned nil error, want parse error")
	}
	if !strings.Contains(err.Error(), "SERVER_PORT") {
		t.Errorf("error %q does not mention SERVER_PORT", err.Error())
	}
	if !strings.Contains(err.Error(), "not-a-number") {
		t.Errorf("error %q does not include the invalid value", err.Error())
	}
}

func TestLoadInvalidBool(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret-for-defaults-minimum-32")
	t.Setenv("METRICS_ENABLED", "maybe")

	_, err := Load()
	if err == nil {
		t.Fatal("Load() returned nil error, want parse error")
	}
	if !strings.Contains(err.Error(), "METRICS_ENABLED") {
		t.Errorf("error %q does not mention METRICS_ENABLED", err.Error())
	}
}

func TestLoadInvalidDuration(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret-for-defaults-minimum-32")
	t.Setenv("PRESENCE_AWAY_TIMEOUT", "not-a-duration")

	_, err := Load()
	if err == nil {
		t.Fatal("Load() returned nil error, want parse error")
	}
	if !strings.Contains(err.Error(), "PRESENCE_AWAY_TIMEOUT") {
		t.Errorf("error %q does not mention PRESENCE_AWAY_TIMEOUT", err.Error())
	}
}

func TestLoadMultipleErrors(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret-for-defaults-minimum-32")
	t.Setenv("SERVER_PORT", "abc")
	t.Setenv("DATABASE_MAX_CONNS", "xyz")
	t.Setenv("METRICS_ENABLED", "nope")

	_, err := Load()
	if err == nil {
		t.Fatal("Load() returned nil error, want multiple parse errors")
	}

	errStr := err.Error()
	for _, want := range []string{"SERVER_PORT", "DATABASE_MAX_CONNS", "METRICS_ENABLED"} {
		if !strings.Contains(errStr, want) {
			t.Errorf("error missing %s, got: %s", want, errStr)
		}
	}
}

func TestLoadValidationChannelNameBounds(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret-for-defaults-minimum-32")
	t.Setenv("CHANNEL_NAME_MIN", "40")
	t.Setenv("CHANNEL_NAME_MAX", "30")

	_, err := Load()
	if err == nil {
		t.Fatal("Load() returned nil error, want validation error for CHANNEL_NAME_MIN > CHANNEL_NAME_MAX")
	}
	if !strings.Contains(err.Error(), "CHANNEL_NAME_MIN") {
		t.Errorf("error %q does not mention CHANNEL_NAME_MIN", err.Error())
	}
}

func TestIsDevelopment(t *testing.T) {
	tests := []struct {
		env  string
		want bool
	}{
		{"development", true},
		{"production", false},
		{"", false},
		{"staging", false},
	}
	for _, tt := range tests {
		cfg := &Config{ServerEnv: tt.env}
		if got := cfg.IsDevelopment(); got != tt.want {
			t.Errorf("IsDevelopment() with env=%q = %v, want %v", tt.env, got, tt.want)
		}
	}
}
