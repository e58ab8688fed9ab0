package config

import (
	"os"
	"strings"
	"testing"
)

var envKeys = []string{
	"HOST", "PORT", "GO_ENV", "LOG_LEVEL", "LOG_PATH", "ALLOWED_ORIGINS",
	"STUN_SERVERS", "TURN_SERVERS", "RATE_LIMIT_WINDOW_MS",
	"RATE_LIMIT_MAX_REQUESTS", "MAX_MESSAGE_LENGTH", "MAX_CHAT_DURATION_MS",
	"CONTENT_FILTER_ENABLED", "PROFANITY_FILTER_STRICT", "REDIS_ENABLED",
	"REDIS_ADDR", "REDIS_PASSWORD", "OTEL_COLLECTOR_ADDR",
}

func setupTestEnv(t *testing.T) {
	t.Helper()
	orig := make(map[string]string, len(envKeys))
	for _, k := range envKeys {
		orig[k] = os.Getenv(k)
		os.Unsetenv(k)
	}
	t.Cleanup(func() {
		for k, v := range orig {
			if v != "" {
				os.Setenv(k, v)
			} else {
				os.Unsetenv(k)
			}
		}
	})
}

func TestValidateEnvDefaults(t *testing.T) {
	setupTestEnv(t)
	os.Setenv("ALLOWED_ORIGINS", "https://example.test")

	cfg, err := ValidateEnv()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("expected PORT to default to 8080, got %q", cfg.Port)
	}
	if cfg.Env != "production" {
		t.Errorf("expected GO_ENV to default to production, got %q", cfg.Env)
	}
	if cfg.MaxMessageLength != defaultMaxMessageLength {
		t.Errorf("expected MAX_MESSAGE_LENGTH to default to %d, got %d", defaultMaxMessageLength, cfg.MaxMessageLength)
	}
	if !cfg.ContentFilterEnabled {
		t.Error("expected CONTENT_FILTER_ENABLED to default to true")
	}
}

func TestValidateEnvRejectsInvalidPort(t *testing.T) {
	setupTestEnv(t)
	os.Setenv("PORT", "not-a-port")

	if _, err := ValidateEnv(); err == nil {
		t.Fatal("expected an error for an invalid PORT")
	}
}

func TestValidateEnvRejectsOutOfRangeMessageLength(t *testing.T) {
	setupTestEnv(t)
	os.Setenv("MAX_MESSAGE_LENGTH", "50000")

	if _, err := ValidateEnv(); err == nil {
		t.Fatal("expected an error for MAX_MESSAGE_LENGTH above the maximum")
	}
}

func TestValidateEnvCollectsMultipleErrors(t *testing.T) {
	setupTestEnv(t)
	os.Setenv("PORT", "999999")
	os.Setenv("MAX_MESSAGE_LENGTH", "0")

	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("expected an error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "PORT") || !strings.Contains(msg, "MAX_MESSAGE_LENGTH") {
		t.Errorf("expected error to mention both PORT and MAX_MESSAGE_LENGTH, got: %s", msg)
	}
}

func TestValidateEnvRequiresAllowedOriginsInProduction(t *testing.T) {
	setupTestEnv(t)
	os.Setenv("GO_ENV", "production")

	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("expected an error when ALLOWED_ORIGINS is empty in production")
	}
	if !strings.Contains(err.Error(), "ALLOWED_ORIGINS") {
		t.Errorf("expected error to mention ALLOWED_ORIGINS, got: %s", err.Error())
	}
}

func TestValidateEnvAllowsEmptyAllowedOriginsOutsideProduction(t *testing.T) {
	setupTestEnv(t)
	os.Setenv("GO_ENV", "development")

	_, err := ValidateEnv()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
}

func TestValidateEnvRejectsMalformedRedisAddr(t *testing.T) {
	setupTestEnv(t)
	os.Setenv("REDIS_ENABLED", "true")
	os.Setenv("REDIS_ADDR", "not-a-host-port")

	if _, err := ValidateEnv(); err == nil {
		t.Fatal("expected an error for a malformed REDIS_ADDR")
	}
}

func TestValidateEnvParsesAllowedOriginsAndIceServers(t *testing.T) {
	setupTestEnv(t)
	os.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example")
	os.Setenv("STUN_SERVERS", "stun:stun.example.com:19302")

	cfg, err := ValidateEnv()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if len(cfg.AllowedOrigins) != 2 {
		t.Fatalf("expected 2 allowed origins, got %d: %v", len(cfg.AllowedOrigins), cfg.AllowedOrigins)
	}
	if len(cfg.StunServers) != 1 {
		t.Fatalf("expected 1 stun server, got %d", len(cfg.StunServers))
	}
}

