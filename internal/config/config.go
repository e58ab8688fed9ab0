// Package config validates process environment variables into a single
// Config, collecting every validation failure before returning rather
// than failing on the first one.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Config holds every tunable the relay core and its ambient surfaces
// read at startup.
type Config struct {
	Host string
	Port string
	Env  string

	AllowedOrigins []string

	RateLimitWindowMs       int
	RateLimitMaxRequests    int
	MaxMessageLength        int
	MaxChatDurationMs       int
	ContentFilterEnabled    bool
	ProfanityFilterStrict   bool
	StunServers             []string
	TurnServers             []string

	LogLevel string
	LogPath  string

	RedisAddr     string
	RedisEnabled  bool
	RedisPassword string

	SessionIdleTimeout    time.Duration
	RoomInactiveTimeout   time.Duration
	RoomAbsoluteTimeout   time.Duration
	QueueMaxWait          time.Duration
	MatchLoopInterval     time.Duration

	OtelCollectorAddr string
}

const (
	defaultMaxMessageLength  = 500
	minMaxMessageLength      = 1
	maxMaxMessageLength      = 10000
	defaultMaxChatDurationMs = 3_600_000
)

// ValidateEnv validates every environment variable ValidateEnv reads and
// returns a Config, or a single error joining every validation failure
// found.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	cfg.Host = getEnvOrDefault("HOST", "0.0.0.0")

	cfg.Port = getEnvOrDefault("PORT", "8080")
	if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got %q)", cfg.Port))
	}

	cfg.Env = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.LogPath = os.Getenv("LOG_PATH")

	cfg.AllowedOrigins = splitNonEmpty(getEnvOrDefault("ALLOWED_ORIGINS", ""))
	if cfg.Env == "production" && len(cfg.AllowedOrigins) == 0 {
		errs = append(errs, "ALLOWED_ORIGINS must be set to at least one origin in production")
	}
	cfg.StunServers = splitNonEmpty(os.Getenv("STUN_SERVERS"))
	cfg.TurnServers = splitNonEmpty(os.Getenv("TURN_SERVERS"))

	cfg.RateLimitWindowMs = getEnvIntOrDefault(&errs, "RATE_LIMIT_WINDOW_MS", 60_000, 1, nil)
	cfg.RateLimitMaxRequests = getEnvIntOrDefault(&errs, "RATE_LIMIT_MAX_REQUESTS", 100, 1, nil)

	maxLen := defaultMaxMessageLength
	if v := os.Getenv("MAX_MESSAGE_LENGTH"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < minMaxMessageLength || n > maxMaxMessageLength {
			errs = append(errs, fmt.Sprintf("MAX_MESSAGE_LENGTH must be between %d and %d (got %q)", minMaxMessageLength, maxMaxMessageLength, v))
		} else {
			maxLen = n
		}
	}
	cfg.MaxMessageLength = maxLen

	durationMs := defaultMaxChatDurationMs
	if v := os.Getenv("MAX_CHAT_DURATION_MS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			errs = append(errs, fmt.Sprintf("MAX_CHAT_DURATION_MS must be a positive integer (got %q)", v))
		} else {
			durationMs = n
		}
	}
	cfg.MaxChatDurationMs = durationMs
	cfg.RoomAbsoluteTimeout = time.Duration(durationMs) * time.Millisecond

	cfg.ContentFilterEnabled = getEnvBoolOrDefault("CONTENT_FILTER_ENABLED", true)
	cfg.ProfanityFilterStrict = getEnvBoolOrDefault("PROFANITY_FILTER_STRICT", false)

	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = getEnvOrDefault("REDIS_ADDR", "localhost:6379")
		if !isValidHostPort(cfg.RedisAddr) {
			errs = append(errs, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got %q)", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	cfg.SessionIdleTimeout = 30 * time.Minute
	cfg.RoomInactiveTimeout = 30 * time.Minute
	cfg.QueueMaxWait = 5 * time.Minute
	cfg.MatchLoopInterval = 2 * time.Second

	cfg.OtelCollectorAddr = os.Getenv("OTEL_COLLECTOR_ADDR")

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return cfg, nil
}

// LogStartup writes the validated, secret-redacted configuration to log,
// mirroring the startup summary the teacher's config package emits.
func (c *Config) LogStartup(log *zap.Logger) {
	log.Info("configuration validated",
		zap.String("host", c.Host),
		zap.String("port", c.Port),
		zap.String("env", c.Env),
		zap.Int("maxMessageLength", c.MaxMessageLength),
		zap.Int("maxChatDurationMs", c.MaxChatDurationMs),
		zap.Bool("contentFilterEnabled", c.ContentFilterEnabled),
		zap.Bool("profanityFilterStrict", c.ProfanityFilterStrict),
		zap.Bool("redisEnabled", c.RedisEnabled),
		zap.String("redisAddr", redactAddr(c.RedisAddr)),
	)
}

func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 || parts[0] == "" {
		return false
	}
	port, err := strconv.Atoi(parts[1])
	return err == nil && port >= 1 && port <= 65535
}

func getEnvOrDefault(key, defaultValue string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return defaultValue
	}
	return v == "true"
}

func getEnvIntOrDefault(errs *[]string, key string, defaultValue, min int, max *int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < min || (max != nil && n > *max) {
		*errs = append(*errs, fmt.Sprintf("%s must be a valid integer >= %d (got %q)", key, min, v))
		return defaultValue
	}
	return n
}

func splitNonEmpty(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func redactAddr(addr string) string {
	if addr == "" {
		return ""
	}
	if len(addr) <= 4 {
		return "***"
	}
	return addr[:4] + "***"
}
