package core

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the process-wide configuration surface, loaded once at
// startup from environment variables (optionally seeded from a .env file
// via LoadDotEnv). Every field here corresponds to one of the recognized
// environment variables.
type Config struct {
	ServerPort      int
	ServerHost      string
	CORSOrigin      string
	APICORSOrigin   string
	ServerAuthToken string

	EnableDataIsolation bool
	ServerID            string

	PostgresURL string

	SessionDefaultTimeoutMinutes   int
	SessionMinTimeoutMinutes       int
	SessionMaxTimeoutMinutes       int
	SessionMaxDurationMinutes      int
	SessionWarningThresholdMinutes int
	SessionCleanupIntervalMinutes  int
	SessionAutoRenew               bool

	CentralMessageServerURL string
	ClearSessionsOnShutdown bool

	SocketAllowedRoomsCacheSize int

	JobsDefaultTimeoutSeconds     int
	JobsAbsoluteMaxTimeoutSeconds int
	JobsSweepIntervalSeconds      int
	JobsTerminalRetentionSeconds  int
	JobsMaxInMemory               int

	GeneralRateLimitPerMinute int
	GeneralRateLimitBurst     int
	UploadRateLimitPerMinute  int
	UploadRateLimitBurst      int
	HealthRateLimitPerMinute  int
	HealthRateLimitBurst      int
	PrivateNetworkSkipList    []string

	ChannelIDFailureThreshold     int
	ChannelIDFailureWindowSeconds int

	MaxFileSizeBytes       int64
	AllowedUploadMIMETypes []string

	RedisURL string

	OTelEndpoint string

	Logging LoggingConfig
}

// LoadDotEnv loads a .env file into the process environment if present.
// Mirrors the teacher's local-dev convenience; missing files are not an
// error since production deployments set real environment variables.
func LoadDotEnv(path string) {
	_ = godotenv.Load(path)
}

// LoadConfig reads every recognized environment variable, applying the
// defaults and clamps described by the session-timeout design: malformed
// numeric values fall back to their default and out-of-range ones are
// clamped to the nearest bound, rather than failing startup.
func LoadConfig() Config {
	cfg := Config{
		ServerPort:      envInt("SERVER_PORT", 3000, 1, 65535),
		ServerHost:      envString("SERVER_HOST", "0.0.0.0"),
		CORSOrigin:      envString("CORS_ORIGIN", "*"),
		APICORSOrigin:   envString("API_CORS_ORIGIN", ""),
		ServerAuthToken: envString("SERVER_AUTH_TOKEN", ""),

		EnableDataIsolation: envBool("ENABLE_DATA_ISOLATION", false),
		ServerID:            envString("ELIZA_SERVER_ID", "00000000-0000-0000-0000-000000000000"),

		PostgresURL: envString("POSTGRES_URL", ""),

		SessionDefaultTimeoutMinutes:   envInt("SESSION_DEFAULT_TIMEOUT_MINUTES", 30, 1, 10080),
		SessionMinTimeoutMinutes:       envInt("SESSION_MIN_TIMEOUT_MINUTES", 5, 1, 10080),
		SessionMaxTimeoutMinutes:       envInt("SESSION_MAX_TIMEOUT_MINUTES", 120, 1, 10080),
		SessionMaxDurationMinutes:      envInt("SESSION_MAX_DURATION_MINUTES", 720, 1, 43200),
		SessionWarningThresholdMinutes: envInt("SESSION_WARNING_THRESHOLD_MINUTES", 5, 1, 1440),
		SessionCleanupIntervalMinutes:  envInt("SESSION_CLEANUP_INTERVAL_MINUTES", 5, 1, 1440),
		SessionAutoRenew:               envBool("SESSION_AUTO_RENEW", true),

		CentralMessageServerURL: envString("CENTRAL_MESSAGE_SERVER_URL", "http://localhost:3000"),
		ClearSessionsOnShutdown: envBool("CLEAR_SESSIONS_ON_SHUTDOWN", false),

		SocketAllowedRoomsCacheSize: envInt("SOCKET_ALLOWED_ROOMS_CACHE_SIZE", 4096, 16, 1<<20),

		JobsDefaultTimeoutSeconds:     envInt("JOBS_DEFAULT_TIMEOUT_SECONDS", 60, 1, 86400),
		JobsAbsoluteMaxTimeoutSeconds: envInt("ABSOLUTE_MAX_LISTENER_TIMEOUT", 300, 1, 86400),
		JobsSweepIntervalSeconds:      envInt("JOBS_SWEEP_INTERVAL_SECONDS", 60, 1, 3600),
		JobsTerminalRetentionSeconds:  envInt("JOBS_TERMINAL_RETENTION_SECONDS", 3600, 1, 604800),
		JobsMaxInMemory:               envInt("MAX_JOBS_IN_MEMORY", 10000, 10, 10_000_000),

		GeneralRateLimitPerMinute: envInt("GENERAL_RATE_LIMIT_RPM", 300, 1, 1_000_000),
		GeneralRateLimitBurst:     envInt("GENERAL_RATE_LIMIT_BURST", 50, 1, 100_000),
		UploadRateLimitPerMinute:  envInt("UPLOAD_RATE_LIMIT_RPM", 20, 1, 1_000_000),
		UploadRateLimitBurst:      envInt("UPLOAD_RATE_LIMIT_BURST", 5, 1, 100_000),
		HealthRateLimitPerMinute:  envInt("HEALTH_RATE_LIMIT_RPM", 1200, 1, 1_000_000),
		HealthRateLimitBurst:      envInt("HEALTH_RATE_LIMIT_BURST", 200, 1, 100_000),
		PrivateNetworkSkipList:    envStringSlice("HEALTH_PRIVATE_NETWORK_SKIP_LIST", []string{"127.0.0.0/8", "10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16", "::1/128"}),

		ChannelIDFailureThreshold:     envInt("CHANNEL_ID_FAILURE_THRESHOLD", 20, 1, 1_000_000),
		ChannelIDFailureWindowSeconds: envInt("CHANNEL_ID_FAILURE_WINDOW_SECONDS", 60, 1, 86400),

		MaxFileSizeBytes:       envInt64("MAX_FILE_SIZE", 10<<20, 1, 1<<30),
		AllowedUploadMIMETypes: envStringSlice("ALLOWED_UPLOAD_MIME_TYPES", []string{
			"image/png", "image/jpeg", "image/gif", "image/webp",
			"application/pdf", "text/plain", "audio/mpeg", "video/mp4",
		}),

		RedisURL: envString("REDIS_URL", ""),

		OTelEndpoint: envString("OTEL_EXPORTER_OTLP_ENDPOINT", ""),

		Logging: LoggingConfig{
			Level:  envString("LOG_LEVEL", "info"),
			Format: envString("LOG_FORMAT", "json"),
			Output: envString("LOG_OUTPUT", "stdout"),
		},
	}

	// SESSION_MIN/MAX_TIMEOUT_MINUTES bound the default; if the
	// environment leaves them inconsistent, widen rather than reject.
	if cfg.SessionMinTimeoutMinutes > cfg.SessionMaxTimeoutMinutes {
		cfg.SessionMinTimeoutMinutes, cfg.SessionMaxTimeoutMinutes = cfg.SessionMaxTimeoutMinutes, cfg.SessionMinTimeoutMinutes
	}
	cfg.SessionDefaultTimeoutMinutes = ClampInt(cfg.SessionDefaultTimeoutMinutes, cfg.SessionMinTimeoutMinutes, cfg.SessionMaxTimeoutMinutes)

	// A per-job requested timeout can never exceed the absolute ceiling;
	// widen the ceiling rather than reject if the environment set them
	// inconsistently.
	if cfg.JobsDefaultTimeoutSeconds > cfg.JobsAbsoluteMaxTimeoutSeconds {
		cfg.JobsAbsoluteMaxTimeoutSeconds = cfg.JobsDefaultTimeoutSeconds
	}

	return cfg
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

// envInt parses key as an integer, clamping it into [min,max] and falling
// back to def on any parse failure, NaN, or overflow. Configuration input
// is hostile input: it must never be able to crash startup.
func envInt(key string, def, min, max int) int {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return def
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return def
	}
	return ClampInt(int(n), min, max)
}

// envInt64 is envInt's int64 counterpart, for values like MAX_FILE_SIZE
// that can legitimately exceed the 32-bit-safe range envInt targets.
func envInt64(key string, def, min, max int64) int64 {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return def
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return def
	}
	if min > max {
		min, max = max, min
	}
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}

// envStringSlice parses a comma-separated list, trimming whitespace and
// dropping empty entries. Falls back to def when the variable is unset.
func envStringSlice(key string, def []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

// ClampInt clamps n into [min,max].
func ClampInt(n, min, max int) int {
	if min > max {
		min, max = max, min
	}
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}

// ClampDuration clamps d into [min,max]. NaN/overflow can't occur on a
// time.Duration, but unsanitized arithmetic upstream (e.g. multiplying a
// parsed minutes value) can still produce a negative or absurd duration,
// which this guards against.
func ClampDuration(d, min, max time.Duration) time.Duration {
	if min > max {
		min, max = max, min
	}
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}

// SafeMinutesToDuration converts a minutes value to a Duration, clamping
// non-finite or out-of-range float input (e.g. parsed from untrusted
// JSON) to a safe default before conversion.
func SafeMinutesToDuration(minutes float64, def time.Duration) time.Duration {
	if math.IsNaN(minutes) || math.IsInf(minutes, 0) || minutes <= 0 {
		return def
	}
	if minutes > float64(math.MaxInt64/int64(time.Minute)) {
		return def
	}
	return time.Duration(minutes) * time.Minute
}

// RequireNonEmpty returns ErrMissingConfiguration wrapped with op/name
// context when v is empty. Used for startup checks like POSTGRES_URL
// when a Postgres-backed store is selected.
func RequireNonEmpty(op, name, v string) error {
	if strings.TrimSpace(v) == "" {
		return &FrameworkError{Op: op, Kind: "config", Message: fmt.Sprintf("%s is required", name), Err: ErrMissingConfiguration}
	}
	return nil
}
