// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes application settings
// such as server timeouts, logging, database paths, rate limiting, and observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "chat-transport")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// StreamConfig configures C2's partitioned stream.
type StreamConfig struct {
	Partitions         int           // STREAM_PARTITIONS: fixed N
	RetryCeiling       int           // STREAM_RETRY_CEILING: max redeliveries before dead-letter
	VisibilityTimeout  time.Duration // STREAM_VISIBILITY_TIMEOUT: re-delivery window for unacked entries
	ConsumerGroup      string        // STREAM_CONSUMER_GROUP
	ClaimPollInterval  time.Duration // STREAM_CLAIM_POLL_INTERVAL
}

// PresenceConfig configures C4's presence registry.
type PresenceConfig struct {
	TTL time.Duration // PRESENCE_TTL: socket-record expiry
}

// ReplayConfig configures C6's replay cache.
type ReplayConfig struct {
	TTL              time.Duration // REPLAY_TTL
	MaxPerConversation int         // REPLAY_MAX_PER_CONVERSATION
}

// DatabaseConfig configures the durable store connection.
type DatabaseConfig struct {
	Driver   string // DB_DRIVER: sqlite|postgres
	DSN      string // DB_DSN (postgres) or DB_PATH (sqlite)
	PoolMin  int    // DB_POOL_MIN
	PoolMax  int    // DB_POOL_MAX
}

// RedisConfig configures the shared cross-instance store backing C1, C2,
// C4, C5, and C6.
type RedisConfig struct {
	Addr     string // REDIS_ADDR
	Password string // REDIS_PASSWORD
	DB       int    // REDIS_DB
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging / Docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool   // pretty console logs in dev
	SwaggerEnabled bool   // enable Swagger UI route
	APIBasePath    string // base path for API routes

	// Ingress
	MaxContentLength int // MAX_CONTENT_LENGTH: ingress ceiling on envelope content bytes

	// Rate limiting (per sender id)
	RateRPS   float64 // RATE_LIMIT_MAX, read directly as tokens/sec
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Idempotency
	IdempotencyTTL time.Duration // how long a given (sender, client-message-id) pair dedupes

	// Domain stack
	Stream   StreamConfig
	Presence PresenceConfig
	Replay   ReplayConfig
	Database DatabaseConfig
	Redis    RedisConfig

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging / Docs
		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// Ingress
		MaxContentLength: getint("MAX_CONTENT_LENGTH", 64*1024),

		// Rate limiting
		RateRPS:   getfloat("RATE_LIMIT_MAX", 20.0),
		RateBurst: getint("RATE_BURST", 40),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Idempotency
		IdempotencyTTL: getdur("IDEMPOTENCY_TTL", 24*time.Hour),

		// Domain stack
		Stream: StreamConfig{
			Partitions:        getint("STREAM_PARTITIONS", 16),
			RetryCeiling:      getint("STREAM_RETRY_CEILING", 5),
			VisibilityTimeout: getdur("STREAM_VISIBILITY_TIMEOUT", 30*time.Second),
			ConsumerGroup:     getenv("STREAM_CONSUMER_GROUP", "persistence-consumers"),
			ClaimPollInterval: getdur("STREAM_CLAIM_POLL_INTERVAL", 5*time.Second),
		},
		Presence: PresenceConfig{
			TTL: getdur("PRESENCE_TTL", 45*time.Second),
		},
		Replay: ReplayConfig{
			TTL:                getdur("REPLAY_TTL", 10*time.Minute),
			MaxPerConversation: getint("REPLAY_MAX_PER_CONVERSATION", 200),
		},
		Database: DatabaseConfig{
			Driver:  strings.ToLower(getenv("DB_DRIVER", "sqlite")),
			DSN:     getenv("DB_DSN", getenv("DB_PATH", "app.db")),
			PoolMin: getint("DB_POOL_MIN", 2),
			PoolMax: getint("DB_POOL_MAX", 10),
		},
		Redis: RedisConfig{
			Addr:     getenv("REDIS_ADDR", "localhost:6379"),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getint("REDIS_DB", 0),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "chat-transport"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}
	// The DB_PATH/app.db fallback names a SQLite file; postgres reads DB_DSN only.
	if cfg.Database.Driver == "postgres" {
		cfg.Database.DSN = getenv("DB_DSN", "")
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	switch cfg.Database.Driver {
	case "sqlite", "postgres":
	default:
		return cfg, errors.New("DB_DRIVER must be one of: sqlite, postgres")
	}
	if cfg.Database.Driver == "postgres" && strings.TrimSpace(cfg.Database.DSN) == "" {
		return cfg, errors.New("DB_DSN must not be empty when DB_DRIVER=postgres")
	}
	if cfg.Database.PoolMin < 0 || cfg.Database.PoolMax < 1 || cfg.Database.PoolMin > cfg.Database.PoolMax {
		return cfg, errors.New("DB_POOL_MIN/DB_POOL_MAX must describe a valid pool range")
	}
	if cfg.MaxContentLength <= 0 {
		return cfg, errors.New("MAX_CONTENT_LENGTH must be > 0")
	}
	if cfg.Stream.Partitions < 1 {
		return cfg, errors.New("STREAM_PARTITIONS must be >= 1")
	}
	if cfg.Stream.RetryCeiling < 0 {
		return cfg, errors.New("STREAM_RETRY_CEILING must be >= 0")
	}
	if cfg.Stream.VisibilityTimeout <= 0 {
		return cfg, errors.New("STREAM_VISIBILITY_TIMEOUT must be > 0")
	}
	if cfg.Presence.TTL <= 0 {
		return cfg, errors.New("PRESENCE_TTL must be > 0")
	}
	if cfg.Replay.TTL <= 0 || cfg.Replay.MaxPerConversation < 1 {
		return cfg, errors.New("REPLAY_TTL must be > 0 and REPLAY_MAX_PER_CONVERSATION must be >= 1")
	}
	if strings.TrimSpace(cfg.Redis.Addr) == "" {
		return cfg, errors.New("REDIS_ADDR must not be empty")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.IdempotencyTTL <= 0 {
		return cfg, errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}
	// if cfg.APIBasePath == "" || cfg.APIBasePath[0] != '/' {
	// 	return cfg, errors.New("API_BASE_PATH must start with '/'")
	// }

	return cfg, nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
