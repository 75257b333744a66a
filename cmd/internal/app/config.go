package app

import (
	"fmt"
	"strings"
	"time"

	"pinlock/cmd/internal/claim"
)

// Store backends selectable via PINLOCK_STORE.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreMongo    = "mongo"
	StoreRedis    = "redis"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	ShutdownTimeout   time.Duration

	// Store is the durable session backend. Empty means infer from the URLs below.
	Store string

	DatabaseURL   string
	DBSchema      string
	DBAutoMigrate bool
	DBMaxConns    int32
	DBMinConns    int32

	MongoURI string
	MongoDB  string

	RedisURL    string
	RedisPrefix string

	SessionRetention  time.Duration
	PurgeInterval     time.Duration
	EvictGrace        time.Duration
	EvictFlushTimeout time.Duration

	// If true, the live channel may only join sessions created by /verify-pin.
	WSRequireClaim bool

	// If true, /readyz returns 503 while running on the in-memory store.
	ReadinessRequireStore bool

	// If true, PINLOCK_PIN_FP_KEY must be set so log fingerprints are keyed.
	RequirePINFingerprintKey bool

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("PINLOCK_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("PINLOCK_LOG_LEVEL", "info"),
		LogFormat: EnvString("PINLOCK_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("PINLOCK_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("PINLOCK_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("PINLOCK_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("PINLOCK_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    EnvInt("PINLOCK_HTTP_MAX_HEADER_BYTES", 1<<20),
		ShutdownTimeout:   EnvDuration("PINLOCK_SHUTDOWN_TIMEOUT", 10*time.Second),

		Store: strings.ToLower(EnvString("PINLOCK_STORE", "")),

		DatabaseURL:   EnvString("PINLOCK_DATABASE_URL", ""),
		DBSchema:      EnvString("PINLOCK_DB_SCHEMA", "pinlock"),
		DBAutoMigrate: EnvBool("PINLOCK_DB_AUTO_MIGRATE", true),
		DBMaxConns:    EnvInt32("PINLOCK_DB_MAX_CONNS", 10),
		DBMinConns:    EnvInt32("PINLOCK_DB_MIN_CONNS", 0),

		MongoURI: EnvString("PINLOCK_MONGO_URI", ""),
		MongoDB:  EnvString("PINLOCK_MONGO_DB", "pinlock"),

		RedisURL:    EnvString("PINLOCK_REDIS_URL", ""),
		RedisPrefix: EnvString("PINLOCK_REDIS_PREFIX", "pinlock"),

		SessionRetention:  EnvDuration("PINLOCK_SESSION_RETENTION", claim.DefaultRetention),
		PurgeInterval:     EnvDuration("PINLOCK_PURGE_INTERVAL", claim.DefaultPurgeInterval),
		EvictGrace:        EnvDurationAllowZero("PINLOCK_EVICT_GRACE", 250*time.Millisecond),
		EvictFlushTimeout: EnvDuration("PINLOCK_EVICT_FLUSH_TIMEOUT", 2*time.Second),

		WSRequireClaim:        EnvBool("PINLOCK_WS_REQUIRE_CLAIM", false),
		ReadinessRequireStore: EnvBool("PINLOCK_READINESS_REQUIRE_STORE", false),

		RequirePINFingerprintKey: EnvBool("PINLOCK_REQUIRE_PIN_FP_KEY", false),

		CORSAllowedOrigins:   EnvCSV("PINLOCK_CORS_ALLOWED_ORIGINS", "http://localhost:*,http://127.0.0.1:*"),
		CORSAllowCredentials: EnvBool("PINLOCK_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("PINLOCK_CORS_MAX_AGE_SECONDS", 600),
	}
}

// StoreKind returns the configured backend, inferring it from the first
// non-empty connection URL when PINLOCK_STORE is unset.
func (c Config) StoreKind() (string, error) {
	switch c.Store {
	case "":
	case StoreMemory:
		return StoreMemory, nil
	case StorePostgres:
		if c.DatabaseURL == "" {
			return "", fmt.Errorf("config: PINLOCK_STORE=%s requires PINLOCK_DATABASE_URL", c.Store)
		}
		return StorePostgres, nil
	case StoreMongo:
		if c.MongoURI == "" {
			return "", fmt.Errorf("config: PINLOCK_STORE=%s requires PINLOCK_MONGO_URI", c.Store)
		}
		return StoreMongo, nil
	case StoreRedis:
		if c.RedisURL == "" {
			return "", fmt.Errorf("config: PINLOCK_STORE=%s requires PINLOCK_REDIS_URL", c.Store)
		}
		return StoreRedis, nil
	default:
		return "", fmt.Errorf("config: unknown PINLOCK_STORE %q", c.Store)
	}

	switch {
	case c.DatabaseURL != "":
		return StorePostgres, nil
	case c.MongoURI != "":
		return StoreMongo, nil
	case c.RedisURL != "":
		return StoreRedis, nil
	default:
		return StoreMemory, nil
	}
}
