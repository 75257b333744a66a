package app

import (
	"reflect"
	"testing"
	"time"

	"pinlock/cmd/internal/claim"
)

func TestLoadConfig_Defaults(t *testing.T) {
	for _, k := range []string{
		"PINLOCK_HTTP_ADDR", "PINLOCK_STORE", "PINLOCK_DATABASE_URL", "PINLOCK_MONGO_URI",
		"PINLOCK_REDIS_URL", "PINLOCK_SESSION_RETENTION", "PINLOCK_PURGE_INTERVAL",
		"PINLOCK_EVICT_GRACE", "PINLOCK_CORS_ALLOWED_ORIGINS",
	} {
		t.Setenv(k, "")
	}

	cfg := LoadConfig()
	if cfg.HTTPAddr != "0.0.0.0:8080" {
		t.Fatalf("HTTPAddr=%q", cfg.HTTPAddr)
	}
	if cfg.SessionRetention != claim.DefaultRetention {
		t.Fatalf("SessionRetention=%v", cfg.SessionRetention)
	}
	if cfg.PurgeInterval != time.Minute {
		t.Fatalf("PurgeInterval=%v", cfg.PurgeInterval)
	}
	if cfg.EvictGrace != 250*time.Millisecond {
		t.Fatalf("EvictGrace=%v", cfg.EvictGrace)
	}
	if kind, err := cfg.StoreKind(); err != nil || kind != StoreMemory {
		t.Fatalf("StoreKind=%q,%v", kind, err)
	}
	if want := []string{"http://localhost:*", "http://127.0.0.1:*"}; !reflect.DeepEqual(cfg.CORSAllowedOrigins, want) {
		t.Fatalf("CORSAllowedOrigins=%v", cfg.CORSAllowedOrigins)
	}
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("PINLOCK_STORE", "Redis")
	t.Setenv("PINLOCK_REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("PINLOCK_EVICT_GRACE", "0")
	t.Setenv("PINLOCK_SESSION_RETENTION", "1h")
	t.Setenv("PINLOCK_PURGE_INTERVAL", "not-a-duration")
	t.Setenv("PINLOCK_CORS_ALLOWED_ORIGINS", " https://a.example , ,https://b.example")

	cfg := LoadConfig()
	if kind, err := cfg.StoreKind(); err != nil || kind != StoreRedis {
		t.Fatalf("StoreKind=%q,%v", kind, err)
	}
	if cfg.EvictGrace != 0 {
		t.Fatalf("EvictGrace=%v", cfg.EvictGrace)
	}
	if cfg.SessionRetention != time.Hour {
		t.Fatalf("SessionRetention=%v", cfg.SessionRetention)
	}
	if cfg.PurgeInterval != claim.DefaultPurgeInterval {
		t.Fatalf("bad duration must fall back, got %v", cfg.PurgeInterval)
	}
	if want := []string{"https://a.example", "https://b.example"}; !reflect.DeepEqual(cfg.CORSAllowedOrigins, want) {
		t.Fatalf("CORSAllowedOrigins=%v", cfg.CORSAllowedOrigins)
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("PINLOCK_TEST_INT", "-4")
	t.Setenv("PINLOCK_TEST_INT32", "7")
	t.Setenv("PINLOCK_TEST_BOOL", "nope")
	t.Setenv("PINLOCK_TEST_DUR", "-1s")

	if got := EnvInt("PINLOCK_TEST_INT", 3); got != 3 {
		t.Fatalf("EnvInt=%d", got)
	}
	if got := EnvInt32("PINLOCK_TEST_INT32", 1); got != 7 {
		t.Fatalf("EnvInt32=%d", got)
	}
	if got := EnvBool("PINLOCK_TEST_BOOL", true); !got {
		t.Fatalf("EnvBool must fall back on parse error")
	}
	if got := EnvDurationAllowZero("PINLOCK_TEST_DUR", time.Second); got != time.Second {
		t.Fatalf("EnvDurationAllowZero=%v", got)
	}
}

func TestValidateSecurityConfig(t *testing.T) {
	t.Setenv("PINLOCK_PIN_FP_KEY", "")
	if _, err := ValidateSecurityConfig(Config{RequirePINFingerprintKey: true}); err == nil {
		t.Fatalf("expected error when key is required but missing")
	}
	fp, err := ValidateSecurityConfig(Config{})
	if err != nil || fp.Keyed() {
		t.Fatalf("unkeyed mode expected: keyed=%v err=%v", fp.Keyed(), err)
	}

	t.Setenv("PINLOCK_PIN_FP_KEY", "short")
	if _, err := ValidateSecurityConfig(Config{}); err == nil {
		t.Fatalf("expected error for short key")
	}

	t.Setenv("PINLOCK_PIN_FP_KEY", "0123456789abcdef0123")
	fp, err = ValidateSecurityConfig(Config{RequirePINFingerprintKey: true})
	if err != nil || !fp.Keyed() {
		t.Fatalf("keyed mode expected: err=%v", err)
	}
}
