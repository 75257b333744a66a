package claim

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Integration tests are enabled per backend:
//   PINLOCK_DATABASE_URL (Postgres), PINLOCK_MONGO_URI (MongoDB), PINLOCK_REDIS_URL (Redis).
// In non-CI runs, an unreachable backend skips the test.

func TestPostgresStore_Contract(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := "pinlock_it_" + randomHex(t, 6)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	st, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("Migrate (idempotent): %v", err)
	}

	runStoreContract(t, st, "")

	n, err := st.Purge(ctx, time.Now().Add(48*time.Hour))
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged=%d want 1", n)
	}
}

func TestPostgresStore_RejectsBadSchema(t *testing.T) {
	t.Parallel()

	for _, schema := range []string{"", "  ", "bad-schema", "1abc", `x"; DROP`} {
		if _, err := NewPostgresStore(nil, WithSchema(schema)); err == nil {
			t.Fatalf("schema %q: expected error", schema)
		}
	}
	if _, err := NewPostgresStore(nil); err == nil {
		t.Fatalf("nil pool: expected error")
	}
}

func TestMongoStore_Contract(t *testing.T) {
	t.Parallel()

	uri := strings.TrimSpace(os.Getenv("PINLOCK_MONGO_URI"))
	if uri == "" {
		t.Skip("integration test skipped: PINLOCK_MONGO_URI is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		t.Fatalf("mongo.Connect: %v", err)
	}
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })
	if err := client.Ping(ctx, nil); err != nil {
		if shouldSkipIntegration(err) {
			t.Skipf("integration test skipped: MongoDB unreachable: %v", err)
		}
		t.Fatalf("Ping: %v", err)
	}

	db := client.Database("pinlock_it_" + randomHex(t, 6))
	t.Cleanup(func() { _ = db.Drop(context.Background()) })

	st, err := NewMongoStore(db, "")
	if err != nil {
		t.Fatalf("NewMongoStore: %v", err)
	}
	if err := st.EnsureIndexes(ctx); err != nil {
		t.Fatalf("EnsureIndexes: %v", err)
	}

	runStoreContract(t, st, "")
}

func TestRedisStore_Contract(t *testing.T) {
	t.Parallel()

	raw := strings.TrimSpace(os.Getenv("PINLOCK_REDIS_URL"))
	if raw == "" {
		t.Skip("integration test skipped: PINLOCK_REDIS_URL is not set")
	}
	opts, err := redis.ParseURL(raw)
	if err != nil {
		t.Fatalf("redis.ParseURL: %v", err)
	}
	rdb := redis.NewClient(opts)
	t.Cleanup(func() { _ = rdb.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		if shouldSkipIntegration(err) {
			t.Skipf("integration test skipped: Redis unreachable: %v", err)
		}
		t.Fatalf("Ping: %v", err)
	}

	prefix := "pinlock_it_" + randomHex(t, 6)
	st, err := NewRedisStore(rdb, prefix)
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	t.Cleanup(func() {
		keys, _ := rdb.Keys(context.Background(), prefix+":*").Result()
		if len(keys) > 0 {
			_ = rdb.Del(context.Background(), keys...).Err()
		}
	})

	runStoreContract(t, st, "")

	ttl, err := rdb.PTTL(ctx, prefix+":session:1234").Result()
	if err != nil {
		t.Fatalf("PTTL: %v", err)
	}
	if ttl <= 0 {
		t.Fatalf("expected key expiry to be set, got %v", ttl)
	}
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("PINLOCK_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: PINLOCK_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		t.Fatalf("parse PINLOCK_DATABASE_URL: %v", err)
	}
	cfg.MaxConns = 4

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		if shouldSkipIntegration(err) {
			t.Skipf("integration test skipped: Postgres unreachable: %v", err)
		}
		t.Fatalf("pool.Ping: %v", err)
	}
	return pool
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
}

func randomHex(t *testing.T, n int) string {
	t.Helper()
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	return hex.EncodeToString(b)
}

func shouldSkipIntegration(err error) bool {
	if err == nil {
		return false
	}
	if os.Getenv("CI") != "" {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection refused", "context deadline exceeded", "timeout", "dial tcp", "no such host", "server selection"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
