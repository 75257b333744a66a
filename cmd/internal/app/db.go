package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"pinlock/cmd/internal/claim"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/mongo/otelmongo"
)

const (
	storeConnectTimeout = 10 * time.Second
	storePingTimeout    = 3 * time.Second
)

// storeHandle pairs the durable session store with the client that backs it.
// The app owns the client; the claim stores never close it.
type storeHandle struct {
	kind  string
	store claim.Store
	close func(ctx context.Context) error
}

func (h *storeHandle) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	var errs []error
	if h.store != nil {
		errs = append(errs, h.store.Close())
	}
	if h.close != nil {
		errs = append(errs, h.close(ctx))
	}
	return errors.Join(errs...)
}

// openStore connects the backend chosen by cfg.StoreKind and prepares its schema.
func openStore(ctx context.Context, cfg Config, log *slog.Logger) (*storeHandle, error) {
	kind, err := cfg.StoreKind()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, storeConnectTimeout)
	defer cancel()

	switch kind {
	case StorePostgres:
		return openPostgresStore(ctx, cfg, log)
	case StoreMongo:
		return openMongoStore(ctx, cfg, log)
	case StoreRedis:
		return openRedisStore(ctx, cfg, log)
	default:
		log.Info("store.enabled", "kind", StoreMemory)
		return &storeHandle{kind: StoreMemory, store: claim.NewMemoryStore()}, nil
	}
}

func openPostgresStore(ctx context.Context, cfg Config, log *slog.Logger) (*storeHandle, error) {
	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}

	st, err := claim.NewPostgresStore(pool, claim.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return nil, err
	}
	if cfg.DBAutoMigrate {
		if err := st.Migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("postgres migrate: %w", err)
		}
		log.Info("store.migrated", "kind", StorePostgres, "schema", cfg.DBSchema)
	}

	log.Info("store.enabled", "kind", StorePostgres, "max_conns", pool.Config().MaxConns)
	return &storeHandle{
		kind:  StorePostgres,
		store: st,
		close: func(context.Context) error {
			pool.Close()
			return nil
		},
	}, nil
}

// NewDBPool builds a pgxpool with sane defaults and validates connectivity.
func NewDBPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	if cfg.DBMaxConns > 0 {
		pcfg.MaxConns = cfg.DBMaxConns
	}
	if cfg.DBMinConns >= 0 {
		pcfg.MinConns = cfg.DBMinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}

	if err := pingWithTimeout(ctx, pool.Ping, storePingTimeout); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func openMongoStore(ctx context.Context, cfg Config, log *slog.Logger) (*storeHandle, error) {
	opts := options.Client().
		ApplyURI(cfg.MongoURI).
		SetConnectTimeout(storeConnectTimeout).
		SetMonitor(otelmongo.NewMonitor())

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo: %w", err)
	}
	disconnect := func(ctx context.Context) error { return client.Disconnect(ctx) }

	if err := pingWithTimeout(ctx, func(ctx context.Context) error { return client.Ping(ctx, nil) }, storePingTimeout); err != nil {
		_ = disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}

	st, err := claim.NewMongoStore(client.Database(cfg.MongoDB), "")
	if err != nil {
		_ = disconnect(context.Background())
		return nil, err
	}
	if err := st.EnsureIndexes(ctx); err != nil {
		_ = disconnect(context.Background())
		return nil, fmt.Errorf("mongo indexes: %w", err)
	}

	log.Info("store.enabled", "kind", StoreMongo, "db", cfg.MongoDB)
	return &storeHandle{kind: StoreMongo, store: st, close: disconnect}, nil
}

func openRedisStore(ctx context.Context, cfg Config, log *slog.Logger) (*storeHandle, error) {
	ropts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	rdb := redis.NewClient(ropts)

	if err := pingWithTimeout(ctx, func(ctx context.Context) error { return rdb.Ping(ctx).Err() }, storePingTimeout); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	st, err := claim.NewRedisStore(rdb, cfg.RedisPrefix)
	if err != nil {
		_ = rdb.Close()
		return nil, err
	}

	log.Info("store.enabled", "kind", StoreRedis, "prefix", cfg.RedisPrefix)
	return &storeHandle{
		kind:  StoreRedis,
		store: st,
		close: func(context.Context) error { return rdb.Close() },
	}, nil
}

// pingWithTimeout runs ping under its own deadline.
func pingWithTimeout(parent context.Context, ping func(context.Context) error, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	return ping(ctx)
}
