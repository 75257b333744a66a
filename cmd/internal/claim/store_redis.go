package claim

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces every key written by RedisStore.
const DefaultRedisPrefix = "pinlock"

// RedisStore is a Store backed by one Redis hash per PIN.
//
// Keys carry PEXPIREAT at ExpiresAt, so Redis itself purges expired sessions.
// Conditional writes run as Lua scripts to keep check-and-set atomic.
// RedisStore does NOT own the client; Close is a no-op.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
}

var (
	redisCreate = redis.NewScript(`
local exp = redis.call('HGET', KEYS[1], 'expires_at')
if exp and tonumber(exp) > tonumber(ARGV[1]) then
  return 0
end
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1],
  'device_id', ARGV[2], 'device_name', ARGV[3], 'connection_handle', ARGV[4],
  'created_at', ARGV[1], 'last_active', ARGV[5], 'expires_at', ARGV[6])
redis.call('PEXPIREAT', KEYS[1], ARGV[6])
return 1
`)

	redisUpdate = redis.NewScript(`
local exp = redis.call('HGET', KEYS[1], 'expires_at')
if not exp or tonumber(exp) <= tonumber(ARGV[1]) then
  return 0
end
redis.call('HSET', KEYS[1],
  'device_id', ARGV[2], 'device_name', ARGV[3], 'connection_handle', ARGV[4],
  'last_active', ARGV[5], 'expires_at', ARGV[6])
redis.call('PEXPIREAT', KEYS[1], ARGV[6])
return 1
`)

	redisClear = redis.NewScript(`
local h = redis.call('HGET', KEYS[1], 'connection_handle')
if h and h ~= '' and (ARGV[1] == '' or h == ARGV[1]) then
  redis.call('HSET', KEYS[1], 'connection_handle', '')
  return 1
end
return 0
`)
)

// NewRedisStore returns a RedisStore. An empty prefix selects DefaultRedisPrefix.
func NewRedisStore(rdb redis.UniversalClient, prefix string) (*RedisStore, error) {
	if rdb == nil {
		return nil, errors.New("claim: nil redis client")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{rdb: rdb, prefix: prefix}, nil
}

func (s *RedisStore) key(pin string) string {
	return s.prefix + ":session:" + pin
}

func ms(t time.Time) int64 { return t.UnixMilli() }

func fromMS(v string) (time.Time, error) {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(n).UTC(), nil
}

func (s *RedisStore) Get(ctx context.Context, now time.Time, pin string) (Session, error) {
	vals, err := s.rdb.HGetAll(ctx, s.key(pin)).Result()
	if err != nil {
		return Session{}, err
	}
	if len(vals) == 0 {
		return Session{}, ErrNotFound
	}

	sess := Session{
		PIN:              pin,
		DeviceID:         vals["device_id"],
		DeviceName:       vals["device_name"],
		ConnectionHandle: vals["connection_handle"],
	}
	for field, dst := range map[string]*time.Time{
		"created_at":  &sess.CreatedAt,
		"last_active": &sess.LastActive,
		"expires_at":  &sess.ExpiresAt,
	} {
		t, err := fromMS(vals[field])
		if err != nil {
			return Session{}, fmt.Errorf("decode %s: %w", field, err)
		}
		*dst = t
	}
	if sess.Expired(now) {
		return Session{}, ErrNotFound
	}
	return sess, nil
}

func (s *RedisStore) Create(ctx context.Context, sess Session) error {
	ok, err := redisCreate.Run(ctx, s.rdb, []string{s.key(sess.PIN)},
		ms(sess.CreatedAt), sess.DeviceID, sess.DeviceName, sess.ConnectionHandle,
		ms(sess.LastActive), ms(sess.ExpiresAt),
	).Int()
	if err != nil {
		return err
	}
	if ok == 0 {
		return ErrConflict
	}
	return nil
}

func (s *RedisStore) Update(ctx context.Context, now time.Time, sess Session) error {
	ok, err := redisUpdate.Run(ctx, s.rdb, []string{s.key(sess.PIN)},
		ms(now), sess.DeviceID, sess.DeviceName, sess.ConnectionHandle,
		ms(sess.LastActive), ms(sess.ExpiresAt),
	).Int()
	if err != nil {
		return err
	}
	if ok == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *RedisStore) ClearConnection(ctx context.Context, pin, handle string) (bool, error) {
	if handle == "" {
		return false, nil
	}
	n, err := redisClear.Run(ctx, s.rdb, []string{s.key(pin)}, handle).Int()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *RedisStore) ClearAllConnections(ctx context.Context) (int64, error) {
	var (
		cursor uint64
		total  int64
	)
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, s.prefix+":session:*", 256).Result()
		if err != nil {
			return total, err
		}
		for _, k := range keys {
			n, err := redisClear.Run(ctx, s.rdb, []string{k}, "").Int()
			if err != nil {
				return total, err
			}
			total += int64(n)
		}
		if next == 0 {
			return total, nil
		}
		cursor = next
	}
}

// Purge is a no-op: keys expire at ExpiresAt on their own.
func (s *RedisStore) Purge(ctx context.Context, _ time.Time) (int64, error) {
	return 0, ctx.Err()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close is a no-op because the client is owned by the caller.
func (s *RedisStore) Close() error { return nil }
