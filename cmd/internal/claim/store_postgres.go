package claim

import (
	"context"
	_ "embed"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore is a Store backed by PostgreSQL (<schema>.sessions).
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "pinlock").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("claim: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("claim: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "pinlock",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("claim: nil pool")
	}
	return st, nil
}

// Migrate creates the schema, table and indexes if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	ddl := strings.ReplaceAll(schemaSQL, "{{schema}}", pgx.Identifier{s.schema}.Sanitize())
	_, err := s.pool.Exec(ctx, ddl)
	return err
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) table() string { return pgIdent(s.schema, "sessions") }

func (s *PostgresStore) Get(ctx context.Context, now time.Time, pin string) (Session, error) {
	var (
		sess   Session
		handle *string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT pin, device_id, device_name, connection_handle, created_at, last_active, expires_at
		FROM `+s.table()+`
		WHERE pin = $1 AND expires_at > $2
	`, pin, now).Scan(
		&sess.PIN,
		&sess.DeviceID,
		&sess.DeviceName,
		&handle,
		&sess.CreatedAt,
		&sess.LastActive,
		&sess.ExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, err
	}
	if handle != nil {
		sess.ConnectionHandle = *handle
	}
	return sess, nil
}

// Create inserts a session. An expired leftover row for the same pin is
// overwritten in place; a live one makes the insert a no-op and ErrConflict.
func (s *PostgresStore) Create(ctx context.Context, sess Session) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO `+s.table()+` AS t (
			pin, device_id, device_name, connection_handle, created_at, last_active, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (pin) DO UPDATE SET
			device_id = EXCLUDED.device_id,
			device_name = EXCLUDED.device_name,
			connection_handle = EXCLUDED.connection_handle,
			created_at = EXCLUDED.created_at,
			last_active = EXCLUDED.last_active,
			expires_at = EXCLUDED.expires_at
		WHERE t.expires_at <= EXCLUDED.created_at
	`, sess.PIN, sess.DeviceID, sess.DeviceName, nullIfEmpty(sess.ConnectionHandle),
		sess.CreatedAt, sess.LastActive, sess.ExpiresAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, now time.Time, sess Session) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE `+s.table()+`
		SET device_id = $2,
		    device_name = $3,
		    connection_handle = $4,
		    last_active = $5,
		    expires_at = $6
		WHERE pin = $1 AND expires_at > $7
	`, sess.PIN, sess.DeviceID, sess.DeviceName, nullIfEmpty(sess.ConnectionHandle),
		sess.LastActive, sess.ExpiresAt, now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ClearConnection(ctx context.Context, pin, handle string) (bool, error) {
	if handle == "" {
		return false, nil
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE `+s.table()+`
		SET connection_handle = NULL
		WHERE pin = $1 AND connection_handle = $2
	`, pin, handle)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ClearAllConnections(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE `+s.table()+`
		SET connection_handle = NULL
		WHERE connection_handle IS NOT NULL
	`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) Purge(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM `+s.table()+` WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
