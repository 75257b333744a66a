package claim

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// MemoryStore is an in-memory Store for tests and single-node development.
//
// Visibility is decided by Session.ExpiresAt against the caller's now; the
// cache TTL only reclaims memory in the background.
type MemoryStore struct {
	mu        sync.Mutex // serializes check-then-set sequences
	cache     *ttlcache.Cache[string, Session]
	closeOnce sync.Once
}

// NewMemoryStore constructs a MemoryStore and starts its cleanup loop.
func NewMemoryStore() *MemoryStore {
	c := ttlcache.New(
		ttlcache.WithDisableTouchOnHit[string, Session](),
	)
	go c.Start()
	return &MemoryStore{cache: c}
}

func memoryTTL(s Session) time.Duration {
	ttl := time.Until(s.ExpiresAt)
	if ttl <= 0 {
		// Already past its window on the wall clock (or a test clock); Purge removes it.
		return ttlcache.NoTTL
	}
	return ttl
}

func (s *MemoryStore) Get(ctx context.Context, now time.Time, pin string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.liveLocked(now, pin)
}

func (s *MemoryStore) liveLocked(now time.Time, pin string) (Session, error) {
	item := s.cache.Get(pin)
	if item == nil {
		return Session{}, ErrNotFound
	}
	sess := item.Value()
	if sess.Expired(now) {
		return Session{}, ErrNotFound
	}
	return sess, nil
}

func (s *MemoryStore) Create(ctx context.Context, sess Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.liveLocked(sess.CreatedAt, sess.PIN); err == nil {
		return ErrConflict
	}
	s.cache.Set(sess.PIN, sess, memoryTTL(sess))
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, now time.Time, sess Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.liveLocked(now, sess.PIN)
	if err != nil {
		return err
	}
	sess.CreatedAt = cur.CreatedAt
	s.cache.Set(sess.PIN, sess, memoryTTL(sess))
	return nil
}

func (s *MemoryStore) ClearConnection(ctx context.Context, pin, handle string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if handle == "" {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	item := s.cache.Get(pin)
	if item == nil {
		return false, nil
	}
	sess := item.Value()
	if sess.ConnectionHandle != handle {
		return false, nil
	}
	sess.ConnectionHandle = ""
	s.cache.Set(pin, sess, memoryTTL(sess))
	return true, nil
}

func (s *MemoryStore) ClearAllConnections(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for pin, item := range s.cache.Items() {
		sess := item.Value()
		if sess.ConnectionHandle == "" {
			continue
		}
		sess.ConnectionHandle = ""
		s.cache.Set(pin, sess, memoryTTL(sess))
		n++
	}
	return n, nil
}

func (s *MemoryStore) Purge(ctx context.Context, now time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for pin, item := range s.cache.Items() {
		if item.Value().Expired(now) {
			s.cache.Delete(pin)
			n++
		}
	}
	s.cache.DeleteExpired()
	return n, nil
}

// Len returns the number of stored records, live or expired.
func (s *MemoryStore) Len() int { return s.cache.Len() }

func (s *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

// Close stops the cleanup loop.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(s.cache.Stop)
	return nil
}
