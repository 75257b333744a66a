package claim

import (
	"context"
	"time"
)

// Store is the durable session persistence boundary.
//
// Requirements:
//   - At most one live record per PIN (Create fails with ErrConflict otherwise).
//   - Records with ExpiresAt <= now are invisible to Get/Update even before Purge removes them.
//   - ClearConnection is conditional on the stored handle, so stale disconnects never erase newer bindings.
type Store interface {
	// Get loads the live session for pin, or ErrNotFound.
	Get(ctx context.Context, now time.Time, pin string) (Session, error)

	// Create inserts a new session; an expired leftover for the same pin is replaced.
	Create(ctx context.Context, s Session) error

	// Update overwrites device fields, handle, LastActive and ExpiresAt of a live session, or ErrNotFound.
	Update(ctx context.Context, now time.Time, s Session) error

	// ClearConnection nulls connection_handle iff it still equals handle. It reports whether a row changed.
	ClearConnection(ctx context.Context, pin, handle string) (bool, error)

	// ClearAllConnections nulls every stored handle (startup reconciliation).
	ClearAllConnections(ctx context.Context) (int64, error)

	// Purge physically deletes sessions expired at now.
	Purge(ctx context.Context, now time.Time) (int64, error)

	// Ping checks store reachability for readiness probes.
	Ping(ctx context.Context) error

	Close() error
}
