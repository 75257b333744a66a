package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"pinlock/cmd/internal/claim"
	v1 "pinlock/shared/contracts/realtime/v1"
)

// outbound is one queued envelope. When written is non-nil the writer reports
// the write result on it.
type outbound struct {
	env     v1.Envelope
	written chan error
}

// Client represents one connected websocket and implements claim.Conn.
//
// Design notes:
// - Send is intentionally NOT closed by the server to avoid panics from concurrent senders.
// - done is used to signal goroutines to stop.
// - Close and Terminate are idempotent.
type Client struct {
	handle string
	Send   chan outbound

	done      chan struct{}
	closeOnce sync.Once

	termOnce    sync.Once
	onTerminate func(reason string)
}

var _ claim.Conn = (*Client)(nil)

// NewClient constructs a Client with a bounded send queue.
// onTerminate is invoked at most once, asynchronously, by Terminate.
func NewClient(handle string, sendQueueSize int, onTerminate func(reason string)) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		handle:      handle,
		Send:        make(chan outbound, sendQueueSize),
		done:        make(chan struct{}),
		onTerminate: onTerminate,
	}
}

// Handle returns the connection handle.
func (c *Client) Handle() string { return c.handle }

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
// It does NOT close Send.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Evict queues a session.evicted envelope and waits until the writer has put it
// on the wire. It returns claim.ErrConnGone once the client is shutting down.
func (c *Client) Evict(ctx context.Context, ev claim.Eviction) error {
	payload, err := json.Marshal(v1.SessionEvictedPayload{
		Reason:         ev.Reason,
		NewDeviceLabel: ev.NewDeviceLabel,
	})
	if err != nil {
		return err
	}

	ob := outbound{
		env:     newEnvelope(v1.TypeSessionEvicted, payload, time.Now().UTC()),
		written: make(chan error, 1),
	}

	select {
	case <-c.done:
		return claim.ErrConnGone
	default:
	}

	select {
	case <-c.done:
		return claim.ErrConnGone
	case <-ctx.Done():
		return ctx.Err()
	case c.Send <- ob:
	}

	select {
	case <-c.done:
		return claim.ErrConnGone
	case <-ctx.Done():
		return ctx.Err()
	case err := <-ob.written:
		if err != nil {
			return claim.ErrConnGone
		}
		return nil
	}
}

// Terminate force-closes the connection. The close handshake runs on its own
// goroutine so callers holding locks are never blocked by a slow peer.
func (c *Client) Terminate(reason string) {
	if c == nil {
		return
	}
	c.termOnce.Do(func() {
		if c.onTerminate == nil {
			c.Close()
			return
		}
		go c.onTerminate(reason)
	})
}

// tryEnqueue queues env without blocking. It reports false under backpressure or shutdown.
func (c *Client) tryEnqueue(env v1.Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.Send <- outbound{env: env}:
		return true
	default:
		return false
	}
}
