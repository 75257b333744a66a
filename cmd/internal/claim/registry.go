package claim

import "sync"

// Registry maps each PIN to the live connection that currently represents its owner.
//
// It is purely in-memory and rebuilt as connections register. Operations never
// block on I/O; consistency with the Store comes from the Resolver's per-PIN lock.
type Registry struct {
	mu     sync.Mutex
	byPIN  map[string]Conn
	byConn map[string]string // handle -> pin
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byPIN:  make(map[string]Conn),
		byConn: make(map[string]string),
	}
}

// Bind maps pin to conn. Last writer wins: a previous connection for pin loses its reverse entry.
func (r *Registry) Bind(pin string, conn Conn) {
	if r == nil || conn == nil || pin == "" {
		return
	}
	h := conn.Handle()

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byPIN[pin]; ok && prev.Handle() != h {
		delete(r.byConn, prev.Handle())
	}
	if oldPIN, ok := r.byConn[h]; ok && oldPIN != pin {
		delete(r.byPIN, oldPIN)
	}
	r.byPIN[pin] = conn
	r.byConn[h] = pin
}

// Unbind removes the mapping for pin, if any.
func (r *Registry) Unbind(pin string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byPIN[pin]; ok {
		delete(r.byConn, prev.Handle())
		delete(r.byPIN, pin)
	}
}

// Lookup returns the connection bound to pin.
func (r *Registry) Lookup(pin string) (Conn, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.byPIN[pin]
	return c, ok
}

// UnbindByConnection removes the entry owned by handle and returns its pin.
// Disconnect events only carry the handle, hence the reverse index.
func (r *Registry) UnbindByConnection(handle string) (string, bool) {
	if r == nil || handle == "" {
		return "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	pin, ok := r.byConn[handle]
	if !ok {
		return "", false
	}
	delete(r.byConn, handle)
	if c, ok := r.byPIN[pin]; ok && c.Handle() == handle {
		delete(r.byPIN, pin)
	}
	return pin, true
}

// PINFor returns the pin bound to handle without mutating the registry.
func (r *Registry) PINFor(handle string) (string, bool) {
	if r == nil || handle == "" {
		return "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	pin, ok := r.byConn[handle]
	return pin, ok
}

// Len returns the number of bound PINs.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byPIN)
}
