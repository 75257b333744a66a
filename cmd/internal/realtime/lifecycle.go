package realtime

import (
	"errors"
	"sync"
)

// State is a connection's position in its lifecycle.
type State uint8

const (
	// StateConnected: channel open, no PIN registered yet.
	StateConnected State = iota
	// StateRegistered: a PIN claim succeeded for this channel.
	StateRegistered
	// StateDisconnected is terminal.
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateRegistered:
		return "registered"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

var (
	// ErrAlreadyRegistered is returned when a registered connection tries to claim a different PIN.
	ErrAlreadyRegistered = errors.New("connection already registered to another pin")
	// ErrDisconnected is returned for any transition out of StateDisconnected.
	ErrDisconnected = errors.New("connection disconnected")
)

// Lifecycle tracks Connected -> Registered -> Disconnected for one connection.
type Lifecycle struct {
	mu    sync.Mutex
	state State
	pin   string
}

// NewLifecycle returns a Lifecycle in StateConnected.
func NewLifecycle() *Lifecycle { return &Lifecycle{} }

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// PIN returns the registered PIN, or "".
func (l *Lifecycle) PIN() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pin
}

// CanRegister reports whether a registration for pin may proceed.
// Re-registering the same PIN is allowed.
func (l *Lifecycle) CanRegister(pin string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case StateDisconnected:
		return ErrDisconnected
	case StateRegistered:
		if l.pin != pin {
			return ErrAlreadyRegistered
		}
	}
	return nil
}

// Registered moves to StateRegistered for pin.
func (l *Lifecycle) Registered(pin string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == StateDisconnected {
		return ErrDisconnected
	}
	if l.state == StateRegistered && l.pin != pin {
		return ErrAlreadyRegistered
	}
	l.state = StateRegistered
	l.pin = pin
	return nil
}

// Disconnect moves to StateDisconnected and returns the state it left.
// Calling it again returns StateDisconnected.
func (l *Lifecycle) Disconnect() State {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev := l.state
	l.state = StateDisconnected
	return prev
}
