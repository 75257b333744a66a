package claim

import (
	"context"
	"strings"
	"time"
)

// DefaultRetention is the hard TTL of a Session measured from its last claim.
const DefaultRetention = 24 * time.Hour

// Field limits for claim requests.
const (
	maxPINBytes    = 128
	maxDeviceBytes = 256
)

// Eviction reasons (wire-stable; mirrored by the realtime contract).
const (
	ReasonSameDeviceNewSession    = "same-device-new-session"
	ReasonSupersededByOtherDevice = "superseded-by-other-device"
)

// Session is the durable record of who owns a PIN.
// ConnectionHandle is empty when no live connection is attached.
type Session struct {
	PIN              string
	DeviceID         string
	DeviceName       string
	ConnectionHandle string

	CreatedAt  time.Time
	LastActive time.Time
	ExpiresAt  time.Time
}

// Expired reports whether the session is past its retention window at now.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// Eviction is the notice delivered to a superseded connection.
type Eviction struct {
	Reason         string
	NewDeviceLabel string
}

// Conn is the Resolver's view of one live duplex connection.
//
// Implementations must make Terminate idempotent and must return ErrConnGone
// from Evict once the connection has shut down.
type Conn interface {
	// Handle returns the opaque connection handle persisted in Session.ConnectionHandle.
	Handle() string

	// Evict queues the notice and waits until it is written or ctx is done.
	Evict(ctx context.Context, ev Eviction) error

	// Terminate force-closes the connection.
	Terminate(reason string)
}

// Request is one claim: a live-channel registration when Conn is set,
// a stateless pre-check otherwise.
type Request struct {
	PIN        string
	DeviceID   string
	DeviceName string
	Conn       Conn

	// RequireExisting makes a missing session an ErrNoSession instead of a first claim.
	RequireExisting bool
}

func (r Request) normalized() Request {
	r.PIN = strings.TrimSpace(r.PIN)
	r.DeviceID = strings.TrimSpace(r.DeviceID)
	r.DeviceName = strings.TrimSpace(r.DeviceName)
	return r
}

func (r Request) validate(op string) error {
	switch {
	case r.PIN == "" || r.DeviceID == "" || r.DeviceName == "":
		return validationError(op, "pin, deviceId and deviceName are required")
	case len(r.PIN) > maxPINBytes:
		return validationError(op, "pin too long")
	case len(r.DeviceID) > maxDeviceBytes || len(r.DeviceName) > maxDeviceBytes:
		return validationError(op, "device field too long")
	}
	return nil
}

func (r Request) handle() string {
	if r.Conn == nil {
		return ""
	}
	return r.Conn.Handle()
}

// OutcomeKind classifies a successful resolution.
type OutcomeKind uint8

const (
	// Created means the PIN had no session and the requester now owns a new one.
	Created OutcomeKind = iota + 1
	// ReaffirmedSameDevice means the incumbent device claimed again.
	ReaffirmedSameDevice
	// Superseded means a different device took the PIN over.
	Superseded
)

func (k OutcomeKind) String() string {
	switch k {
	case Created:
		return "created"
	case ReaffirmedSameDevice:
		return "reaffirmed"
	case Superseded:
		return "superseded"
	default:
		return "unknown"
	}
}

// Outcome is the result of Resolver.Resolve.
type Outcome struct {
	Kind    OutcomeKind
	Session Session

	// PreviousDeviceName is the incumbent's label before this claim (empty for Created).
	PreviousDeviceName string

	// Evicted is true when a prior connection received an eviction notice.
	Evicted bool
}

// IsNew reports whether the claim created the session.
func (o Outcome) IsNew() bool { return o.Kind == Created }

// IsSameDevice reports whether the claim came from the incumbent device.
func (o Outcome) IsSameDevice() bool { return o.Kind == ReaffirmedSameDevice }
