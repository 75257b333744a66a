package claim

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is returned when pin, device id or device name is missing or malformed.
	ErrValidation = errors.New("invalid claim request")

	// ErrStoreUnavailable is returned when the durable store cannot be read or written.
	// Nothing is mutated when a resolution fails with this kind; callers may retry.
	ErrStoreUnavailable = errors.New("session store unavailable")

	// ErrDeliveryFailure is the kind of every eviction delivery error.
	// The Resolver logs and swallows it.
	ErrDeliveryFailure = errors.New("eviction notice not delivered")

	// ErrNoSession is returned when a registration requires an existing session and none exists.
	ErrNoSession = errors.New("no session for pin")

	// ErrNotFound is returned by Store implementations for missing or expired records.
	ErrNotFound = errors.New("session not found")

	// ErrConflict is returned by Store.Create when a live record already exists for the pin.
	ErrConflict = errors.New("session already exists")

	// ErrConnGone is returned by Conn.Evict when the connection has already shut down.
	// It matches ErrDeliveryFailure under errors.Is.
	ErrConnGone = fmt.Errorf("%w: connection gone", ErrDeliveryFailure)
)

// OpError is a typed operation error with a stable Op + Kind contract for callers/tests.
// - Kind is one of the sentinel kinds above.
// - Msg is human-readable context and never contains a raw PIN.
// - Err is the underlying cause (driver error, ctx error), if any.
type OpError struct {
	Op   string
	Kind error
	Msg  string
	Err  error
}

func (e OpError) Error() string {
	s := fmt.Sprintf("%s: %v", e.Op, e.Kind)
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func validationError(op, msg string) error {
	return OpError{Op: op, Kind: ErrValidation, Msg: msg}
}

func storeError(op, msg string, err error) error {
	return OpError{Op: op, Kind: ErrStoreUnavailable, Msg: msg, Err: err}
}

// IsValidation reports whether err represents ErrValidation.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsStoreUnavailable reports whether err represents ErrStoreUnavailable.
func IsStoreUnavailable(err error) bool { return errors.Is(err, ErrStoreUnavailable) }

// IsNoSession reports whether err represents ErrNoSession.
func IsNoSession(err error) bool { return errors.Is(err, ErrNoSession) }
