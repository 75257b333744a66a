// Package v1 defines the pinlock live-channel protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between the server, pinctl and browser clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the websocket subprotocol negotiated during the handshake.
const Subprotocol = "pinlock.v1"

// Type constants (wire-stable).
const (
	// TypeSessionRegister claims a PIN for the sending connection (client -> server).
	TypeSessionRegister = "session.register"
	// TypeSessionRegistered reports a successful registration (server -> client).
	TypeSessionRegistered = "session.registered"
	// TypeSessionInvalidPIN reports that no session exists to join (server -> client).
	TypeSessionInvalidPIN = "session.invalid_pin"
	// TypeSessionEvicted tells a superseded connection it is about to be closed (server -> client).
	TypeSessionEvicted = "session.evicted"

	// TypeHeartbeat is an application-level keepalive (client -> server).
	TypeHeartbeat = "heartbeat"
	// TypeHeartbeatAck answers a heartbeat (server -> client).
	TypeHeartbeatAck = "heartbeat.ack"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Eviction reasons carried by SessionEvictedPayload.
const (
	ReasonSameDeviceNewSession    = "same-device-new-session"
	ReasonSupersededByOtherDevice = "superseded-by-other-device"
)

// CloseCodeEvicted is the websocket close code used after an eviction notice.
const CloseCodeEvicted = 4001

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeSessionRegister,
		TypeSessionRegistered,
		TypeSessionInvalidPIN,
		TypeSessionEvicted,
		TypeHeartbeat,
		TypeHeartbeatAck,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// SessionRegisterPayload is sent by a freshly connected client to claim a PIN.
type SessionRegisterPayload struct {
	PIN        string `json:"pin"`
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName"`
}

// SessionRegisteredPayload is the outcome of a registration.
type SessionRegisteredPayload struct {
	IsNew              bool   `json:"isNew"`
	IsSameDevice       bool   `json:"isSameDevice"`
	PreviousDeviceName string `json:"previousDeviceName,omitempty"`
}

// SessionInvalidPINPayload is returned when the PIN has no session to join.
type SessionInvalidPINPayload struct {
	Message string `json:"message"`
}

// SessionEvictedPayload is the eviction notice sent to a superseded connection.
type SessionEvictedPayload struct {
	Reason         string `json:"reason"`
	NewDeviceLabel string `json:"newDeviceLabel,omitempty"`
}

// HeartbeatPayload is empty; it exists for symmetry with the other payloads.
type HeartbeatPayload struct{}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
