package pinfp

import "errors"

// Public, stable errors for callers.
var (
	ErrKeyTooLong  = errors.New("pin fingerprint key too long")
	ErrKeyTooShort = errors.New("pin fingerprint key too short")
)
