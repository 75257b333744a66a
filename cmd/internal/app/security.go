package app

import (
	"errors"

	"pinlock/cmd/security/pinfp"
)

// minPINFingerprintKeyBytes is the shortest accepted PINLOCK_PIN_FP_KEY.
const minPINFingerprintKeyBytes = 16

// ValidateSecurityConfig enforces the startup security policy and returns the
// fingerprinter used to render PINs in logs.
//
// Fail-fast: with PINLOCK_REQUIRE_PIN_FP_KEY=true an unkeyed fingerprinter is refused.
func ValidateSecurityConfig(cfg Config) (*pinfp.Fingerprinter, error) {
	fp, err := pinfp.FromEnv(minPINFingerprintKeyBytes)
	if err != nil {
		switch {
		case errors.Is(err, pinfp.ErrKeyTooShort):
			return nil, errors.New("security policy: PINLOCK_PIN_FP_KEY is too short (min 16 bytes)")
		case errors.Is(err, pinfp.ErrKeyTooLong):
			return nil, errors.New("security policy: PINLOCK_PIN_FP_KEY is too long (max 64 bytes)")
		default:
			return nil, err
		}
	}

	if cfg.RequirePINFingerprintKey && !fp.Keyed() {
		return nil, errors.New("security policy: PINLOCK_REQUIRE_PIN_FP_KEY=true but PINLOCK_PIN_FP_KEY is missing")
	}
	return fp, nil
}
