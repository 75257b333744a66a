package pinfp

import (
	"encoding/hex"
	"os"
	"strings"

	"golang.org/x/crypto/blake2b"
)

const (
	// KeyEnv is the env var name for the fingerprint key.
	// #nosec G101 -- not a credential; it's an environment variable name.
	KeyEnv = "PINLOCK_PIN_FP_KEY"

	digestBytes = 16
)

// Fingerprinter hashes PINs into short hex strings.
type Fingerprinter struct {
	key []byte
}

// New returns a Fingerprinter. An empty key selects unkeyed mode.
// Keys longer than 64 bytes are rejected (BLAKE2b limit).
func New(key []byte, minBytes int) (*Fingerprinter, error) {
	if len(key) > blake2b.Size {
		return nil, ErrKeyTooLong
	}
	if len(key) > 0 && minBytes > 0 && len(key) < minBytes {
		return nil, ErrKeyTooShort
	}
	return &Fingerprinter{key: append([]byte(nil), key...)}, nil
}

// FromEnv builds a Fingerprinter from PINLOCK_PIN_FP_KEY (trimmed).
func FromEnv(minBytes int) (*Fingerprinter, error) {
	raw := strings.TrimSpace(os.Getenv(KeyEnv))
	return New([]byte(raw), minBytes)
}

// Keyed reports whether a key is configured.
func (f *Fingerprinter) Keyed() bool {
	return f != nil && len(f.key) > 0
}

// Fingerprint returns a 32-char hex digest of pin.
// A nil Fingerprinter behaves like unkeyed mode.
func (f *Fingerprinter) Fingerprint(pin string) string {
	var key []byte
	if f != nil {
		key = f.key
	}
	h, err := blake2b.New(digestBytes, key)
	if err != nil {
		// Only reachable with an oversized key, which New rejects.
		return ""
	}
	_, _ = h.Write([]byte(pin))
	return hex.EncodeToString(h.Sum(nil))
}
