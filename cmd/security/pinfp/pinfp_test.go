package pinfp

import (
	"bytes"
	"errors"
	"testing"
)

func TestFingerprint_StableAndKeyed(t *testing.T) {
	t.Parallel()

	plain, err := New(nil, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	keyed, err := New(bytes.Repeat([]byte("k"), 32), 32)
	if err != nil {
		t.Fatalf("New keyed: %v", err)
	}

	a := plain.Fingerprint("1234")
	if len(a) != 32 {
		t.Fatalf("expected 32 hex chars, got %d (%q)", len(a), a)
	}
	if a != plain.Fingerprint("1234") {
		t.Fatalf("fingerprint not stable")
	}
	if a == plain.Fingerprint("1235") {
		t.Fatalf("distinct pins collided")
	}
	if a == keyed.Fingerprint("1234") {
		t.Fatalf("keyed and unkeyed fingerprints must differ")
	}
	if plain.Keyed() || !keyed.Keyed() {
		t.Fatalf("Keyed() mismatch")
	}

	var nilFP *Fingerprinter
	if nilFP.Fingerprint("1234") != a {
		t.Fatalf("nil fingerprinter should behave like unkeyed mode")
	}
}

func TestNew_KeyBounds(t *testing.T) {
	t.Parallel()

	if _, err := New(bytes.Repeat([]byte("k"), 65), 0); !errors.Is(err, ErrKeyTooLong) {
		t.Fatalf("expected ErrKeyTooLong, got %v", err)
	}
	if _, err := New([]byte("short"), 16); !errors.Is(err, ErrKeyTooShort) {
		t.Fatalf("expected ErrKeyTooShort, got %v", err)
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv(KeyEnv, "  0123456789abcdef0123456789abcdef  ")

	fp, err := FromEnv(32)
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if !fp.Keyed() {
		t.Fatalf("expected keyed mode")
	}
}
