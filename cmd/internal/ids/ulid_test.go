package ids

import (
	"testing"
	"time"
)

func TestNewULID(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	a, err := NewULID(now)
	if err != nil {
		t.Fatalf("NewULID: %v", err)
	}
	b, err := NewULID(now.Add(time.Millisecond))
	if err != nil {
		t.Fatalf("NewULID: %v", err)
	}
	if len(a) != 26 || len(b) != 26 {
		t.Fatalf("expected 26-char ids, got %q %q", a, b)
	}
	if !(a < b) {
		t.Fatalf("expected time ordering: %q < %q", a, b)
	}
	if !IsULID(a) {
		t.Fatalf("IsULID(%q)=false", a)
	}
	if IsULID("not-a-ulid") {
		t.Fatalf("IsULID accepted garbage")
	}
}
