package ids

import (
	"testing"
	"time"
)

func TestNewULID_LengthAndOrder(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a, err := NewULID(t0)
	if err != nil {
		t.Fatalf("NewULID() error: %v", err)
	}
	b, err := NewULID(t0.Add(time.Second))
	if err != nil {
		t.Fatalf("NewULID() error: %v", err)
	}

	if len(a) != 26 || len(b) != 26 {
		t.Fatalf("expected 26 char ids, got %q %q", a, b)
	}
	if a >= b {
		t.Fatalf("expected later id to sort after earlier one: %q >= %q", a, b)
	}
}
