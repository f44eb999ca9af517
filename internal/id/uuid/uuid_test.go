// Package uuid includes tests for the UUID generator wrapper.
package uuid

import (
	"strings"
	"testing"

	goUUID "github.com/google/uuid"
)

// TestGeneratorNewID ensures generated IDs are unique, time-ordered v7 UUIDs.
func TestGeneratorNewID(t *testing.T) {
	t.Parallel()

	gen := New()
	id1, err := gen.NewID()
	if err != nil {
		t.Fatalf("NewID() error = %v", err)
	}
	id2, err := gen.NewID()
	if err != nil {
		t.Fatalf("NewID() error = %v", err)
	}
	if id1 == id2 {
		t.Fatalf("expected unique IDs, got %s and %s", id1, id2)
	}
	if id1.Version() != 7 {
		t.Fatalf("expected v7, got %d", id1.Version())
	}
	if id2.String() < id1.String() {
		t.Fatalf("expected %s to sort after %s", id2, id1)
	}
}

// TestGeneratorNewHandle ensures handles are prefixed and parseable.
func TestGeneratorNewHandle(t *testing.T) {
	t.Parallel()

	h, err := New().NewHandle()
	if err != nil {
		t.Fatalf("NewHandle() error = %v", err)
	}
	raw, ok := strings.CutPrefix(string(h), "exec-")
	if !ok {
		t.Fatalf("expected exec- prefix, got %s", h)
	}
	if _, err := goUUID.Parse(raw); err != nil {
		t.Fatalf("handle not valid UUID: %v", err)
	}
}
