package supervisor

import (
	"fmt"
	"testing"
)

func TestTail_Empty(t *testing.T) {
	tail := NewTail(10)
	if lines := tail.Lines(); len(lines) != 0 {
		t.Errorf("expected empty buffer, got %d lines", len(lines))
	}
	if tail.String() != "" {
		t.Errorf("expected empty string, got %q", tail.String())
	}
}

func TestTail_PartialFill(t *testing.T) {
	tail := NewTail(10)
	for i := 0; i < 5; i++ {
		tail.Write(fmt.Sprintf("line-%d", i))
	}

	lines := tail.Lines()
	if len(lines) != 5 {
		t.Fatalf("expected 5 lines, got %d", len(lines))
	}
	for i, l := range lines {
		if expected := fmt.Sprintf("line-%d", i); l != expected {
			t.Errorf("line %d: expected %s, got %s", i, expected, l)
		}
	}
}

func TestTail_Overflow(t *testing.T) {
	tail := NewTail(5)
	for i := 0; i < 8; i++ {
		tail.Write(fmt.Sprintf("line-%d", i))
	}

	lines := tail.Lines()
	if len(lines) != 5 {
		t.Fatalf("expected 5 lines, got %d", len(lines))
	}

	// Should have lines 3..7 (oldest dropped).
	for i, l := range lines {
		if expected := fmt.Sprintf("line-%d", i+3); l != expected {
			t.Errorf("line %d: expected %s, got %s", i, expected, l)
		}
	}
	if tail.String() != "line-3\nline-4\nline-5\nline-6\nline-7" {
		t.Errorf("unexpected joined tail: %q", tail.String())
	}
}
