package session

import "testing"

func TestFlatMemoryReadWriteRoundTrip(t *testing.T) {
	m := &flatMemory{buf: make([]byte, 16)}
	if _, err := m.WriteAt([]byte("hello"), 4); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	got := make([]byte, 5)
	if _, err := m.ReadAt(got, 4); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("ReadAt = %q, want %q", got, "hello")
	}
}

func TestFlatMemoryRejectsOutOfBounds(t *testing.T) {
	m := &flatMemory{buf: make([]byte, 16)}
	if _, err := m.WriteAt([]byte("x"), 100); err == nil {
		t.Fatal("expected out-of-bounds WriteAt to fail")
	}
	if _, err := m.ReadAt(make([]byte, 1), -1); err == nil {
		t.Fatal("expected negative-offset ReadAt to fail")
	}
}

func TestFlatMemoryRejectsTruncatedAccess(t *testing.T) {
	m := &flatMemory{buf: make([]byte, 4)}
	if _, err := m.WriteAt([]byte("toolong"), 0); err == nil {
		t.Fatal("expected a write extending past the buffer to fail")
	}
	if _, err := m.ReadAt(make([]byte, 10), 0); err == nil {
		t.Fatal("expected a read extending past the buffer to fail")
	}
}
