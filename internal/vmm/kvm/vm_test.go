//go:build linux

package kvm

import (
	"log/slog"
	"testing"
)

type fakeBus struct{}

func (fakeBus) Read(addr uint64, data []byte) bool  { return true }
func (fakeBus) Write(addr uint64, data []byte) bool { return true }

func checkKVMAvailable(t testing.TB) int {
	t.Helper()
	fd, err := Open()
	if err != nil {
		t.Skipf("KVM not available: %v", err)
	}
	return fd
}

func TestOpen(t *testing.T) {
	fd := checkKVMAvailable(t)
	if fd < 0 {
		t.Fatal("expected a valid fd")
	}
}

func TestNewVMAndClose(t *testing.T) {
	fd := checkKVMAvailable(t)

	vm, err := New(slog.Default(), fd, 16<<20, fakeBus{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if len(vm.Memory()) != 16<<20 {
		t.Fatalf("memory size = %d", len(vm.Memory()))
	}
	if err := vm.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
