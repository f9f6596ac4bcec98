//go:build linux

// Package kvm drives the host's /dev/kvm to run a single-vCPU micro-VM:
// one guest memory region, an in-kernel irqchip, and a vCPU run loop that
// dispatches MMIO exits to a virtio-mmio bus and IO-port exits to a
// minimal emulated serial port.
package kvm

import (
	"fmt"
	"log/slog"
	"unsafe"

	"golang.org/x/sys/unix"
)

// MMIOBus is the bus interface the run loop needs; *virtio.Bus reports
// an error as well, so the session package adapts it to this interface.
// Kept as an interface so tests can substitute a fake.
type MMIOBus interface {
	Read(addr uint64, data []byte) bool
	Write(addr uint64, data []byte) bool
}

// VM owns the KVM VM file descriptor, the single flat guest memory
// region, and the vCPU running it.
type VM struct {
	log *slog.Logger

	kvmFd int
	vmFd  int

	mem        []byte
	memoryBase uint64

	vcpuMmapSize int
	vcpu         *VCPU

	bus MMIOBus
}

// VCPU wraps one vCPU's file descriptor and mmap'd kvm_run page.
type VCPU struct {
	fd  int
	run []byte
}

// Open opens /dev/kvm and validates the kernel's reported API version.
func Open() (kvmFd int, err error) {
	fd, err := unix.Open("/dev/kvm", unix.O_CLOEXEC|unix.O_RDWR, 0)
	if err != nil {
		return -1, fmt.Errorf("kvm: open /dev/kvm: %w", err)
	}
	v, err := ioctlRetry(uintptr(fd), uint64(kvmGetAPIVersion), 0)
	if err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("kvm: get api version: %w", err)
	}
	if int(v) != kvmAPIVersion {
		unix.Close(fd)
		return -1, fmt.Errorf("kvm: unsupported api version %d, want %d", v, kvmAPIVersion)
	}
	return fd, nil
}

// New creates a VM with memSize bytes of anonymous guest memory mapped
// at guest physical address 0, an in-kernel irqchip, and a single vCPU.
func New(log *slog.Logger, kvmFd int, memSize uint64, bus MMIOBus) (*VM, error) {
	vmFdRaw, err := ioctlRetry(uintptr(kvmFd), uint64(kvmCreateVM), 0)
	if err != nil {
		return nil, fmt.Errorf("kvm: create vm: %w", err)
	}
	vmFd := int(vmFdRaw)

	mem, err := unix.Mmap(-1, 0, int(memSize), unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
	if err != nil {
		unix.Close(vmFd)
		return nil, fmt.Errorf("kvm: mmap guest memory: %w", err)
	}
	_ = unix.Madvise(mem, unix.MADV_MERGEABLE)

	if err := setUserMemoryRegion(vmFd, &userspaceMemoryRegion{
		Slot:          0,
		GuestPhysAddr: 0,
		MemorySize:    memSize,
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
	}); err != nil {
		unix.Munmap(mem)
		unix.Close(vmFd)
		return nil, fmt.Errorf("kvm: set user memory region: %w", err)
	}

	if err := setTSSAddr(vmFd, 0xfffbd000); err != nil {
		unix.Munmap(mem)
		unix.Close(vmFd)
		return nil, fmt.Errorf("kvm: set tss addr: %w", err)
	}

	if _, err := ioctlRetry(uintptr(vmFd), uint64(kvmCreateIRQChip), 0); err != nil {
		unix.Munmap(mem)
		unix.Close(vmFd)
		return nil, fmt.Errorf("kvm: create irqchip: %w", err)
	}

	mmapSizeRaw, err := ioctlRetry(uintptr(kvmFd), uint64(kvmGetVCPUMmapSize), 0)
	if err != nil {
		unix.Munmap(mem)
		unix.Close(vmFd)
		return nil, fmt.Errorf("kvm: get vcpu mmap size: %w", err)
	}

	vm := &VM{
		log:          log,
		kvmFd:        kvmFd,
		vmFd:         vmFd,
		mem:          mem,
		vcpuMmapSize: int(mmapSizeRaw),
		bus:          bus,
	}

	vcpu, err := vm.createVCPU(0)
	if err != nil {
		vm.Close()
		return nil, err
	}
	vm.vcpu = vcpu

	return vm, nil
}

func (vm *VM) createVCPU(id int) (*VCPU, error) {
	fdRaw, err := ioctlRetry(uintptr(vm.vmFd), uint64(kvmCreateVCPU), uintptr(id))
	if err != nil {
		return nil, fmt.Errorf("kvm: create vcpu %d: %w", id, err)
	}
	fd := int(fdRaw)

	run, err := unix.Mmap(fd, 0, vm.vcpuMmapSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("kvm: mmap kvm_run for vcpu %d: %w", id, err)
	}

	return &VCPU{fd: fd, run: run}, nil
}

func setTSSAddr(vmFd int, addr uint64) error {
	const kvmSetTSSAddr = 0xae47
	_, err := ioctlRetry(uintptr(vmFd), uint64(kvmSetTSSAddr), uintptr(addr))
	return err
}

// Memory returns the flat guest memory slice for writing the kernel
// image, initramfs, boot params, and page tables before the first run.
func (vm *VM) Memory() []byte { return vm.mem }

// AssertIRQ raises and then immediately lowers irq -- KVM's in-kernel
// irqchip treats this edge as a single interrupt delivery, matching the
// level-then-clear pattern virtio-mmio's interrupt_status/ack expects to
// pair with.
func (vm *VM) AssertIRQ(irq uint32) {
	if err := irqLine(vm.vmFd, irq, 1); err != nil {
		vm.log.Warn("kvm: irq assert failed", "irq", irq, "err", err)
		return
	}
	if err := irqLine(vm.vmFd, irq, 0); err != nil {
		vm.log.Warn("kvm: irq deassert failed", "irq", irq, "err", err)
	}
}

// IRQFD wires an eventfd directly to a GSI in the kernel, bypassing a
// userspace round trip. Nothing in this repo calls it: vhost-vsock's
// per-queue call eventfds are relayed by VsockDevice's own epoll thread,
// which also sets interrupt_status.
func (vm *VM) IRQFD(eventFd int, gsi uint32) error {
	return setIRQFD(vm.vmFd, eventFd, gsi)
}

func (vm *VM) Close() error {
	if vm.vcpu != nil {
		unix.Munmap(vm.vcpu.run)
		unix.Close(vm.vcpu.fd)
	}
	if vm.mem != nil {
		unix.Munmap(vm.mem)
	}
	if vm.vmFd >= 0 {
		unix.Close(vm.vmFd)
	}
	return nil
}
