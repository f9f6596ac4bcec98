//go:build linux

package kvm

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

func ioctl(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	v1, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(request), arg)
	if errno != 0 {
		return 0, errno
	}
	return v1, nil
}

func ioctlRetry(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	for {
		v, err := ioctl(fd, request, arg)
		if err == unix.EINTR {
			continue
		}
		return v, err
	}
}

func setUserMemoryRegion(vmFd int, r *userspaceMemoryRegion) error {
	_, err := ioctlRetry(uintptr(vmFd), uint64(kvmSetUserMemoryRegion), uintptr(unsafe.Pointer(r)))
	return err
}

func irqLine(vmFd int, irq uint32, level uint32) error {
	lvl := irqLevel{IRQ: irq, Level: level}
	_, err := ioctlRetry(uintptr(vmFd), uint64(kvmIRQLine), uintptr(unsafe.Pointer(&lvl)))
	return err
}

func setIRQFD(vmFd int, eventFd int, gsi uint32) error {
	arg := irqfd{FD: uint32(eventFd), GSI: gsi}
	_, err := ioctlRetry(uintptr(vmFd), uint64(kvmIRQFD), uintptr(unsafe.Pointer(&arg)))
	return err
}
