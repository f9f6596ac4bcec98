//go:build linux

package kvm

import (
	"context"
	"fmt"
	"runtime"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// serialPortBase is the legacy COM1 I/O port range; the guest kernel's
// earlyprintk/console output lands here before any virtio-console would
// exist, and it is the simplest way to surface boot-time kernel panics.
const serialPortBase = 0x3f8

// ExitHalted is returned on a KVM_EXIT_SHUTDOWN exit, or when the guest
// issues a shutdown/power-off or crash system event -- a clean stop,
// not an error. A HLT exit does not stop the loop: Run sleeps briefly
// and re-enters the guest.
var ExitHalted = fmt.Errorf("kvm: guest halted")

// ExitReboot is returned when the guest requests a warm reset through a
// reset system event; sandboxes never rely on this to restart
// in place, it's surfaced for the session layer to tear down instead.
var ExitReboot = fmt.Errorf("kvm: guest requested reboot")

// SerialSink receives bytes the guest writes to the emulated UART.
type SerialSink interface {
	Write(p []byte) (int, error)
}

// Run pins the calling goroutine to its OS thread and drives the vCPU
// until the guest halts, reboots, or ctx is canceled. It must be called
// from a dedicated goroutine: KVM_RUN is not safe to migrate across
// threads mid-call.
func (vm *VM) Run(ctx context.Context, serial SerialSink) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	run := (*runData)(unsafe.Pointer(&vm.vcpu.run[0]))

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		_, err := ioctl(uintptr(vm.vcpu.fd), uint64(kvmRun), 0)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("kvm: KVM_RUN: %w", err)
		}

		reason := exitReason(run.exitReason)

		switch reason {
		case exitHlt:
			// HLT with interrupts unmasked just means "nothing to do
			// right now"; sleep briefly so the run loop doesn't spin
			// at 100% CPU waiting for the next injected interrupt.
			time.Sleep(time.Millisecond)
		case exitIO:
			ioData := (*exitIOData)(unsafe.Pointer(&run.anon0[0]))
			vm.handleIO(run, ioData, serial)
		case exitMMIO:
			mmioData := (*exitMMIOData)(unsafe.Pointer(&run.anon0[0]))
			vm.handleMMIO(mmioData)
		case exitIntr, exitIRQWindowOpen:
			// Re-entered KVM_RUN on the next loop iteration; nothing
			// to do here beyond letting a pending signal drain.
		case exitShutdown:
			return ExitHalted
		case exitSystemEvent:
			sys := (*systemEventData)(unsafe.Pointer(&run.anon0[0]))
			switch sys.typ {
			case systemEventShutdown, systemEventCrash:
				return ExitHalted
			case systemEventReset:
				return ExitReboot
			default:
				return fmt.Errorf("kvm: unhandled system event type %d", sys.typ)
			}
		case exitInternalError:
			ierr := (*internalErrorData)(unsafe.Pointer(&run.anon0[0]))
			return fmt.Errorf("kvm: internal error, suberror=%d", ierr.suberror)
		case exitFailEntry:
			return fmt.Errorf("kvm: fail entry")
		default:
			return fmt.Errorf("kvm: unhandled exit reason %s", reason)
		}
	}
}

func (vm *VM) handleMMIO(d *exitMMIOData) {
	size := int(d.len)
	if size < 0 || size > len(d.data) {
		return
	}
	data := d.data[:size]
	if d.isWrite != 0 {
		vm.bus.Write(d.physAddr, data)
	} else {
		vm.bus.Read(d.physAddr, data)
		copy(d.data[:size], data)
	}
}

func (vm *VM) handleIO(run *runData, d *exitIOData, serial SerialSink) {
	data := vm.vcpu.run[d.dataOffset : d.dataOffset+uint64(d.size)*uint64(d.count)]
	isWrite := d.direction != 0

	switch d.port {
	case serialPortBase: // THR: transmit holding register
		if isWrite && serial != nil {
			serial.Write(data)
		}
	case serialPortBase + 5: // LSR: line status, report "always ready to transmit"
		if !isWrite && len(data) > 0 {
			data[0] = 0x20
		}
	default:
		// Unclaimed port: reads return all-ones, writes are discarded,
		// matching how a real PC leaves unmapped I/O space floating.
		if !isWrite {
			for i := range data {
				data[i] = 0xff
			}
		}
	}
}
