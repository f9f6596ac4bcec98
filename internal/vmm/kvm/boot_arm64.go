//go:build linux && arm64

package kvm

import (
	"fmt"
	"unsafe"
)

// ARM64 ONE_REG encoding, mirroring the kernel's KVM_REG_ARM64/
// KVM_REG_ARM_CORE layout: register id = ARM64 | SIZE_U64 | CORE |
// (byte offset into struct kvm_regs / 4).
const (
	kvmRegArm64   uint64 = 0x6000000000000000
	kvmRegSizeU64 uint64 = 0x0030000000000000
	kvmRegArmCore uint64 = 0x0010 << 16

	kvmSetOneReg   = 0x4010aeac
	kvmGetOneReg   = 0x4010aeab
	kvmVcpuInitCmd = 0x4020aeae
	kvmPreferredTarget = 0x8020aeaf
)

func coreReg(offsetBytes uintptr) uint64 {
	return kvmRegArm64 | kvmRegSizeU64 | kvmRegArmCore | uint64(offsetBytes/4)
}

// Offsets into struct kvm_regs on arm64: regs.regs.regs[0..30] (x0-x30,
// 8 bytes each), regs.regs.sp, regs.regs.pc, regs.regs.pstate.
const (
	regOffsetX0     uintptr = 0
	regOffsetPC     uintptr = 32 * 8
	regOffsetPSTATE uintptr = 33 * 8
)

type vcpuInit struct {
	Target  uint32
	Features [7]uint32
}

type oneReg struct {
	ID   uint64
	Addr uint64
}

// SetupBoot initializes the vCPU with the host's preferred target,
// enables the PSCI 0.2 feature so the guest kernel can request power
// state transitions, and sets PC/X0/PSTATE for direct kernel entry with
// a flattened device tree blob at fdtAddr, per the arm64 boot protocol.
func (vm *VM) SetupBoot(entry, fdtAddr uint64) error {
	var init vcpuInit
	if _, err := ioctlRetry(uintptr(vm.kvmFd), uint64(kvmPreferredTarget), uintptr(unsafe.Pointer(&init))); err != nil {
		return fmt.Errorf("kvm: get preferred target: %w", err)
	}
	const kvmArmVcpuPsci02 = 2
	init.Features[0] |= 1 << kvmArmVcpuPsci02

	if _, err := ioctlRetry(uintptr(vm.vcpu.fd), uint64(kvmVcpuInitCmd), uintptr(unsafe.Pointer(&init))); err != nil {
		return fmt.Errorf("kvm: vcpu init: %w", err)
	}

	setReg := func(id uint64, val uint64) error {
		r := oneReg{ID: id, Addr: uint64(uintptr(unsafe.Pointer(&val)))}
		_, err := ioctlRetry(uintptr(vm.vcpu.fd), uint64(kvmSetOneReg), uintptr(unsafe.Pointer(&r)))
		return err
	}

	const pstateEL1hAllMasked = 0x3c5 // EL1h, I/F/A/D masked
	if err := setReg(coreReg(regOffsetPC), entry); err != nil {
		return fmt.Errorf("kvm: set pc: %w", err)
	}
	if err := setReg(coreReg(regOffsetX0), fdtAddr); err != nil {
		return fmt.Errorf("kvm: set x0: %w", err)
	}
	if err := setReg(coreReg(regOffsetPSTATE), pstateEL1hAllMasked); err != nil {
		return fmt.Errorf("kvm: set pstate: %w", err)
	}

	return nil
}
