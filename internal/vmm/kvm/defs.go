//go:build linux

package kvm

import "fmt"

// ioctl numbers, pre-computed the way the host kernel's <linux/kvm.h>
// macros expand them for this ABI. golang.org/x/sys/unix does not
// expose KVM's ioctl table, so these are carried here directly.
const (
	kvmAPIVersion = 12

	kvmGetAPIVersion       = 0xae00
	kvmCreateVM            = 0xae01
	kvmCheckExtension      = 0xae03
	kvmGetVCPUMmapSize     = 0xae04
	kvmCreateVCPU          = 0xae41
	kvmSetTSSAddr          = 0xae47
	kvmRun                 = 0xae80
	kvmCreateIRQChip       = 0xae60
	kvmIRQLine             = 0x4008ae61
	kvmSetUserMemoryRegion = 0x4020ae46
	kvmGetRegs             = 0x8090ae81
	kvmSetRegs             = 0x4090ae82
	kvmGetSregs            = 0x8138ae83
	kvmSetSregs            = 0x4138ae84
	kvmIRQFD               = 0x4020ae76
	kvmArmVCPUInit         = 0x4020aeae
	kvmArmPreferredTarget  = 0x8020aeaf

	kvmCapIRQChip = 0
)

type exitReason uint32

const (
	exitUnknown       exitReason = 0
	exitException     exitReason = 1
	exitIO            exitReason = 2
	exitHlt           exitReason = 5
	exitMMIO          exitReason = 6
	exitIRQWindowOpen exitReason = 7
	exitShutdown      exitReason = 8
	exitFailEntry     exitReason = 9
	exitIntr          exitReason = 10
	exitInternalError exitReason = 17
	exitSystemEvent   exitReason = 24
)

func (r exitReason) String() string {
	switch r {
	case exitUnknown:
		return "KVM_EXIT_UNKNOWN"
	case exitException:
		return "KVM_EXIT_EXCEPTION"
	case exitIO:
		return "KVM_EXIT_IO"
	case exitHlt:
		return "KVM_EXIT_HLT"
	case exitMMIO:
		return "KVM_EXIT_MMIO"
	case exitIRQWindowOpen:
		return "KVM_EXIT_IRQ_WINDOW_OPEN"
	case exitShutdown:
		return "KVM_EXIT_SHUTDOWN"
	case exitFailEntry:
		return "KVM_EXIT_FAIL_ENTRY"
	case exitIntr:
		return "KVM_EXIT_INTR"
	case exitInternalError:
		return "KVM_EXIT_INTERNAL_ERROR"
	case exitSystemEvent:
		return "KVM_EXIT_SYSTEM_EVENT"
	default:
		return fmt.Sprintf("KVM_EXIT_???(%d)", uint32(r))
	}
}

const (
	systemEventShutdown = 1
	systemEventReset    = 2
	systemEventCrash    = 3
)

type userspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

type irqLevel struct {
	IRQ   uint32
	Level uint32
}

type irqfd struct {
	FD    uint32
	GSI   uint32
	Flags uint32
	Resamplefd uint32
	pad   [16]uint8
}

const syncRegsSize = 2048

// runData mirrors struct kvm_run's fixed header plus the architecture
// union at offset anon0; the per-exit payload is reinterpreted from
// anon0 depending on exitReason.
type runData struct {
	requestInterruptWindow uint8
	immediateExit          uint8
	padding1               [6]uint8
	exitReason             uint32
	readyForInterruptInj   uint8
	ifFlag                 uint8
	flags                  uint16
	cr8                    uint64
	apicBase               uint64
	anon0                  [256]byte
	kvmValidRegs           uint64
	kvmDirtyRegs           uint64
	s                      struct{ padding [syncRegsSize]byte }
}

type exitIOData struct {
	direction  uint8
	size       uint8
	port       uint16
	count      uint32
	dataOffset uint64
}

type exitMMIOData struct {
	physAddr uint64
	data     [8]byte
	len      uint32
	isWrite  uint8
}

type systemEventData struct {
	typ   uint32
	ndata uint32
	data  [16]uint64
}

type internalErrorData struct {
	suberror uint32
	ndata    uint32
	data     [16]uint64
}
