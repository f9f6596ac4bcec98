//go:build linux

// Package seccomp installs the syscall filter the VMM thread runs under
// once the guest's memory, vCPU, and devices are all set up: a
// default-kill allowlist covering only what the KVM run loop, the
// virtio-mmio/vhost-vsock devices, and the netstack's socket I/O
// actually need. The filter program is assembled with
// golang.org/x/net/bpf -- the same classic-BPF instruction set the
// kernel's seccomp(2) filter mode consumes, just fed seccomp_data
// instead of packet bytes.
package seccomp

import (
	"fmt"
	"unsafe"

	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"
)

// Offsets into struct seccomp_data, per linux/seccomp.h: nr (syscall
// number), arch (audit arch id), then instruction_pointer and args.
const (
	seccompDataNrOffset   = 0
	seccompDataArchOffset = 4
)

// Seccomp return-action values, per linux/seccomp.h. ActionAllow lets
// the syscall proceed; ActionKillProcess tears down the whole process,
// not just the offending thread, so a filter violation can't leave
// other vCPU or device-handling goroutines running unsupervised.
const (
	actionKillProcess uint32 = 0x80000000
	actionAllow       uint32 = 0x7fff0000
)

// Install assembles and loads a default-kill seccomp-BPF filter for the
// calling thread only, after setting no_new_privs so the filter can be
// installed without CAP_SYS_ADMIN. It loads the filter with
// prctl(PR_SET_SECCOMP), without TSYNC: other threads already running
// in the process are not filtered; threads the calling thread creates
// afterwards inherit the filter.
func Install() error {
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("seccomp: set no_new_privs: %w", err)
	}

	insns := buildProgram()
	raw, err := bpf.Assemble(insns)
	if err != nil {
		return fmt.Errorf("seccomp: assemble filter: %w", err)
	}

	filters := make([]unix.SockFilter, len(raw))
	for i, r := range raw {
		filters[i] = unix.SockFilter{Code: r.Op, Jt: r.Jt, Jf: r.Jf, K: r.K}
	}
	prog := unix.SockFprog{
		Len:    uint16(len(filters)),
		Filter: &filters[0],
	}

	const prSetSeccomp = unix.PR_SET_SECCOMP
	if err := unix.Prctl(prSetSeccomp, unix.SECCOMP_MODE_FILTER, uintptr(unsafe.Pointer(&prog)), 0, 0); err != nil {
		return fmt.Errorf("seccomp: load filter: %w", err)
	}
	return nil
}

// buildProgram emits: reject any architecture but the one this binary
// was compiled for, then an allow-rule per entry in allowedSyscalls,
// falling through to kill-process.
func buildProgram() []bpf.Instruction {
	var insns []bpf.Instruction

	insns = append(insns,
		bpf.LoadAbsolute{Off: seccompDataArchOffset, Size: 4},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: auditArch, SkipTrue: 1},
		bpf.RetConstant{Val: actionKillProcess},
	)

	insns = append(insns, bpf.LoadAbsolute{Off: seccompDataNrOffset, Size: 4})
	for _, nr := range allowedSyscalls {
		// SkipFalse counts instructions from *after* this jump's two
		// slots: the RetConstant{Allow} immediately following, so a
		// match falls through to the allow and a miss continues to
		// the next comparison.
		insns = append(insns,
			bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(nr), SkipFalse: 1},
			bpf.RetConstant{Val: actionAllow},
		)
	}
	insns = append(insns, bpf.RetConstant{Val: actionKillProcess})

	return insns
}
