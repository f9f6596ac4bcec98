//go:build linux && amd64

package kvm

import (
	"encoding/binary"
	"fmt"
	"unsafe"
)

// Flat long-mode boot layout. A handful of page tables and one GDT are
// written into low guest memory below the kernel load address; nothing
// else needs them once paging and the code/data selectors are live.
const (
	pml4Addr uint64 = 0x9000
	pdptAddr uint64 = 0xa000
	pdAddr   uint64 = 0xb000
	gdtAddr  uint64 = 0xc000

	codeSelector uint16 = 0x08
	dataSelector uint16 = 0x10
)

const (
	cr0PE = 1 << 0
	cr0PG = 1 << 31
	cr4PAE = 1 << 5
	eferLME = 1 << 8
	eferLMA = 1 << 10
)

// SetupLongMode identity-maps the first gigabyte of guest memory with
// 2MB pages, installs a minimal flat GDT, and points RIP at the
// kernel's 64-bit entry point with RSI holding the zero-page address,
// per the Linux/x86 64-bit boot protocol.
func (vm *VM) SetupLongMode(entry, zeroPageAddr uint64) error {
	vm.writeIdentityPageTables()
	vm.writeFlatGDT()

	var sr sregs
	if _, err := ioctlRetry(uintptr(vm.vcpu.fd), uint64(kvmGetSregs), uintptr(unsafe.Pointer(&sr))); err != nil {
		return fmt.Errorf("kvm: get sregs: %w", err)
	}

	flatCode := segment{Base: 0, Limit: 0xffffffff, Selector: codeSelector, Present: 1, Type: 11, DPL: 0, DB: 0, S: 1, L: 1, G: 1}
	flatData := segment{Base: 0, Limit: 0xffffffff, Selector: dataSelector, Present: 1, Type: 3, DPL: 0, DB: 1, S: 1, L: 0, G: 1}

	sr.CS = flatCode
	sr.DS, sr.ES, sr.FS, sr.GS, sr.SS = flatData, flatData, flatData, flatData, flatData
	sr.GDT = dtable{Base: gdtAddr, Limit: 3*8 - 1}
	sr.CR0 = cr0PE | cr0PG
	sr.CR3 = pml4Addr
	sr.CR4 = cr4PAE
	sr.EFER = eferLME | eferLMA

	if _, err := ioctlRetry(uintptr(vm.vcpu.fd), uint64(kvmSetSregs), uintptr(unsafe.Pointer(&sr))); err != nil {
		return fmt.Errorf("kvm: set sregs: %w", err)
	}

	var rg regs
	rg.Rip = entry
	rg.Rsi = zeroPageAddr
	rg.Rflags = 0x2 // reserved bit 1 always set

	if _, err := ioctlRetry(uintptr(vm.vcpu.fd), uint64(kvmSetRegs), uintptr(unsafe.Pointer(&rg))); err != nil {
		return fmt.Errorf("kvm: set regs: %w", err)
	}

	return nil
}

// writeIdentityPageTables lays down one PML4, one PDPT, and one PD
// using 2MB pages, identity-mapping GPA [0, 1GB). That comfortably
// covers the kernel, initramfs, and boot params this VM ever loads.
func (vm *VM) writeIdentityPageTables() {
	const (
		pagePresent = 1 << 0
		pageWrite   = 1 << 1
		pageHuge    = 1 << 7
	)

	putEntry := func(addr uint64, idx int, val uint64) {
		binary.LittleEndian.PutUint64(vm.mem[addr+uint64(idx*8):], val)
	}

	putEntry(pml4Addr, 0, pdptAddr|pagePresent|pageWrite)
	putEntry(pdptAddr, 0, pdAddr|pagePresent|pageWrite)
	for i := 0; i < 512; i++ {
		putEntry(pdAddr, i, uint64(i)*0x200000|pagePresent|pageWrite|pageHuge)
	}
}

// writeFlatGDT installs a null descriptor plus one 64-bit code and one
// data descriptor, matching the selectors SetupLongMode loads into CS/DS.
func (vm *VM) writeFlatGDT() {
	entries := []uint64{
		0x0000000000000000, // null
		0x00af9a000000ffff, // 64-bit code, present, DPL0, long mode
		0x00cf92000000ffff, // 32-bit data, present, DPL0, writable
	}
	for i, e := range entries {
		binary.LittleEndian.PutUint64(vm.mem[gdtAddr+uint64(i*8):], e)
	}
}
