//go:build linux && amd64

package kvm

const kvmNrInterrupts = 256

type regs struct {
	Rax, Rbx, Rcx, Rdx    uint64
	Rsi, Rdi, Rsp, Rbp    uint64
	R8, R9, R10, R11      uint64
	R12, R13, R14, R15    uint64
	Rip, Rflags           uint64
}

type segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	Padding  uint8
}

type dtable struct {
	Base    uint64
	Limit   uint16
	Padding [3]uint16
}

type sregs struct {
	CS, DS, ES, FS, GS, SS segment
	TR, LDT                segment
	GDT, IDT               dtable
	CR0                    uint64
	CR2                    uint64
	CR3                    uint64
	CR4                    uint64
	CR8                    uint64
	EFER                   uint64
	ApicBase               uint64
	InterruptBitmap        [(kvmNrInterrupts + 63) / 64]uint64
}
