package boot

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Guest-physical placement for everything the x86_64 loader writes.
// The guest only ever has one contiguous RAM region starting at GPA 0,
// so these are absolute offsets into VM.Memory().
const (
	KernelLoadAddr uint64 = 0x100000
	ZeroPageAddr   uint64 = 0x7000
	CmdlineAddr    uint64 = 0x20000

	lowMemTop = 0x9fc00 // below the legacy BIOS/video reserved hole
)

// E820Entry is one BIOS memory-map entry written into the zero page.
type E820Entry struct {
	Addr uint64
	Size uint64
	Type uint32
}

const e820TypeRAM = 1

// LoadX86_64 places the kernel payload, optional initramfs, and command
// line into guest memory and builds the Linux/x86_64 zero page
// describing them, per the kernel's documented 64-bit boot protocol. It
// returns the entry point and zero-page address SetupLongMode needs.
func LoadX86_64(mem []byte, kernel *KernelImage, initrd []byte, cmdline string, memSize uint64) (entry uint64, zeroPageAddr uint64, err error) {
	payload := kernel.Payload()
	if KernelLoadAddr+uint64(len(payload)) > memSize {
		return 0, 0, fmt.Errorf("boot: kernel payload does not fit in %d bytes of guest memory", memSize)
	}
	copy(mem[KernelLoadAddr:], payload)

	var initrdAddr uint64
	var initrdSize uint32
	if len(initrd) > 0 {
		initrdAddr = alignUp(KernelLoadAddr+uint64(len(payload)), 4096)
		initrdEnd := initrdAddr + uint64(len(initrd))
		if initrdEnd > memSize {
			return 0, 0, fmt.Errorf("boot: initramfs does not fit in guest memory")
		}
		if kernel.Header.InitrdAddrMax != 0 && initrdEnd > uint64(kernel.Header.InitrdAddrMax) {
			return 0, 0, fmt.Errorf("boot: initramfs end %#x exceeds kernel's initrd_addr_max %#x", initrdEnd, kernel.Header.InitrdAddrMax)
		}
		copy(mem[initrdAddr:], initrd)
		initrdSize = uint32(len(initrd))
	}

	if kernel.Header.CmdlineSize != 0 && uint32(len(cmdline)) > kernel.Header.CmdlineSize {
		return 0, 0, fmt.Errorf("boot: command line length %d exceeds kernel limit %d", len(cmdline), kernel.Header.CmdlineSize)
	}
	copy(mem[CmdlineAddr:], append([]byte(cmdline), 0))

	e820 := []E820Entry{
		{Addr: 0, Size: lowMemTop, Type: e820TypeRAM},
		{Addr: KernelLoadAddr, Size: memSize - KernelLoadAddr, Type: e820TypeRAM},
	}

	if err := buildZeroPage(mem, kernel, ZeroPageAddr, KernelLoadAddr, CmdlineAddr, initrdAddr, initrdSize, e820); err != nil {
		return 0, 0, err
	}

	return KernelLoadAddr + 0x200, ZeroPageAddr, nil
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// buildZeroPage fills in the boot_params page the kernel expects at
// entry: the carried-through setup_header, the e820 table, and
// pointers to the command line and initramfs.
func buildZeroPage(mem []byte, k *KernelImage, zeroPageAddr, loadAddr, cmdlineAddr, initrdAddr uint64, initrdSize uint32, e820 []E820Entry) error {
	if int(zeroPageAddr)+zeroPageSize > len(mem) {
		return errors.New("boot: zero page does not fit in guest memory")
	}
	zp := mem[zeroPageAddr : zeroPageAddr+zeroPageSize]
	for i := range zp {
		zp[i] = 0
	}

	if len(k.HeaderBytes) > zeroPageSize-setupHeaderOffset {
		return errors.New("boot: setup header larger than zero page space")
	}
	copy(zp[setupHeaderOffset:], k.HeaderBytes)

	binary.LittleEndian.PutUint16(zp[setupHeaderBootFlagOffset:], 0xaa55)
	copy(zp[setupHeaderHeaderOffset:], []byte(headerMagic))
	binary.LittleEndian.PutUint16(zp[protocolVersionOffset:], k.Header.ProtocolVersion)

	loadFlags := zp[loadFlagsOffset] | canUseHeapFlag
	zp[loadFlagsOffset] = loadFlags
	zp[typeOfLoaderOffset] = typeOfLoaderUnknown

	heapEnd := uint16(0x9800)
	if loadFlags&0x1 != 0 {
		heapEnd = 0xe000
	}
	binary.LittleEndian.PutUint16(zp[heapEndPtrOffset:], heapEnd-0x200)

	if loadAddr > 0xffffffff {
		return fmt.Errorf("boot: load address %#x exceeds 32-bit range", loadAddr)
	}
	binary.LittleEndian.PutUint32(zp[code32StartOffset:], uint32(loadAddr))

	binary.LittleEndian.PutUint32(zp[cmdLinePtrOffset:], uint32(cmdlineAddr))
	binary.LittleEndian.PutUint32(zp[zeroPageExtCmdLinePtr:], uint32(cmdlineAddr>>32))

	if initrdSize > 0 {
		binary.LittleEndian.PutUint32(zp[ramdiskImageOffset:], uint32(initrdAddr))
		binary.LittleEndian.PutUint32(zp[ramdiskSizeOffset:], initrdSize)
		binary.LittleEndian.PutUint32(zp[zeroPageExtRamDiskImage:], uint32(initrdAddr>>32))
	}

	if len(e820) == 0 || len(e820) > e820MaxEntries {
		return fmt.Errorf("boot: invalid e820 entry count %d", len(e820))
	}
	zp[zeroPageE820Entries] = byte(len(e820))
	for idx, ent := range e820 {
		base := zeroPageE820Table + idx*e820EntrySize
		if base+e820EntrySize > zeroPageSize {
			return errors.New("boot: e820 table exceeds zero page size")
		}
		binary.LittleEndian.PutUint64(zp[base:], ent.Addr)
		binary.LittleEndian.PutUint64(zp[base+8:], ent.Size)
		binary.LittleEndian.PutUint32(zp[base+16:], ent.Type)
	}

	return nil
}
