package boot

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Offsets into the bzImage setup header, relative to the start of the
// file. The header itself starts at byte 497 and its fields have had
// stable offsets since the Linux 2.6 boot protocol.
const (
	zeroPageSize = 4096

	setupHeaderOffset = 497

	zeroPageExtRamDiskImage = 192
	zeroPageExtRamDiskSize  = 196
	zeroPageExtCmdLinePtr   = 200
	zeroPageE820Entries     = 488
	zeroPageE820Table       = 720

	headerMagicOffset  = 0x202
	headerMagic        = "HdrS"
	headerLengthOffset = 0x201

	protocolVersionOffset     = setupHeaderOffset + 21
	typeOfLoaderOffset        = setupHeaderOffset + 31
	loadFlagsOffset           = setupHeaderOffset + 32
	heapEndPtrOffset          = setupHeaderOffset + 51
	setupHeaderBootFlagOffset = setupHeaderOffset + 13
	setupHeaderHeaderOffset   = setupHeaderOffset + 17
	code32StartOffset         = setupHeaderOffset + 35
	ramdiskImageOffset        = setupHeaderOffset + 39
	ramdiskSizeOffset         = setupHeaderOffset + 43
	cmdLinePtrOffset          = setupHeaderOffset + 55
	initrdAddrMaxOffset       = setupHeaderOffset + 59
	kernelAlignmentOffset     = setupHeaderOffset + 63
	relocatableKernelOffset   = setupHeaderOffset + 67
	minAlignmentOffset        = setupHeaderOffset + 68
	xloadflagsOffset          = setupHeaderOffset + 69
	cmdlineSizeOffset         = setupHeaderOffset + 71
	prefAddressOffset         = setupHeaderOffset + 103
	initSizeOffset            = setupHeaderOffset + 111

	canUseHeapFlag      uint8 = 1 << 7
	typeOfLoaderUnknown uint8 = 0xff

	e820EntrySize  = 20
	e820MaxEntries = 128
)

// SetupHeader is the subset of the Linux/x86 setup_header this loader
// reads and rewrites; everything else in the header is carried through
// verbatim via HeaderBytes.
type SetupHeader struct {
	ProtocolVersion   uint16
	LoadFlags         uint8
	Code32Start       uint32
	InitrdAddrMax     uint32
	KernelAlignment   uint32
	RelocatableKernel uint8
	MinAlignment      uint8
	XLoadFlags        uint16
	CmdlineSize       uint32
	PrefAddress       uint64
	InitSize          uint32
	SetupSectors      uint8
}

// KernelImage is a parsed bzImage: the raw file bytes, the decoded
// setup header, and the offset of the decompressible protected-mode
// payload.
type KernelImage struct {
	Data          []byte
	HeaderBytes   []byte
	Header        SetupHeader
	PayloadOffset int
}

// ParseBzImage validates the "HdrS" boot signature and decodes the
// setup header enough to place the kernel and build a zero page; it
// requires a 64-bit entry point (XLF_KERNEL_64) since this VMM only
// ever boots guests in long mode.
func ParseBzImage(data []byte) (*KernelImage, error) {
	if len(data) < headerMagicOffset+4 {
		return nil, errors.New("boot: kernel image too small")
	}
	if string(data[headerMagicOffset:headerMagicOffset+4]) != headerMagic {
		return nil, errors.New("boot: missing HdrS signature; not a Linux bzImage")
	}

	headerLength := int(data[headerLengthOffset])
	headerEnd := headerMagicOffset + headerLength
	if headerEnd > len(data) {
		return nil, errors.New("boot: setup header extends past end of image")
	}
	if headerEnd <= setupHeaderOffset {
		return nil, errors.New("boot: invalid setup header length")
	}
	headerBytes := make([]byte, headerEnd-setupHeaderOffset)
	copy(headerBytes, data[setupHeaderOffset:headerEnd])

	var hdr SetupHeader
	hdr.SetupSectors = data[setupHeaderOffset]
	if hdr.SetupSectors == 0 {
		hdr.SetupSectors = 4
	}
	hdr.ProtocolVersion = binary.LittleEndian.Uint16(data[protocolVersionOffset:])
	hdr.LoadFlags = data[loadFlagsOffset]
	hdr.Code32Start = binary.LittleEndian.Uint32(data[code32StartOffset:])
	hdr.InitrdAddrMax = binary.LittleEndian.Uint32(data[initrdAddrMaxOffset:])
	hdr.KernelAlignment = binary.LittleEndian.Uint32(data[kernelAlignmentOffset:])
	hdr.RelocatableKernel = data[relocatableKernelOffset]
	hdr.MinAlignment = data[minAlignmentOffset]
	hdr.XLoadFlags = binary.LittleEndian.Uint16(data[xloadflagsOffset:])
	hdr.CmdlineSize = binary.LittleEndian.Uint32(data[cmdlineSizeOffset:])
	hdr.PrefAddress = binary.LittleEndian.Uint64(data[prefAddressOffset:])
	hdr.InitSize = binary.LittleEndian.Uint32(data[initSizeOffset:])

	if hdr.XLoadFlags&0x1 == 0 {
		return nil, errors.New("boot: kernel does not advertise 64-bit entry (XLF_KERNEL_64)")
	}

	payloadOffset := 512 * (1 + int(hdr.SetupSectors))
	if payloadOffset > len(data) {
		return nil, fmt.Errorf("boot: payload offset %d exceeds image size %d", payloadOffset, len(data))
	}

	return &KernelImage{
		Data:          data,
		HeaderBytes:   headerBytes,
		Header:        hdr,
		PayloadOffset: payloadOffset,
	}, nil
}

// Payload returns the protected-mode kernel payload following the real
// mode setup sectors -- what gets placed at the kernel load address.
func (k *KernelImage) Payload() []byte {
	return k.Data[k.PayloadOffset:]
}
