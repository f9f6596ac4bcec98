// Package fdt builds Flattened Device Tree blobs for aarch64 direct
// kernel boot -- just enough of the DTSpec structure block format to
// describe memory, the bootargs/initrd chosen node, and a PSCI node.
package fdt

import "encoding/binary"

const (
	magic      = 0xd00dfeed
	version    = 17
	lastCompat = 16

	tokenBeginNode = 0x00000001
	tokenEndNode   = 0x00000002
	tokenProp      = 0x00000003
	tokenEnd       = 0x00000009
)

// Builder accumulates a structure block and a deduplicated strings
// block as nodes and properties are added, in document order.
type Builder struct {
	structure []byte
	strings   []byte
	stringOff map[string]uint32
}

func NewBuilder() *Builder {
	return &Builder{stringOff: make(map[string]uint32)}
}

func (b *Builder) BeginNode(name string) {
	b.putU32(tokenBeginNode)
	b.putAlignedString(name)
}

func (b *Builder) EndNode() {
	b.putU32(tokenEndNode)
}

func (b *Builder) PropEmpty(name string) {
	b.putProp(name, nil)
}

func (b *Builder) PropString(name, value string) {
	b.putProp(name, append([]byte(value), 0))
}

func (b *Builder) PropStringList(name string, values []string) {
	var data []byte
	for _, v := range values {
		data = append(data, v...)
		data = append(data, 0)
	}
	b.putProp(name, data)
}

func (b *Builder) PropU32(name string, value uint32) {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, value)
	b.putProp(name, buf)
}

func (b *Builder) PropU32Array(name string, values []uint32) {
	buf := make([]byte, 4*len(values))
	for i, v := range values {
		binary.BigEndian.PutUint32(buf[i*4:], v)
	}
	b.putProp(name, buf)
}

func (b *Builder) PropU64Pair(name string, a, c uint64) {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf, a)
	binary.BigEndian.PutUint64(buf[8:], c)
	b.putProp(name, buf)
}

func (b *Builder) PropBytes(name string, data []byte) {
	b.putProp(name, data)
}

// Build finalizes the structure block and assembles the full blob:
// header, empty memory reservation map, structure block, strings block.
func (b *Builder) Build() []byte {
	b.putU32(tokenEnd)

	const headerSize = 40
	const memRsvmapSize = 16 // one terminating all-zero entry

	structOff := uint32(headerSize + memRsvmapSize)
	stringsOff := structOff + uint32(len(b.structure))
	total := stringsOff + uint32(len(b.strings))

	hdr := make([]byte, headerSize)
	be := binary.BigEndian
	be.PutUint32(hdr[0:], magic)
	be.PutUint32(hdr[4:], total)
	be.PutUint32(hdr[8:], structOff)
	be.PutUint32(hdr[12:], stringsOff)
	be.PutUint32(hdr[16:], headerSize)
	be.PutUint32(hdr[20:], version)
	be.PutUint32(hdr[24:], lastCompat)
	be.PutUint32(hdr[28:], 0) // boot_cpuid_phys
	be.PutUint32(hdr[32:], uint32(len(b.strings)))
	be.PutUint32(hdr[36:], uint32(len(b.structure)))

	blob := make([]byte, total)
	copy(blob, hdr)
	copy(blob[structOff:], b.structure)
	copy(blob[stringsOff:], b.strings)
	return blob
}

func (b *Builder) putProp(name string, data []byte) {
	b.putU32(tokenProp)
	b.putU32(uint32(len(data)))
	b.putU32(b.internString(name))
	b.putAligned(data)
}

func (b *Builder) putU32(v uint32) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	b.structure = append(b.structure, buf[:]...)
}

func (b *Builder) putAlignedString(s string) {
	b.putAligned(append([]byte(s), 0))
}

func (b *Builder) putAligned(data []byte) {
	b.structure = append(b.structure, data...)
	for len(b.structure)%4 != 0 {
		b.structure = append(b.structure, 0)
	}
}

func (b *Builder) internString(name string) uint32 {
	if off, ok := b.stringOff[name]; ok {
		return off
	}
	off := uint32(len(b.strings))
	b.stringOff[name] = off
	b.strings = append(b.strings, name...)
	b.strings = append(b.strings, 0)
	return off
}
