// Package virtqueue implements the split-virtqueue descriptor-chain walking
// shared by every virtio device in this repo: the descriptor table, the
// available ring, and the used ring, plus the 16-bit index bookkeeping that
// must wrap at 65536 while ring offsets wrap at the queue size.
package virtqueue

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Descriptor flags (virtio spec 2.7.5).
const (
	DescFNext  uint16 = 1 << 0 // buffer continues via Next
	DescFWrite uint16 = 1 << 1 // buffer is device-write-only
)

const descriptorSize = 16 // addr(8) + len(4) + flags(2) + next(2)

// GuestMemory is the narrow read/write interface a device needs to walk
// descriptor chains and move data. The VMM's memory slot implements this.
type GuestMemory interface {
	io.ReaderAt
	io.WriterAt
}

// Descriptor is one entry of a descriptor chain.
type Descriptor struct {
	Addr   uint64
	Length uint32
	Flags  uint16
	Next   uint16
}

func (d Descriptor) IsWrite() bool { return d.Flags&DescFWrite != 0 }
func (d Descriptor) HasNext() bool { return d.Flags&DescFNext != 0 }

// Queue is one split virtqueue: a descriptor table plus an available and a
// used ring, all located in guest physical memory at addresses the guest
// driver programs via the transport (MMIO or PCI) during setup.
//
// Size must be a power of two (virtio devices in this repo offer a
// maximum of 128 or 256).
// avail_idx/used_idx are 16-bit counters that wrap at 65536; every offset
// derived from them into the ring arrays must additionally be taken modulo
// Size — conflating the two wraps is the classic "id N is not a head" bug
// that only appears after the ring has cycled once.
type Queue struct {
	Size      uint16
	DescAddr  uint64
	AvailAddr uint64
	UsedAddr  uint64

	lastAvailIdx uint16
	usedIdx      uint16

	mem GuestMemory
}

// New creates a Queue bound to guest memory mem. Size/addresses are filled
// in later by SetAddresses/SetSize once the driver programs them.
func New(mem GuestMemory) *Queue {
	return &Queue{mem: mem}
}

func (q *Queue) SetAddresses(desc, avail, used uint64) {
	q.DescAddr, q.AvailAddr, q.UsedAddr = desc, avail, used
}

func (q *Queue) SetSize(size uint16) error {
	if size == 0 || size&(size-1) != 0 {
		return fmt.Errorf("virtqueue: size %d must be a nonzero power of two", size)
	}
	q.Size = size
	return nil
}

// Reset clears all ring state. Called when the driver resets the device or
// disables the queue (QUEUE_READY=0).
func (q *Queue) Reset() {
	q.Size = 0
	q.DescAddr, q.AvailAddr, q.UsedAddr = 0, 0, 0
	q.lastAvailIdx, q.usedIdx = 0, 0
}

func (q *Queue) ready() error {
	if q.Size == 0 || q.mem == nil {
		return fmt.Errorf("virtqueue: queue not ready")
	}
	return nil
}

// Descriptor reads descriptor table entry idx (idx is already mod Size).
func (q *Queue) Descriptor(idx uint16) (Descriptor, error) {
	if err := q.ready(); err != nil {
		return Descriptor{}, err
	}
	if idx >= q.Size {
		return Descriptor{}, fmt.Errorf("virtqueue: descriptor index %d out of bounds (size %d)", idx, q.Size)
	}
	var buf [descriptorSize]byte
	if err := q.readAt(q.DescAddr+uint64(idx)*descriptorSize, buf[:]); err != nil {
		return Descriptor{}, err
	}
	return Descriptor{
		Addr:   binary.LittleEndian.Uint64(buf[0:8]),
		Length: binary.LittleEndian.Uint32(buf[8:12]),
		Flags:  binary.LittleEndian.Uint16(buf[12:14]),
		Next:   binary.LittleEndian.Uint16(buf[14:16]),
	}, nil
}

// NextAvail pops the next available descriptor head if the driver has
// published one since the last call. The ring offset is lastAvailIdx mod
// Size; lastAvailIdx itself is left to wrap naturally at 65536.
func (q *Queue) NextAvail() (head uint16, ok bool, err error) {
	if err := q.ready(); err != nil {
		return 0, false, err
	}
	var idxBuf [2]byte
	if err := q.readAt(q.AvailAddr+2, idxBuf[:]); err != nil {
		return 0, false, err
	}
	availIdx := binary.LittleEndian.Uint16(idxBuf[:])
	if availIdx == q.lastAvailIdx {
		return 0, false, nil
	}

	ringOff := q.AvailAddr + 4 + uint64(q.lastAvailIdx%q.Size)*2
	var headBuf [2]byte
	if err := q.readAt(ringOff, headBuf[:]); err != nil {
		return 0, false, err
	}
	head = binary.LittleEndian.Uint16(headBuf[:])
	q.lastAvailIdx++
	return head, true, nil
}

// HasAvail reports whether NextAvail would currently return a descriptor,
// without consuming it.
func (q *Queue) HasAvail() (bool, error) {
	if err := q.ready(); err != nil {
		return false, err
	}
	var idxBuf [2]byte
	if err := q.readAt(q.AvailAddr+2, idxBuf[:]); err != nil {
		return false, err
	}
	return binary.LittleEndian.Uint16(idxBuf[:]) != q.lastAvailIdx, nil
}

// Chain walks the descriptor chain starting at head, returning every
// descriptor in order. Walks are bounded by Size to reject cyclic chains
// from a malicious or buggy driver.
func (q *Queue) Chain(head uint16) ([]Descriptor, error) {
	if err := q.ready(); err != nil {
		return nil, err
	}
	chain := make([]Descriptor, 0, 4)
	idx := head
	for i := uint16(0); i < q.Size; i++ {
		d, err := q.Descriptor(idx)
		if err != nil {
			return chain, err
		}
		chain = append(chain, d)
		if !d.HasNext() {
			return chain, nil
		}
		idx = d.Next
	}
	return nil, fmt.Errorf("virtqueue: descriptor chain exceeds queue size %d (cycle?)", q.Size)
}

// PutUsed records that descriptor chain `head` produced `length` bytes and
// advances used_idx, writing the new used_idx to guest memory on every
// call.
func (q *Queue) PutUsed(head uint16, length uint32) error {
	if err := q.ready(); err != nil {
		return err
	}
	base := q.UsedAddr + 4 + uint64(q.usedIdx%q.Size)*8
	var elem [8]byte
	binary.LittleEndian.PutUint32(elem[0:4], uint32(head))
	binary.LittleEndian.PutUint32(elem[4:8], length)
	if err := q.writeAt(base, elem[:]); err != nil {
		return err
	}
	q.usedIdx++
	var idxBuf [2]byte
	binary.LittleEndian.PutUint16(idxBuf[:], q.usedIdx)
	return q.writeAt(q.UsedAddr+2, idxBuf[:])
}

// ReadGuest copies length bytes from guest physical address addr.
func (q *Queue) ReadGuest(addr uint64, length uint32) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	buf := make([]byte, length)
	if err := q.readAt(addr, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteGuest copies data into guest physical memory at addr.
func (q *Queue) WriteGuest(addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return q.writeAt(addr, data)
}

func (q *Queue) readAt(addr uint64, buf []byte) error {
	n, err := q.mem.ReadAt(buf, int64(addr))
	if err != nil {
		return fmt.Errorf("virtqueue: guest read at %#x: %w", addr, err)
	}
	if n != len(buf) {
		return fmt.Errorf("virtqueue: short guest read at %#x (want %d got %d)", addr, len(buf), n)
	}
	return nil
}

func (q *Queue) writeAt(addr uint64, buf []byte) error {
	n, err := q.mem.WriteAt(buf, int64(addr))
	if err != nil {
		return fmt.Errorf("virtqueue: guest write at %#x: %w", addr, err)
	}
	if n != len(buf) {
		return fmt.Errorf("virtqueue: short guest write at %#x (want %d got %d)", addr, len(buf), n)
	}
	return nil
}
