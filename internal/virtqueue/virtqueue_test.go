package virtqueue

import (
	"encoding/binary"
	"io"
	"testing"
)

// fakeMemory is a flat byte slice standing in for guest physical memory,
// matching the fake used by internal/virtio's transport tests.
type fakeMemory struct{ buf []byte }

func newFakeMemory(size int) *fakeMemory { return &fakeMemory{buf: make([]byte, size)} }

func (m *fakeMemory) ReadAt(p []byte, off int64) (int, error) {
	if int(off)+len(p) > len(m.buf) {
		return 0, io.ErrShortBuffer
	}
	return copy(p, m.buf[off:]), nil
}

func (m *fakeMemory) WriteAt(p []byte, off int64) (int, error) {
	if int(off)+len(p) > len(m.buf) {
		return 0, io.ErrShortBuffer
	}
	return copy(m.buf[off:], p), nil
}

const (
	testDescAddr  = 0x1000
	testAvailAddr = 0x3000
	testUsedAddr  = 0x4000
)

func newTestQueue(t *testing.T, size uint16) (*Queue, *fakeMemory) {
	t.Helper()
	mem := newFakeMemory(1 << 20)
	q := New(mem)
	q.SetAddresses(testDescAddr, testAvailAddr, testUsedAddr)
	if err := q.SetSize(size); err != nil {
		t.Fatal(err)
	}
	return q, mem
}

func writeDescriptor(mem *fakeMemory, slot uint16, addr uint64, length uint32, flags, next uint16) {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], addr)
	binary.LittleEndian.PutUint32(buf[8:12], length)
	binary.LittleEndian.PutUint16(buf[12:14], flags)
	binary.LittleEndian.PutUint16(buf[14:16], next)
	mem.WriteAt(buf[:], testDescAddr+int64(slot)*descriptorSize)
}

// publishAvail writes ring[avail_idx % size] = head and bumps avail_idx to
// avail_idx+1, exactly as a guest driver submitting one more descriptor does.
func publishAvail(mem *fakeMemory, availIdx, size, head uint16) {
	var headBuf [2]byte
	binary.LittleEndian.PutUint16(headBuf[:], head)
	mem.WriteAt(headBuf[:], testAvailAddr+4+int64(availIdx%size)*2)

	var idxBuf [2]byte
	binary.LittleEndian.PutUint16(idxBuf[:], availIdx+1)
	mem.WriteAt(idxBuf[:], testAvailAddr+2)
}

func usedEntry(mem *fakeMemory, usedIdx, size uint16) (id, length uint32) {
	var buf [8]byte
	mem.ReadAt(buf[:], testUsedAddr+4+int64(usedIdx%size)*8)
	return binary.LittleEndian.Uint32(buf[0:4]), binary.LittleEndian.Uint32(buf[4:8])
}

// TestMultiBatchThroughUsedRing drives 10x the queue size worth of single
// descriptor chains through NextAvail/Chain/PutUsed, reusing descriptor
// table slots mod size exactly as a real net TX queue does once the driver
// starts recycling descriptors the device has returned. Every one of the
// frames must come back through the used ring with the right head and
// length: this is spec §8 property 1's "feed 10×queue_size frames ... and
// verify every frame is returned via the used ring", and a failure to take
// ring offsets modulo the queue size (§9) would manifest here as a
// "descriptor index out of bounds" or a wrong used-ring slot once idx
// exceeds the queue size.
func TestMultiBatchThroughUsedRing(t *testing.T) {
	const size = 256
	const frames = 10 * size
	q, mem := newTestQueue(t, size)

	for i := uint16(0); i < frames; i++ {
		slot := i % size
		// Addr doubles as a per-frame marker so Chain's result can be tied
		// back to the frame that produced it.
		writeDescriptor(mem, slot, uint64(i)+1, 64, 0, 0)
		publishAvail(mem, i, size, slot)

		head, ok, err := q.NextAvail()
		if err != nil {
			t.Fatalf("frame %d: NextAvail: %v", i, err)
		}
		if !ok {
			t.Fatalf("frame %d: NextAvail reported no descriptor available", i)
		}
		if head != slot {
			t.Fatalf("frame %d: head = %d, want %d", i, head, slot)
		}

		chain, err := q.Chain(head)
		if err != nil {
			t.Fatalf("frame %d: Chain: %v", i, err)
		}
		if len(chain) != 1 {
			t.Fatalf("frame %d: chain length = %d, want 1", i, len(chain))
		}
		if chain[0].Addr != uint64(i)+1 {
			t.Fatalf("frame %d: chain descriptor addr = %d, want %d", i, chain[0].Addr, i+1)
		}

		if err := q.PutUsed(head, 64); err != nil {
			t.Fatalf("frame %d: PutUsed: %v", i, err)
		}

		id, length := usedEntry(mem, i, size)
		if id != uint32(slot) {
			t.Fatalf("frame %d: used ring id = %d, want %d", i, id, slot)
		}
		if length != 64 {
			t.Fatalf("frame %d: used ring length = %d, want 64", i, length)
		}
	}

	if more, _ := q.HasAvail(); more {
		t.Fatalf("HasAvail true after draining all %d frames", frames)
	}
}

// TestAvailIdxWrapsAt65536 exercises §8's boundary behavior for avail_idx
// wrapping from 65535 back to 0 while the ring offset it derives stays
// bounded by the (much smaller) queue size.
func TestAvailIdxWrapsAt65536(t *testing.T) {
	const size = 256
	q, mem := newTestQueue(t, size)

	// Fast-forward lastAvailIdx to just below the 16-bit wrap without
	// looping 65535 times through the whole NextAvail/PutUsed cycle.
	q.lastAvailIdx = 65533
	q.usedIdx = 65533

	for i := uint16(0); i < 6; i++ {
		avail := q.lastAvailIdx
		slot := avail % size
		writeDescriptor(mem, slot, uint64(avail)+1, 32, 0, 0)
		publishAvail(mem, avail, size, slot)

		head, ok, err := q.NextAvail()
		if err != nil {
			t.Fatalf("iter %d (avail_idx=%d): NextAvail: %v", i, avail, err)
		}
		if !ok {
			t.Fatalf("iter %d (avail_idx=%d): NextAvail reported no descriptor", i, avail)
		}
		if head != slot {
			t.Fatalf("iter %d (avail_idx=%d): head = %d, want %d", i, avail, head, slot)
		}

		if err := q.PutUsed(head, 32); err != nil {
			t.Fatalf("iter %d: PutUsed: %v", i, err)
		}
		id, length := usedEntry(mem, avail, size)
		if id != uint32(slot) || length != 32 {
			t.Fatalf("iter %d (avail_idx=%d): used entry = (%d,%d), want (%d,32)", i, avail, id, length, slot)
		}
	}

	// lastAvailIdx must have wrapped past 65535 back through 0, not stuck
	// or panicked on the 16-bit rollover.
	if q.lastAvailIdx != 3 {
		t.Fatalf("lastAvailIdx after wrap = %d, want 3", q.lastAvailIdx)
	}
	if q.usedIdx != 3 {
		t.Fatalf("usedIdx after wrap = %d, want 3", q.usedIdx)
	}
}

func TestChainRejectsCycle(t *testing.T) {
	const size = 4
	q, mem := newTestQueue(t, size)

	// Descriptor 0 -> 1 -> 0 -> ... never terminates.
	writeDescriptor(mem, 0, 0x100, 16, DescFNext, 1)
	writeDescriptor(mem, 1, 0x200, 16, DescFNext, 0)

	if _, err := q.Chain(0); err == nil {
		t.Fatalf("expected Chain to reject a cyclic descriptor chain")
	}
}

func TestSetSizeRejectsNonPowerOfTwo(t *testing.T) {
	q := New(newFakeMemory(1 << 16))
	if err := q.SetSize(200); err == nil {
		t.Fatalf("expected SetSize(200) to reject a non-power-of-two size")
	}
	if err := q.SetSize(256); err != nil {
		t.Fatalf("SetSize(256): %v", err)
	}
}
