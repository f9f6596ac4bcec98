package virtio

import (
	"bytes"
	"io"
	"log/slog"
	"testing"

	"github.com/the-void-ia/void-box/internal/virtqueue"
)

// fakeMemory is a flat byte slice standing in for guest physical memory.
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

type nullHandler struct{ queues int }

func (h nullHandler) NumQueues() int                              { return h.queues }
func (h nullHandler) QueueMaxSize(int) uint16                      { return 256 }
func (h nullHandler) OnReset()                                     {}
func (h nullHandler) OnDriverOK()                                  {}
func (h nullHandler) OnQueueNotify(int) error                      { return nil }
func (h nullHandler) ReadConfig(uint64, int) (uint32, bool)        { return 0, false }
func (h nullHandler) WriteConfig(uint64, int, uint32) bool         { return false }

func newTestTransport(queues int) (*Transport, *fakeMemory, *int) {
	mem := newFakeMemory(1 << 20)
	asserted := new(int)
	tr := NewTransport(slog.Default(), mem, DeviceIDNet, 5, 0, nullHandler{queues: queues}, func(uint32) { *asserted++ })
	return tr, mem, asserted
}

func regWrite(t *testing.T, tr *Transport, offset uint64, val uint32) {
	t.Helper()
	var buf [4]byte
	buf[0], buf[1], buf[2], buf[3] = byte(val), byte(val>>8), byte(val>>16), byte(val>>24)
	if err := tr.Write(offset, buf[:]); err != nil {
		t.Fatalf("write %#x: %v", offset, err)
	}
}

func regRead(t *testing.T, tr *Transport, offset uint64) uint32 {
	t.Helper()
	var buf [4]byte
	if err := tr.Read(offset, buf[:]); err != nil {
		t.Fatalf("read %#x: %v", offset, err)
	}
	return uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
}

func TestMagicVersionDeviceID(t *testing.T) {
	tr, _, _ := newTestTransport(2)
	if got := regRead(t, tr, regMagicValue); got != magicValue {
		t.Fatalf("magic = %#x", got)
	}
	if got := regRead(t, tr, regVersion); got != version2 {
		t.Fatalf("version = %d", got)
	}
	if got := regRead(t, tr, regDeviceID); got != DeviceIDNet {
		t.Fatalf("device id = %d", got)
	}
}

func TestFeatureVersion1Advertised(t *testing.T) {
	tr, _, _ := newTestTransport(1)
	regWrite(t, tr, regDeviceFeaturesSel, 1) // high 32 bits
	high := regRead(t, tr, regDeviceFeatures)
	if high&1 == 0 {
		t.Fatalf("VIRTIO_F_VERSION_1 not advertised in high word: %#x", high)
	}
}

func TestStatusStateMachineAndInterruptAck(t *testing.T) {
	tr, _, asserted := newTestTransport(1)

	regWrite(t, tr, regStatus, StatusAcknowledge)
	regWrite(t, tr, regStatus, StatusAcknowledge|StatusDriver)
	regWrite(t, tr, regStatus, StatusAcknowledge|StatusDriver|StatusFeaturesOK)
	regWrite(t, tr, regStatus, StatusAcknowledge|StatusDriver|StatusFeaturesOK|StatusDriverOK)

	if got := regRead(t, tr, regStatus); got != StatusAcknowledge|StatusDriver|StatusFeaturesOK|StatusDriverOK {
		t.Fatalf("status = %#x", got)
	}

	tr.RaiseInterrupt(IntVRing)
	if *asserted != 1 {
		t.Fatalf("expected irqAssert called once, got %d", *asserted)
	}
	if got := regRead(t, tr, regInterruptStatus); got&IntVRing == 0 {
		t.Fatalf("interrupt_status not set after RaiseInterrupt")
	}

	regWrite(t, tr, regInterruptAck, IntVRing)
	if got := regRead(t, tr, regInterruptStatus); got&IntVRing != 0 {
		t.Fatalf("interrupt_status not cleared after ack")
	}
}

func TestResetClearsQueuesAndStatus(t *testing.T) {
	tr, _, _ := newTestTransport(1)
	regWrite(t, tr, regQueueSel, 0)
	regWrite(t, tr, regQueueNum, 256)
	regWrite(t, tr, regStatus, StatusAcknowledge)

	regWrite(t, tr, regStatus, StatusDeviceReset)

	if got := regRead(t, tr, regStatus); got != 0 {
		t.Fatalf("status not reset: %#x", got)
	}
	if tr.Queue(0).Size != 0 {
		t.Fatalf("queue size not reset: %d", tr.Queue(0).Size)
	}
}

func TestBlkDeviceReadReturnsHostBytes(t *testing.T) {
	mem := newFakeMemory(1 << 16)
	content := bytes.Repeat([]byte{0xAB}, 512)
	backing := bytes.NewReader(content)

	log := slog.Default()
	blk := NewBlkDevice(log, backing, int64(len(content)))
	asserted := new(int)
	tr := NewTransport(log, mem, DeviceIDBlock, 6, FeatureBlkRO, blk, func(uint32) { *asserted++ })
	blk.Attach(tr)

	q := tr.Queue(0)
	const (
		descAddr  = 0x1000
		availAddr = 0x2000
		usedAddr  = 0x3000
		hdrAddr   = 0x4000
		dataAddr  = 0x5000
		statAddr  = 0x6000
	)
	q.SetAddresses(descAddr, availAddr, usedAddr)
	if err := q.SetSize(256); err != nil {
		t.Fatal(err)
	}

	// virtio_blk_req header: type(4) reserved(4) sector(8)
	var hdr [16]byte
	hdr[0] = 0 // VIRTIO_BLK_T_IN
	mem.WriteAt(hdr[:], hdrAddr)

	writeDesc(t, mem, descAddr+0*16, hdrAddr, 16, virtqueue.DescFNext, 1)
	writeDesc(t, mem, descAddr+1*16, dataAddr, 512, virtqueue.DescFNext|virtqueue.DescFWrite, 2)
	writeDesc(t, mem, descAddr+2*16, statAddr, 1, virtqueue.DescFWrite, 0)

	mem.WriteAt([]byte{0, 0}, availAddr) // flags
	mem.WriteAt([]byte{1, 0}, availAddr+2)
	mem.WriteAt([]byte{0, 0}, availAddr+4) // ring[0] = head 0

	if err := blk.OnQueueNotify(0); err != nil {
		t.Fatalf("OnQueueNotify: %v", err)
	}

	got := make([]byte, 512)
	mem.ReadAt(got, dataAddr)
	if !bytes.Equal(got, content) {
		t.Fatalf("guest buffer mismatch")
	}
	status := make([]byte, 1)
	mem.ReadAt(status, statAddr)
	if status[0] != blkStatusOK {
		t.Fatalf("status = %d, want OK", status[0])
	}
	if *asserted != 1 {
		t.Fatalf("expected one interrupt, got %d", *asserted)
	}
}

func writeDesc(t *testing.T, mem *fakeMemory, at, addr uint64, length uint32, flags, next uint16) {
	t.Helper()
	var buf [16]byte
	buf[0], buf[1], buf[2], buf[3] = byte(addr), byte(addr>>8), byte(addr>>16), byte(addr>>24)
	buf[4], buf[5], buf[6], buf[7] = byte(addr>>32), byte(addr>>40), byte(addr>>48), byte(addr>>56)
	buf[8], buf[9], buf[10], buf[11] = byte(length), byte(length>>8), byte(length>>16), byte(length>>24)
	buf[12], buf[13] = byte(flags), byte(flags>>8)
	buf[14], buf[15] = byte(next), byte(next>>8)
	if _, err := mem.WriteAt(buf[:], int64(at)); err != nil {
		t.Fatal(err)
	}
}
