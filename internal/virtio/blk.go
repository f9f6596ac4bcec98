package virtio

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"

	"github.com/the-void-ia/void-box/internal/virtqueue"
)

// virtio-blk request types (virtio spec 5.2.6).
const (
	blkTypeIn    uint32 = 0
	blkTypeOut   uint32 = 1
	blkTypeFlush uint32 = 4
)

// virtio-blk status codes written to the last descriptor of a request.
const (
	blkStatusOK     byte = 0
	blkStatusIOErr  byte = 1
	blkStatusUnsupp byte = 2
)

const blkSectorSize = 512

// FeatureBlkRO is VIRTIO_BLK_F_RO (bit 5): the device is read-only.
const FeatureBlkRO = uint64(1) << 5

// BlkDevice backs a read-only host file as a virtio-blk device, per
// §4.4 and the defense-in-depth read-only guarantees in §4.7: the
// device itself refuses writes regardless of what the host file's
// actual permissions allow.
type BlkDevice struct {
	log       *slog.Logger
	transport *Transport
	file      io.ReaderAt
	sectors   uint64
}

// NewBlkDevice wraps file (opened O_RDONLY by the caller) exposing
// capacity sectors of 512 bytes each.
func NewBlkDevice(log *slog.Logger, file io.ReaderAt, sizeBytes int64) *BlkDevice {
	return &BlkDevice{log: log.With("dev", "virtio-blk"), file: file, sectors: uint64(sizeBytes) / blkSectorSize}
}

func (d *BlkDevice) Attach(t *Transport) { d.transport = t }

func (d *BlkDevice) NumQueues() int          { return 1 }
func (d *BlkDevice) QueueMaxSize(int) uint16 { return 256 }
func (d *BlkDevice) OnReset()                {}
func (d *BlkDevice) OnDriverOK()             {}

func (d *BlkDevice) ReadConfig(offset uint64, width int) (uint32, bool) {
	if offset != 0 {
		return 0, false
	}
	// capacity (u64) at config offset 0; only the low 32 bits matter for
	// guests issuing 32-bit MMIO reads, high word at offset 4.
	_ = width
	return uint32(d.sectors), true
}

func (d *BlkDevice) WriteConfig(uint64, int, uint32) bool { return false }

func (d *BlkDevice) OnQueueNotify(queue int) error {
	q := d.transport.Queue(0)
	interrupted := false
	for {
		head, ok, err := q.NextAvail()
		if err != nil {
			return fmt.Errorf("virtio-blk: avail: %w", err)
		}
		if !ok {
			break
		}
		if err := d.handleRequest(q, head); err != nil {
			return err
		}
		interrupted = true
	}
	if interrupted {
		d.transport.RaiseInterrupt(IntVRing)
	}
	return nil
}

func (d *BlkDevice) handleRequest(q *virtqueue.Queue, head uint16) error {
	chain, err := q.Chain(head)
	if err != nil {
		return fmt.Errorf("virtio-blk: chain: %w", err)
	}
	if len(chain) < 2 {
		return fmt.Errorf("virtio-blk: malformed request chain (len %d)", len(chain))
	}

	hdrBuf, err := q.ReadGuest(chain[0].Addr, chain[0].Length)
	if err != nil || len(hdrBuf) < 16 {
		return fmt.Errorf("virtio-blk: read header: %w", err)
	}
	reqType := binary.LittleEndian.Uint32(hdrBuf[0:4])
	sector := binary.LittleEndian.Uint64(hdrBuf[8:16])

	status := blkStatusOK
	var total uint32

	dataDescs := chain[1 : len(chain)-1]
	statusDesc := chain[len(chain)-1]

	switch reqType {
	case blkTypeIn:
		for _, dd := range dataDescs {
			buf := make([]byte, dd.Length)
			n, err := d.file.ReadAt(buf, int64(sector)*blkSectorSize+int64(total))
			if err != nil && err != io.EOF {
				status = blkStatusIOErr
				break
			}
			if err := q.WriteGuest(dd.Addr, buf[:n]); err != nil {
				return fmt.Errorf("virtio-blk: write guest: %w", err)
			}
			total += uint32(n)
		}
	case blkTypeOut:
		status = blkStatusUnsupp // read-only device: writes are always rejected
		for _, dd := range dataDescs {
			total += dd.Length
		}
	case blkTypeFlush:
		status = blkStatusOK
	default:
		status = blkStatusUnsupp
	}

	if err := q.WriteGuest(statusDesc.Addr, []byte{status}); err != nil {
		return fmt.Errorf("virtio-blk: write status: %w", err)
	}

	length := total + 1
	return q.PutUsed(head, length)
}
